package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// TestDefaultConfig verifies default configuration values
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if cfg.Execution.LockTimeout != 30*time.Second {
		t.Errorf("Execution.LockTimeout = %v, want 30s", cfg.Execution.LockTimeout)
	}
	if cfg.Execution.StopLockTimeout != 5*time.Second {
		t.Errorf("Execution.StopLockTimeout = %v, want 5s", cfg.Execution.StopLockTimeout)
	}
	if cfg.Reconcile.ListLimit != 20 {
		t.Errorf("Reconcile.ListLimit = %d, want 20", cfg.Reconcile.ListLimit)
	}
	if cfg.Render.FlushThreshold != 100 {
		t.Errorf("Render.FlushThreshold = %d, want 100", cfg.Render.FlushThreshold)
	}
	if cfg.Prompt.KnowledgeItems != 5 || cfg.Prompt.KnowledgeExcerpt != 200 {
		t.Errorf("Prompt = %+v, want 5 items of 200 chars", cfg.Prompt)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

// TestLoadConfigValidFile tests loading a valid YAML config file
func TestLoadConfigValidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	configContent := `state_dir: /var/lib/agentrun/runs
log_level: debug
assistant:
  base_url: http://localhost:8080/v1
  request_timeout: 15s
execution:
  lock_timeout: 1m
  timeout: 2m30s
reconcile:
  grace_period: 3s
  poll_interval: 250ms
  list_limit: 50
render:
  flush_threshold: 40
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if cfg.StateDir != "/var/lib/agentrun/runs" {
		t.Errorf("StateDir = %q", cfg.StateDir)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.LogLevel)
	}
	if cfg.Assistant.BaseURL != "http://localhost:8080/v1" {
		t.Errorf("Assistant.BaseURL = %q", cfg.Assistant.BaseURL)
	}
	if cfg.Assistant.RequestTimeout != 15*time.Second {
		t.Errorf("Assistant.RequestTimeout = %v, want 15s", cfg.Assistant.RequestTimeout)
	}
	if cfg.Execution.LockTimeout != time.Minute {
		t.Errorf("Execution.LockTimeout = %v, want 1m", cfg.Execution.LockTimeout)
	}
	if cfg.Execution.Timeout != 150*time.Second {
		t.Errorf("Execution.Timeout = %v, want 2m30s", cfg.Execution.Timeout)
	}
	if cfg.Reconcile.GracePeriod != 3*time.Second || cfg.Reconcile.PollInterval != 250*time.Millisecond {
		t.Errorf("Reconcile = %+v", cfg.Reconcile)
	}
	if cfg.Reconcile.ListLimit != 50 {
		t.Errorf("Reconcile.ListLimit = %d, want 50", cfg.Reconcile.ListLimit)
	}
	if cfg.Render.FlushThreshold != 40 {
		t.Errorf("Render.FlushThreshold = %d, want 40", cfg.Render.FlushThreshold)
	}

	// untouched keys keep their defaults
	if cfg.Execution.StopLockTimeout != 5*time.Second {
		t.Errorf("Execution.StopLockTimeout = %v, want default 5s", cfg.Execution.StopLockTimeout)
	}
	if cfg.HistoryDB != ".agentrun/history.db" {
		t.Errorf("HistoryDB = %q, want default", cfg.HistoryDB)
	}
	if cfg.Assistant.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("Assistant.APIKeyEnv = %q, want default", cfg.Assistant.APIKeyEnv)
	}
}

func TestLoadConfigExplicitEmptyHistoryDisablesLedger(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("history_db: \"\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.HistoryDB != "" {
		t.Errorf("HistoryDB = %q, want empty", cfg.HistoryDB)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "malformed yaml", content: "state_dir: [unclosed", wantErr: "failed to parse config file"},
		{name: "bad duration", content: "execution:\n  lock_timeout: soon\n", wantErr: "invalid execution.lock_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(configPath, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			_, err := LoadConfig(configPath)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadConfig() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("expected defaults, got LogLevel %q", cfg.LogLevel)
	}
}

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(HomeEnv, "")
	if err := os.MkdirAll(filepath.Join(dir, ".agentrun"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".agentrun", "config.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromDir(dir)
	if err != nil {
		t.Fatalf("LoadConfigFromDir() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn", cfg.LogLevel)
	}

	override := t.TempDir()
	t.Setenv(HomeEnv, override)
	if got := HomeDir(dir); got != override {
		t.Errorf("HomeDir() = %q, want %q", got, override)
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	stateDir := "/tmp/runs"
	level := "trace"
	timeout := 45 * time.Second

	cfg.MergeWithFlags(&stateDir, nil, nil, &level, &timeout)

	if cfg.StateDir != stateDir {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, stateDir)
	}
	if cfg.DefinitionsDir != ".agentrun/agents" {
		t.Errorf("DefinitionsDir changed to %q", cfg.DefinitionsDir)
	}
	if cfg.LogLevel != "trace" {
		t.Errorf("LogLevel = %q, want trace", cfg.LogLevel)
	}
	if cfg.Execution.Timeout != timeout {
		t.Errorf("Execution.Timeout = %v, want %v", cfg.Execution.Timeout, timeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "invalid log_level"},
		{name: "empty state dir", mutate: func(c *Config) { c.StateDir = " " }, wantErr: "state_dir"},
		{name: "empty definitions dir", mutate: func(c *Config) { c.DefinitionsDir = "" }, wantErr: "definitions_dir"},
		{name: "zero lock timeout", mutate: func(c *Config) { c.Execution.LockTimeout = 0 }, wantErr: "execution.lock_timeout"},
		{name: "negative grace", mutate: func(c *Config) { c.Reconcile.GracePeriod = -time.Second }, wantErr: "reconcile.grace_period"},
		{name: "zero flush threshold", mutate: func(c *Config) { c.Render.FlushThreshold = 0 }, wantErr: "render.flush_threshold"},
		{name: "empty history allowed", mutate: func(c *Config) { c.HistoryDB = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}
