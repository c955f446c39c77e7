package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AssistantConfig configures the remote assistant client.
type AssistantConfig struct {
	// BaseURL is the API root, e.g. https://api.openai.com/v1
	BaseURL string `yaml:"base_url"`

	// APIKeyEnv names the environment variable holding the API key
	APIKeyEnv string `yaml:"api_key_env"`

	// RequestTimeout bounds each non-streaming request
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// BetaHeader is sent as the OpenAI-Beta header
	BetaHeader string `yaml:"beta_header"`
}

// APIKey returns the API key from the configured environment variable.
func (a AssistantConfig) APIKey() string {
	return os.Getenv(a.APIKeyEnv)
}

// ExecutionConfig configures the executor.
type ExecutionConfig struct {
	// LockTimeout is how long Execute waits for a conversation lock
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// StopLockTimeout is how long Stop waits for a conversation lock
	StopLockTimeout time.Duration `yaml:"stop_lock_timeout"`

	// Timeout bounds a whole execution
	Timeout time.Duration `yaml:"timeout"`

	// EventBuffer is the capacity of the event channel
	EventBuffer int `yaml:"event_buffer"`
}

// ReconcileConfig configures stale-operation cleanup.
type ReconcileConfig struct {
	ListLimit    int           `yaml:"list_limit"`
	GracePeriod  time.Duration `yaml:"grace_period"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// RenderConfig configures output rendering.
type RenderConfig struct {
	// FlushThreshold is the number of new characters that triggers a re-render
	FlushThreshold int `yaml:"flush_threshold"`
}

// PromptConfig configures prompt assembly.
type PromptConfig struct {
	KnowledgeItems   int `yaml:"knowledge_items"`
	KnowledgeExcerpt int `yaml:"knowledge_excerpt"`
}

// DefinitionsConfig configures the definition provider.
type DefinitionsConfig struct {
	CacheSize int `yaml:"cache_size"`
}

// Config represents agentrun configuration options
type Config struct {
	// StateDir holds one JSON record per run
	StateDir string `yaml:"state_dir"`

	// DefinitionsDir holds agent definition files
	DefinitionsDir string `yaml:"definitions_dir"`

	// HistoryDB is the SQLite execution ledger; empty disables it
	HistoryDB string `yaml:"history_db"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where logs will be written
	LogDir string `yaml:"log_dir"`

	Assistant   AssistantConfig   `yaml:"assistant"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Render      RenderConfig      `yaml:"render"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Definitions DefinitionsConfig `yaml:"definitions"`
}

// DefaultConfig returns a Config with sensible default values
func DefaultConfig() *Config {
	return &Config{
		StateDir:       ".agentrun/runs",
		DefinitionsDir: ".agentrun/agents",
		HistoryDB:      ".agentrun/history.db",
		LogLevel:       "info",
		LogDir:         ".agentrun/logs",
		Assistant: AssistantConfig{
			BaseURL:        "https://api.openai.com/v1",
			APIKeyEnv:      "OPENAI_API_KEY",
			RequestTimeout: 60 * time.Second,
			BetaHeader:     "assistants=v2",
		},
		Execution: ExecutionConfig{
			LockTimeout:     30 * time.Second,
			StopLockTimeout: 5 * time.Second,
			Timeout:         10 * time.Minute,
			EventBuffer:     16,
		},
		Reconcile: ReconcileConfig{
			ListLimit:    20,
			GracePeriod:  5 * time.Second,
			PollInterval: 500 * time.Millisecond,
		},
		Render:      RenderConfig{FlushThreshold: 100},
		Prompt:      PromptConfig{KnowledgeItems: 5, KnowledgeExcerpt: 200},
		Definitions: DefinitionsConfig{CacheSize: 128},
	}
}

// yamlConfig mirrors Config with durations as strings.
type yamlConfig struct {
	StateDir       string `yaml:"state_dir"`
	DefinitionsDir string `yaml:"definitions_dir"`
	HistoryDB      string `yaml:"history_db"`
	LogLevel       string `yaml:"log_level"`
	LogDir         string `yaml:"log_dir"`
	Assistant      struct {
		BaseURL        string `yaml:"base_url"`
		APIKeyEnv      string `yaml:"api_key_env"`
		RequestTimeout string `yaml:"request_timeout"`
		BetaHeader     string `yaml:"beta_header"`
	} `yaml:"assistant"`
	Execution struct {
		LockTimeout     string `yaml:"lock_timeout"`
		StopLockTimeout string `yaml:"stop_lock_timeout"`
		Timeout         string `yaml:"timeout"`
		EventBuffer     int    `yaml:"event_buffer"`
	} `yaml:"execution"`
	Reconcile struct {
		ListLimit    int    `yaml:"list_limit"`
		GracePeriod  string `yaml:"grace_period"`
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"reconcile"`
	Render      RenderConfig      `yaml:"render"`
	Prompt      PromptConfig      `yaml:"prompt"`
	Definitions DefinitionsConfig `yaml:"definitions"`
}

// LoadConfig loads configuration from the specified file path
// If the file doesn't exist, returns default configuration without error
// If the file exists but is malformed, returns an error
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setString(&cfg.StateDir, y.StateDir)
	setString(&cfg.DefinitionsDir, y.DefinitionsDir)
	setString(&cfg.LogLevel, y.LogLevel)
	setString(&cfg.LogDir, y.LogDir)

	// history_db is applied when present so an explicit empty value disables the ledger
	var rawMap map[string]interface{}
	if err := yaml.Unmarshal(data, &rawMap); err == nil {
		if _, exists := rawMap["history_db"]; exists {
			cfg.HistoryDB = y.HistoryDB
		}
	}

	setString(&cfg.Assistant.BaseURL, y.Assistant.BaseURL)
	setString(&cfg.Assistant.APIKeyEnv, y.Assistant.APIKeyEnv)
	setString(&cfg.Assistant.BetaHeader, y.Assistant.BetaHeader)
	setInt(&cfg.Execution.EventBuffer, y.Execution.EventBuffer)
	setInt(&cfg.Reconcile.ListLimit, y.Reconcile.ListLimit)
	setInt(&cfg.Render.FlushThreshold, y.Render.FlushThreshold)
	setInt(&cfg.Prompt.KnowledgeItems, y.Prompt.KnowledgeItems)
	setInt(&cfg.Prompt.KnowledgeExcerpt, y.Prompt.KnowledgeExcerpt)
	setInt(&cfg.Definitions.CacheSize, y.Definitions.CacheSize)

	durations := []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{"assistant.request_timeout", y.Assistant.RequestTimeout, &cfg.Assistant.RequestTimeout},
		{"execution.lock_timeout", y.Execution.LockTimeout, &cfg.Execution.LockTimeout},
		{"execution.stop_lock_timeout", y.Execution.StopLockTimeout, &cfg.Execution.StopLockTimeout},
		{"execution.timeout", y.Execution.Timeout, &cfg.Execution.Timeout},
		{"reconcile.grace_period", y.Reconcile.GracePeriod, &cfg.Reconcile.GracePeriod},
		{"reconcile.poll_interval", y.Reconcile.PollInterval, &cfg.Reconcile.PollInterval},
	}
	for _, d := range durations {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return nil, fmt.Errorf("invalid %s format %q: %w", d.key, d.value, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

// LoadConfigFromDir loads configuration from .agentrun/config.yaml in the specified directory
// If the directory or file doesn't exist, returns default configuration without error
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(HomeDir(dir), "config.yaml"))
}

// MergeWithFlags merges CLI flags into the configuration
// Non-nil flag values override configuration values
func (c *Config) MergeWithFlags(stateDir, definitionsDir, historyDB, logLevel *string, timeout *time.Duration) {
	if stateDir != nil {
		c.StateDir = *stateDir
	}
	if definitionsDir != nil {
		c.DefinitionsDir = *definitionsDir
	}
	if historyDB != nil {
		c.HistoryDB = *historyDB
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
	if timeout != nil {
		c.Execution.Timeout = *timeout
	}
}

// Validate validates the configuration values
// Returns an error if any values are invalid
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	if strings.TrimSpace(c.StateDir) == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if strings.TrimSpace(c.DefinitionsDir) == "" {
		return fmt.Errorf("definitions_dir cannot be empty")
	}
	if c.Assistant.BaseURL == "" {
		return fmt.Errorf("assistant.base_url cannot be empty")
	}

	positive := []struct {
		key   string
		value time.Duration
	}{
		{"assistant.request_timeout", c.Assistant.RequestTimeout},
		{"execution.lock_timeout", c.Execution.LockTimeout},
		{"execution.stop_lock_timeout", c.Execution.StopLockTimeout},
		{"execution.timeout", c.Execution.Timeout},
		{"reconcile.grace_period", c.Reconcile.GracePeriod},
		{"reconcile.poll_interval", c.Reconcile.PollInterval},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %v", p.key, p.value)
		}
	}

	counts := []struct {
		key   string
		value int
	}{
		{"execution.event_buffer", c.Execution.EventBuffer},
		{"reconcile.list_limit", c.Reconcile.ListLimit},
		{"render.flush_threshold", c.Render.FlushThreshold},
		{"prompt.knowledge_items", c.Prompt.KnowledgeItems},
		{"prompt.knowledge_excerpt", c.Prompt.KnowledgeExcerpt},
		{"definitions.cache_size", c.Definitions.CacheSize},
	}
	for _, n := range counts {
		if n.value <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", n.key, n.value)
		}
	}
	return nil
}
