package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/agentrun/internal/assistant"
	"github.com/harrison/agentrun/internal/config"
	"github.com/harrison/agentrun/internal/definitions"
	"github.com/harrison/agentrun/internal/executor"
	"github.com/harrison/agentrun/internal/history"
	"github.com/harrison/agentrun/internal/logger"
	"github.com/harrison/agentrun/internal/prompt"
	"github.com/harrison/agentrun/internal/reconciler"
	"github.com/harrison/agentrun/internal/runstate"
	"github.com/harrison/agentrun/internal/threadlock"
)

// newAssistantClient builds the remote client. Tests replace it with a fake.
var newAssistantClient = func(cfg config.AssistantConfig) (assistant.Client, error) {
	return assistant.NewHTTPClient(assistant.HTTPConfig{
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey(),
		BetaHeader:     cfg.BetaHeader,
		RequestTimeout: cfg.RequestTimeout,
	})
}

// env holds the components shared by the subcommands.
type env struct {
	cfg    *config.Config
	log    logger.Logger
	store  *runstate.Store
	defs   *definitions.FileProvider
	ledger *history.Store

	closers []func() error
}

// loadConfig loads the config file and applies persistent flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
	} else {
		cfg, err = config.LoadConfigFromDir(".")
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	changed := func(name string) *string {
		if !cmd.Flags().Changed(name) {
			return nil
		}
		v, _ := cmd.Flags().GetString(name)
		return &v
	}
	cfg.MergeWithFlags(changed("state-dir"), changed("definitions-dir"), changed("history-db"), changed("log-level"), nil)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// newEnv opens the stores. fileLog adds a FileLogger under the log dir.
func newEnv(cmd *cobra.Command, fileLog bool) (*env, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg}
	console := logger.NewConsoleLogger(cmd.ErrOrStderr(), cfg.LogLevel)
	e.log = console
	if fileLog {
		fl, err := logger.NewFileLoggerWithDirAndLevel(cfg.LogDir, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to create file logger: %w", err)
		}
		e.closers = append(e.closers, fl.Close)
		e.log = logger.NewMultiLogger(console, fl)
	}

	e.store = runstate.NewStore(cfg.StateDir)
	e.defs, err = definitions.NewFileProvider(cfg.DefinitionsDir, cfg.Definitions.CacheSize)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to open definitions: %w", err)
	}

	if cfg.HistoryDB != "" {
		e.ledger, err = history.NewStore(cfg.HistoryDB)
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("failed to open history: %w", err)
		}
		e.closers = append(e.closers, e.ledger.Close)
	}
	return e, nil
}

// Close releases everything newEnv opened.
func (e *env) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			e.log.LogWarn("close: %v", err)
		}
	}
	e.closers = nil
}

// newExecutor wires an executor with metrics registered on reg.
func (e *env) newExecutor(reg prometheus.Registerer) (*executor.Executor, error) {
	client, err := newAssistantClient(e.cfg.Assistant)
	if err != nil {
		return nil, err
	}
	deps := executor.Deps{
		Store:       e.store,
		Definitions: e.defs,
		Client:      client,
		Locks:       threadlock.NewRegistry(),
		Reconciler: reconciler.New(client, reconciler.Config{
			ListLimit:    e.cfg.Reconcile.ListLimit,
			GracePeriod:  e.cfg.Reconcile.GracePeriod,
			PollInterval: e.cfg.Reconcile.PollInterval,
		}, e.log),
		Logger:  e.log,
		Metrics: executor.MustNewMetrics(reg),
	}
	if e.ledger != nil {
		deps.Ledger = e.ledger
	}
	return executor.New(deps, executor.Config{
		LockTimeout:      e.cfg.Execution.LockTimeout,
		StopLockTimeout:  e.cfg.Execution.StopLockTimeout,
		ExecutionTimeout: e.cfg.Execution.Timeout,
		EventBuffer:      e.cfg.Execution.EventBuffer,
		FlushThreshold:   e.cfg.Render.FlushThreshold,
		Prompt: prompt.Builder{
			KnowledgeItems:   e.cfg.Prompt.KnowledgeItems,
			KnowledgeExcerpt: e.cfg.Prompt.KnowledgeExcerpt,
		},
	})
}

// colorEnabled reports whether w is a terminal.
func colorEnabled(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}
