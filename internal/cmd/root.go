package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for agentrun
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentrun",
		Short: "Execute agent tasks against a remote assistant",
		Long: `agentrun executes the tasks of agent runs against a remote assistant
service, streaming output as it arrives.

Each task owns one remote conversation. At most one execution per
conversation is in flight; stale remote operations are cancelled before new
input is sent. Task state is persisted per run under the state directory.

Configuration is loaded from .agentrun/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: .agentrun/config.yaml)")
	flags.String("state-dir", "", "Directory holding run records")
	flags.String("definitions-dir", "", "Directory holding agent definitions")
	flags.String("history-db", "", "SQLite execution ledger (empty string disables)")
	flags.String("log-level", "", "Log level: trace, debug, info, warn, error")

	cmd.AddCommand(NewCreateRunCommand())
	cmd.AddCommand(NewExecuteCommand())
	cmd.AddCommand(NewStopCommand())
	cmd.AddCommand(NewStateCommand())
	cmd.AddCommand(NewHistoryCommand())

	return cmd
}
