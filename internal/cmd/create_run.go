package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewCreateRunCommand creates the create-run command
func NewCreateRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create-run <agent-id>",
		Short: "Create a run from an agent definition",
		Long: `Create a run with one pending task state per task of the agent.

The agent is loaded from <definitions-dir>/<agent-id>.yaml (or .yml/.json).
The new run id is printed on stdout.

Examples:
  agentrun create-run writer
  agentrun create-run writer --name "Launch post" --language de`,
		Args: cobra.ExactArgs(1),
		RunE: runCreateRun,
	}
	cmd.Flags().String("name", "", "Run name (default: agent name)")
	cmd.Flags().String("language", "", "Response language code, or auto (default: auto)")
	return cmd
}

func runCreateRun(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	agent, err := e.defs.GetAgent(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to load agent %s: %w", args[0], err)
	}

	name, _ := cmd.Flags().GetString("name")
	language, _ := cmd.Flags().GetString("language")
	run, err := e.store.CreateRun(cmd.Context(), agent, name, language)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	e.log.LogInfo("Created run %s (%s) with %d tasks", run.UUID, run.Name, len(run.TaskStates))
	fmt.Fprintln(cmd.OutOrStdout(), run.UUID)
	return nil
}
