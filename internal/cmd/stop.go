package cmd

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

// NewStopCommand creates the stop command
func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop <run-id> <task-id>",
		Short: "Cancel a task's in-flight remote operations",
		Long: `Force-cancel whatever is still running on a task's conversation.

A task left running by a crashed or interrupted process is moved to
cancelled once its remote operations are cancelled. A task with nothing in
flight is left unchanged.`,
		Args: cobra.ExactArgs(2),
		RunE: runStop,
	}
}

func runStop(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	exec, err := e.newExecutor(prometheus.NewRegistry())
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	res := exec.Stop(cmd.Context(), args[0], args[1])
	fmt.Fprintln(cmd.OutOrStdout(), res.Message)
	if !res.OK {
		return errors.New(res.Kind.String() + ": " + res.Message)
	}
	return nil
}
