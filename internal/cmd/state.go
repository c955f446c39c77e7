package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/agentrun/internal/logger"
	"github.com/harrison/agentrun/internal/models"
)

// NewStateCommand creates the state command
func NewStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state <run-id> [task-id]",
		Short: "Show run progress or one task's state",
		Long: `Without a task id, print the run's progress and a line per task.
With a task id, print that task's execution state as JSON.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runState,
	}
	cmd.Flags().Bool("json", false, "Print the run record as JSON")
	return cmd
}

func runState(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	out := cmd.OutOrStdout()
	if len(args) == 2 {
		st, err := e.store.GetState(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		return writeJSON(out, st)
	}

	run, err := e.store.GetRun(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return writeJSON(out, run)
	}

	fmt.Fprintf(out, "Run %s (%s), agent %s, language %s\n", run.UUID, run.Name, run.AgentUUID, run.Meta().LanguagePreference)
	logger.NewConsoleLogger(out, "info").LogProgress(run.Progress())
	return writeTaskTable(out, run.TaskStates)
}

func writeTaskTable(out io.Writer, states []models.TaskExecutionState) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATUS\tCONVERSATION\tDURATION\tERROR")
	for _, st := range states {
		duration := "-"
		if st.ExecutionTimeSeconds != nil {
			duration = (time.Duration(*st.ExecutionTimeSeconds * float64(time.Second))).Round(time.Millisecond).String()
		}
		conv := st.ConversationID
		if conv == "" {
			conv = "-"
		}
		msg := st.Error
		if msg == "" {
			msg = st.CancelReason
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", st.TaskID, st.Status, conv, duration, msg)
	}
	return tw.Flush()
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
