package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/agentrun/internal/models"
)

// NewHistoryCommand creates the history command
func NewHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history <run-id> [task-id]",
		Short: "List recorded executions of a run",
		Long: `List executions recorded in the history database, newest first.

Examples:
  agentrun history 6f1c...
  agentrun history 6f1c... draft --show-output`,
		Args: cobra.RangeArgs(1, 2),
		RunE: runHistory,
	}
	cmd.Flags().Bool("show-output", false, "Print the raw output of each execution")
	return cmd
}

func runHistory(cmd *cobra.Command, args []string) error {
	e, err := newEnv(cmd, false)
	if err != nil {
		return err
	}
	defer e.Close()

	if e.ledger == nil {
		return errors.New("execution history is disabled (history_db is empty)")
	}

	taskID := ""
	if len(args) == 2 {
		taskID = args[1]
	}
	records, err := e.ledger.GetExecutionHistory(cmd.Context(), args[0], taskID)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No executions recorded")
		return nil
	}

	counts, err := e.ledger.StatusCounts(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	showOutput, _ := cmd.Flags().GetBool("show-output")
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tTASK\tSTATUS\tDURATION\tERROR")
	for _, r := range records {
		msg := r.ErrorMessage
		if r.ErrorKind != "" {
			msg = r.ErrorKind + ": " + msg
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.FinishedAt.Local().Format(time.DateTime), r.TaskID, r.Status, r.Duration.Round(time.Millisecond), msg)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\n%d executions shown", len(records))
	for _, status := range []models.Status{models.StatusCompleted, models.StatusError, models.StatusCancelled} {
		if n := counts[status]; n > 0 {
			fmt.Fprintf(out, ", %s: %d", status, n)
		}
	}
	fmt.Fprintln(out)

	if showOutput {
		for _, r := range records {
			if r.Output == "" {
				continue
			}
			fmt.Fprintf(out, "\n=== %s %s ===\n%s\n", r.TaskID, r.FinishedAt.Local().Format(time.DateTime), r.Output)
		}
	}
	return nil
}
