package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"html"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/harrison/agentrun/internal/executor"
	"github.com/harrison/agentrun/internal/models"
)

// NewExecuteCommand creates the execute command
func NewExecuteCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "execute <run-id> <task-id>",
		Short: "Execute one task and stream its output",
		Long: `Execute one task of a run against the remote assistant.

Plain-text output is streamed as it arrives; other output kinds are printed
once the task completes. Ctrl-C cancels the execution and the remote run.

A task that already finished is only executed again with --rerun.

Examples:
  agentrun execute 6f1c... draft
  agentrun execute 6f1c... draft --input topic=otters --input audience=kids
  agentrun execute 6f1c... draft --rerun --json
  agentrun execute 6f1c... draft --metrics-file /var/lib/node_exporter/agentrun.prom`,
		Args: cobra.ExactArgs(2),
		RunE: runExecute,
	}
	cmd.Flags().Bool("rerun", false, "Reset and execute a task that already finished")
	cmd.Flags().StringArray("input", nil, "Task input as key=value (repeatable)")
	cmd.Flags().Bool("json", false, "Print events as JSON lines")
	cmd.Flags().String("timeout", "", "Maximum execution time (e.g., 90s, 10m)")
	cmd.Flags().String("metrics-file", "", "Write Prometheus metrics to this textfile after execution")
	return cmd
}

func runExecute(cmd *cobra.Command, args []string) error {
	runID, taskID := args[0], args[1]

	e, err := newEnv(cmd, true)
	if err != nil {
		return err
	}
	defer e.Close()

	if timeoutStr, _ := cmd.Flags().GetString("timeout"); cmd.Flags().Changed("timeout") {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil || timeout <= 0 {
			return fmt.Errorf("invalid timeout format %q", timeoutStr)
		}
		e.cfg.Execution.Timeout = timeout
	}

	inputFlags, _ := cmd.Flags().GetStringArray("input")
	inputs, err := parseInputs(inputFlags)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	exec, err := e.newExecutor(reg)
	if err != nil {
		return fmt.Errorf("failed to create executor: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	rerun, _ := cmd.Flags().GetBool("rerun")
	events, err := exec.Execute(ctx, runID, taskID, executor.ExecuteOptions{AllowRerun: rerun, Inputs: inputs})
	if err != nil {
		return err
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	text := &textPrinter{out: cmd.OutOrStdout(), color: colorEnabled(cmd.OutOrStdout())}
	var printer eventPrinter = text
	if asJSON {
		printer = &jsonPrinter{enc: json.NewEncoder(cmd.OutOrStdout())}
	}

	var failure error
	for ev := range events {
		if ev.Type == models.EventError {
			failure = fmt.Errorf("%s: %s", ev.ErrorKind, ev.Error)
		}
		if err := printer.Print(ev); err != nil {
			return err
		}
	}

	if !asJSON && !text.streamed {
		if err := printFinalOutput(ctx, cmd.OutOrStdout(), exec, runID, taskID); err != nil {
			e.log.LogWarn("failed to read task state: %v", err)
		}
	}

	if path, _ := cmd.Flags().GetString("metrics-file"); path != "" {
		if err := prometheus.WriteToTextfile(path, reg); err != nil {
			e.log.LogWarn("failed to write metrics: %v", err)
		}
	}
	return failure
}

// parseInputs turns key=value flags into task inputs.
func parseInputs(flags []string) (map[string]any, error) {
	if len(flags) == 0 {
		return nil, nil
	}
	inputs := make(map[string]any, len(flags))
	for _, f := range flags {
		key, value, ok := strings.Cut(f, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid input %q, expected key=value", f)
		}
		inputs[key] = value
	}
	return inputs, nil
}

type eventPrinter interface {
	Print(ev models.OutputEvent) error
}

type jsonPrinter struct {
	enc *json.Encoder
}

func (p *jsonPrinter) Print(ev models.OutputEvent) error {
	return p.enc.Encode(ev)
}

// textPrinter streams incremental chunks and reports the outcome. Rendered
// HTML is not printed; the raw output is printed from the stored state.
type textPrinter struct {
	out      io.Writer
	color    bool
	streamed bool
}

func (p *textPrinter) Print(ev models.OutputEvent) error {
	switch ev.Type {
	case models.EventUpdate:
		if ev.Incremental {
			p.streamed = true
			_, err := io.WriteString(p.out, html.UnescapeString(ev.Content))
			return err
		}
	case models.EventComplete:
		if p.streamed {
			fmt.Fprintln(p.out)
		}
		fmt.Fprintln(p.out, p.paint(statusColor(ev.Status), "Task "+string(ev.Status)))
	case models.EventError:
		if p.streamed {
			fmt.Fprintln(p.out)
		}
		line := fmt.Sprintf("Task failed (%s): %s", ev.ErrorKind, ev.Error)
		if ev.Retryable {
			line += " (retryable)"
		}
		fmt.Fprintln(p.out, p.paint(color.FgRed, line))
	}
	return nil
}

func (p *textPrinter) paint(attr color.Attribute, s string) string {
	if !p.color {
		return s
	}
	return color.New(attr).Sprint(s)
}

func statusColor(status models.Status) color.Attribute {
	switch status {
	case models.StatusCompleted:
		return color.FgGreen
	case models.StatusError:
		return color.FgRed
	case models.StatusCancelled:
		return color.FgYellow
	}
	return color.FgCyan
}

// printFinalOutput prints the raw output of a completed task.
func printFinalOutput(ctx context.Context, out io.Writer, exec *executor.Executor, runID, taskID string) error {
	st, err := exec.GetState(context.WithoutCancel(ctx), runID, taskID)
	if err != nil {
		return err
	}
	if st.Status != models.StatusCompleted || st.Outputs == nil {
		return nil
	}
	if st.Outputs.RawContent == "" {
		return nil
	}
	_, err = fmt.Fprintf(out, "\n%s\n", st.Outputs.RawContent)
	return err
}
