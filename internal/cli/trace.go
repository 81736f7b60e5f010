package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/internal/harness"
	"github.com/loomworks/loom/internal/sched"
)

// TraceResult holds the trace output for a single scenario.
type TraceResult struct {
	ScenarioName string             `json:"scenario_name"`
	Pass         bool               `json:"pass"`
	Trace        []sched.TraceEvent `json:"trace"`
	Outputs      []string           `json:"outputs,omitempty"`
	Errors       []string           `json:"errors,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trace <scenario-file>",
		Short: "Run one scenario and print its trace",
		Long: `Run a single scenario file and print the full event trace.

The trace interleaves scheduler decisions (enqueued, applied, committed,
suspended, superseded) with cache activity (fetch_started, fetch_resolved,
revalidate_started, ...) in one ordinal-stamped stream.

Examples:
  loom trace ./scenarios/suspend-and-resolve.yaml
  loom trace ./scenarios/basic-enqueue.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runTrace(opts *RootOptions, scenarioFile string, cmd *cobra.Command) error {
	setupLogging(opts, cmd)

	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	scenario, err := harness.LoadScenario(scenarioFile)
	if err != nil {
		_ = formatter.Error(ErrCodeLoad, fmt.Sprintf("failed to load scenario: %v", err), nil)
		return WrapExitError(ExitCommandError, "failed to load scenario", err)
	}

	formatter.VerboseLog("Running scenario %q (%d step(s))", scenario.Name, len(scenario.Steps))

	result, err := harness.Run(scenario)
	if err != nil {
		_ = formatter.Error(ErrCodeRun, fmt.Sprintf("execution failed: %v", err), nil)
		return WrapExitError(ExitFailure, "execution failed", err)
	}

	traceResult := TraceResult{
		ScenarioName: scenario.Name,
		Pass:         result.Pass,
		Trace:        result.Events,
		Outputs:      result.Outputs,
		Errors:       result.Errors,
	}

	if opts.Format == "json" {
		if err := outputTraceJSON(cmd, traceResult); err != nil {
			return err
		}
	} else {
		outputTraceText(cmd, traceResult)
	}

	if !result.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("scenario %q failed", scenario.Name))
	}
	return nil
}

func outputTraceJSON(cmd *cobra.Command, result TraceResult) error {
	status := "ok"
	if !result.Pass {
		status = "error"
	}

	response := CLIResponse{
		Status: status,
		Data:   result,
	}
	if !result.Pass {
		response.Error = &CLIError{
			Code:    ErrCodeRun,
			Message: fmt.Sprintf("scenario %q failed", result.ScenarioName),
		}
	}

	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

func outputTraceText(cmd *cobra.Command, result TraceResult) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Scenario: %s\n\n", result.ScenarioName)
	for _, ev := range result.Trace {
		fmt.Fprintln(w, formatTraceEvent(ev))
	}

	if len(result.Outputs) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Committed output:")
		for _, out := range result.Outputs {
			fmt.Fprintf(w, "  %s\n", out)
		}
	}

	fmt.Fprintln(w)
	if result.Pass {
		fmt.Fprintln(w, "✓ Scenario passed")
		return
	}
	fmt.Fprintln(w, "✗ Scenario failed")
	for _, e := range result.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// formatTraceEvent renders one event as a single line, omitting empty fields.
func formatTraceEvent(ev sched.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%4d  %-22s", ev.Seq, ev.Type)

	pairs := []struct{ name, value string }{
		{"update", ev.UpdateID},
		{"lane", ev.Lane},
		{"slot", ev.Slot},
		{"boundary", ev.BoundaryID},
		{"transition", ev.TransitionID},
		{"key", ev.Key},
		{"detail", ev.Detail},
	}
	for _, p := range pairs {
		if p.value != "" {
			fmt.Fprintf(&b, " %s=%s", p.name, p.value)
		}
	}
	return b.String()
}
