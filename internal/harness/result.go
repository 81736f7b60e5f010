package harness

import "github.com/loomworks/loom/internal/sched"

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass indicates overall success: the run completed and every inline
	// assertion held.
	Pass bool `json:"pass"`

	// Events is the combined trace: scheduler decisions and cache activity
	// in one ordinal-stamped stream.
	Events []sched.TraceEvent `json:"events"`

	// Outputs collects committed pass output in commit order.
	Outputs []string `json:"outputs,omitempty"`

	// Errors contains assertion failure messages. Empty when Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}
