package sched

import "sync"

// Trace event types emitted by the scheduler.
const (
	TraceEnqueued         = "enqueued"
	TraceApplied          = "applied"
	TraceCommitted        = "committed"
	TraceDiscarded        = "discarded"
	TraceAbandoned        = "abandoned"
	TraceSuspended        = "suspended"
	TraceFallback         = "fallback_committed"
	TraceRerenderEnqueued = "rerender_enqueued"
	TraceErrorRouted      = "error_routed"
	TraceDeferredAdvanced = "deferred_advanced"
	TraceDeferredSkipped  = "deferred_skipped"
)

// TraceEvent records one scheduler decision. Events are the observable
// basis for the conformance harness: a scenario's behavior is asserted by
// comparing its event stream against a golden file.
type TraceEvent struct {
	// Seq is the ordinal assigned by the recorder (1-based).
	Seq int64 `json:"seq"`

	// Type is one of the Trace* constants, or a cache event kind when the
	// harness folds table activity into the same stream.
	Type string `json:"type"`

	UpdateID     string `json:"update_id,omitempty"`
	Lane         string `json:"lane,omitempty"`
	Slot         string `json:"slot,omitempty"`
	BoundaryID   string `json:"boundary_id,omitempty"`
	TransitionID string `json:"transition_id,omitempty"`
	Key          string `json:"key,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// TraceSink receives scheduler trace events. A nil sink disables tracing.
//
// Sinks are called from the goroutine producing the event: the step loop
// for scheduling decisions, loader goroutines for settlement-driven ones.
// Implementations must be safe for concurrent use.
type TraceSink func(TraceEvent)

// Trace is a thread-safe event collector that assigns ordinals.
// Its Record method satisfies TraceSink.
type Trace struct {
	mu     sync.Mutex
	events []TraceEvent
}

// NewTrace creates an empty trace collector.
func NewTrace() *Trace {
	return &Trace{}
}

// Record appends an event, assigning the next ordinal to ev.Seq.
func (t *Trace) Record(ev TraceEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ev.Seq = int64(len(t.events) + 1)
	t.events = append(t.events, ev)
}

// Events returns a copy of the recorded events in order.
func (t *Trace) Events() []TraceEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]TraceEvent, len(t.events))
	copy(out, t.events)
	return out
}

// Len returns the number of recorded events.
func (t *Trace) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.events)
}
