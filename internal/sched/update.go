package sched

import "fmt"

// Lane classifies an Update's responsiveness class.
//
// Lane rank is total: urgent < normal < transition. The queue always drains
// a lower rank completely before serving a higher one, so urgent input
// latency is never a function of pending transition work.
type Lane int

const (
	// LaneUrgent is for direct user input. Urgent updates preempt in-flight
	// transition render passes (see Scheduler interruption rule).
	LaneUrgent Lane = iota + 1

	// LaneNormal is for ordinary work that should run promptly but does not
	// interrupt anything.
	LaneNormal

	// LaneTransition is for derived or expensive recomputation. Transition
	// updates are cancelable: a newer transition on the same slot supersedes
	// an uncommitted older one, discarding its work.
	LaneTransition
)

// String returns the lane name used in traces and logs.
func (l Lane) String() string {
	switch l {
	case LaneUrgent:
		return "urgent"
	case LaneNormal:
		return "normal"
	case LaneTransition:
		return "transition"
	default:
		return fmt.Sprintf("lane(%d)", int(l))
	}
}

// Valid reports whether l is one of the three defined lanes.
func (l Lane) Valid() bool {
	return l >= LaneUrgent && l <= LaneTransition
}

// Update is a unit of state change consumed exactly once by the scheduler.
//
// Updates are immutable once created. They are destroyed on application
// (success) or discard (superseded transition).
type Update struct {
	// ID uniquely identifies the update (UUIDv7 in production).
	ID string

	// Lane is the responsiveness class. Determines queue position and
	// whether the update's render pass is interruptible.
	Lane Lane

	// Slot names the target state slot. Supersede tracking for transitions
	// is keyed by slot: a newer transition on the same slot discards an
	// older uncommitted one.
	Slot string

	// Payload is the host-supplied state change. Opaque to the scheduler;
	// the host's Apply callback interprets it.
	Payload any

	// Seq is the logical clock stamp taken at enqueue time.
	// FIFO key within a lane.
	Seq int64

	// TransitionID is non-empty when the update was enqueued inside
	// StartTransition. Links the update to its group for pending tracking
	// and supersede checks.
	TransitionID string
}

// rerenderRequest is the internal payload of an update enqueued when a
// suspension boundary's last pending resource settles. It bypasses the host
// Apply callback: state did not change, only the boundary's output must be
// re-rendered with final content.
type rerenderRequest struct {
	BoundaryID string
}

// deferredAdvance is the internal payload that moves a Deferred's trailing
// value forward. Always enqueued on LaneTransition so the advance never runs
// while urgent work is pending.
//
// gen is the tracker generation at enqueue time. If the source changed again
// before this advance was applied, gen is older than the tracker's and the
// advance is discarded (coalescing - only the newest pending advance wins).
type deferredAdvance struct {
	tracker *Deferred
	value   any
	gen     uint64
}
