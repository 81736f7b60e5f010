package sched

import "sync"

// Transition groups the updates enqueued inside a single StartTransition
// batch and exposes a pending observable.
//
// Pending flips to false only when every captured update has committed or
// been discarded. A transition is superseded - not merged - when a newer
// transition targets the same state slot before it commits: the older
// transition's uncommitted updates are discarded on dequeue.
type Transition struct {
	id string
	s  *Scheduler

	mu          sync.Mutex
	sealed      bool
	outstanding int
	done        chan struct{}
}

// ID returns the transition's unique identifier.
func (t *Transition) ID() string { return t.id }

// Enqueue adds an update to the transition's batch on LaneTransition.
// Returns the new update's ID.
//
// Must be called inside the StartTransition callback. Calling it after the
// callback returned panics: the batch is sealed at that point and its
// pending accounting would otherwise be wrong.
func (t *Transition) Enqueue(slot string, payload any) string {
	t.mu.Lock()
	if t.sealed {
		t.mu.Unlock()
		panic("sched: Transition.Enqueue after StartTransition returned")
	}
	t.outstanding++
	t.mu.Unlock()

	return t.s.enqueueTransition(t, slot, payload)
}

// Pending reports whether any captured update is still awaiting commit or
// discard.
func (t *Transition) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.sealed || t.outstanding > 0
}

// Done returns a channel closed when the transition stops being pending.
func (t *Transition) Done() <-chan struct{} {
	return t.done
}

// seal marks the batch complete. Called by StartTransition when the
// callback returns. An empty batch settles immediately.
// Returns true if the transition settled.
func (t *Transition) seal() bool {
	t.mu.Lock()
	t.sealed = true
	settle := t.outstanding == 0
	t.mu.Unlock()

	if settle {
		close(t.done)
	}
	return settle
}

// settleOne records one captured update as committed or discarded.
// Returns true when it was the last outstanding update.
func (t *Transition) settleOne() bool {
	t.mu.Lock()
	t.outstanding--
	settle := t.sealed && t.outstanding == 0
	t.mu.Unlock()

	if settle {
		close(t.done)
	}
	return settle
}
