package sched

import "sync"

// EqualFunc compares two values for the deferred tracker's change
// detection. Caller-supplied and explicit - the scheduler never relies on
// runtime structural introspection to decide whether a value changed.
type EqualFunc func(a, b any) bool

// Deferred maintains a trailing view of a fast-changing source value.
//
// Setting the source does not move the trailing value; it enqueues a
// transition-lane advance whose sole effect is trailing := source. Lane
// ordering guarantees the advance never runs while urgent work is pending,
// so the trailing value is safe to feed into expensive derived computation
// without blocking input responsiveness.
//
// Advances are coalesced: if the source changes again before a pending
// advance runs, the older advance is skipped. The trailing value is
// monotonic with respect to the source's update order - it lags by at most
// one scheduler idle period and never reorders.
//
// Thread-safety: all methods are safe for concurrent use.
type Deferred struct {
	s    *Scheduler
	slot string
	eq   EqualFunc

	mu       sync.Mutex
	source   any
	trailing any
	gen      uint64
}

// Track creates a deferred tracker for the named slot with an initial
// value. eq may be nil, in which case every Set counts as a change.
func (s *Scheduler) Track(slot string, initial any, eq EqualFunc) *Deferred {
	return &Deferred{
		s:        s,
		slot:     slot,
		eq:       eq,
		source:   initial,
		trailing: initial,
	}
}

// Set updates the source value. A no-op when eq reports the value
// unchanged; otherwise a transition-lane advance is enqueued.
func (d *Deferred) Set(v any) {
	d.mu.Lock()
	if d.eq != nil && d.eq(d.source, v) {
		d.mu.Unlock()
		return
	}
	d.source = v
	d.gen++
	gen := d.gen
	d.mu.Unlock()

	d.s.enqueueInternal(LaneTransition, d.slot, &deferredAdvance{
		tracker: d,
		value:   v,
		gen:     gen,
	})
}

// Source returns the current (leading) value.
func (d *Deferred) Source() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.source
}

// Value returns the trailing value.
func (d *Deferred) Value() any {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trailing
}

// advance applies a pending advance. Returns false when the advance is
// stale (the source moved again after it was enqueued) - stale advances
// are skipped, which is what coalesces a burst of Sets into one move.
func (d *Deferred) advance(adv *deferredAdvance) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if adv.gen != d.gen {
		return false
	}
	d.trailing = adv.value
	return true
}
