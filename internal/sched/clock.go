package sched

import "sync/atomic"

// Clock is the monotonic logical clock for update ordering.
//
// Every Update is stamped with a strictly increasing seq number at enqueue
// time. Within a lane the seq is the FIFO key; across lanes the lane rank
// dominates and the seq only breaks ties inside a rank.
//
// Logical time is used instead of wall-clock time so that ordering decisions
// are deterministic and replayable: two updates enqueued in the same
// microsecond still have a total order.
//
// Thread-safety: Clock is safe for concurrent use (atomic operations).
// Enqueue may be called from any goroutine, so the clock must tolerate
// concurrent Next() calls even though the step loop itself is single-writer.
type Clock struct {
	seq atomic.Int64
}

// NewClock creates a new clock starting at 0.
func NewClock() *Clock {
	return &Clock{}
}

// NewClockAt creates a new clock starting at a specific sequence number.
// Used when resuming a scheduler from a persisted trace position.
func NewClockAt(start int64) *Clock {
	c := &Clock{}
	c.seq.Store(start)
	return c
}

// Next returns the next sequence number and increments the clock.
// Calls are linearizable - each call returns a unique, increasing value.
func (c *Clock) Next() int64 {
	return c.seq.Add(1)
}

// Current returns the current sequence number without incrementing.
func (c *Clock) Current() int64 {
	return c.seq.Load()
}
