// Package testutil provides deterministic helpers for tests and the
// conformance harness: a manually advanced wall clock and sequential ID
// generation. Deterministic inputs make traces byte-identical across runs,
// which golden-file comparison depends on.
package testutil

import (
	"sync"
	"time"
)

// ManualClock is a thread-safe wall clock that only moves when told to.
//
// Cache freshness windows are defined over wall time, so tests script the
// clock instead of sleeping: fetch at t=0, read at t=30s, read at t=90s.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock creates a clock frozen at start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now returns the current scripted time. Suitable for cache.WithNow.
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set jumps the clock to t. Moving backwards is allowed; cache window
// comparisons are pure so tests may rewind freely.
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
