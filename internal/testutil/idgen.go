package testutil

import (
	"fmt"
	"sync"
)

// SeqIDs generates sequential identifiers ("upd-1", "upd-2", ...).
//
// Unlike sched.FixedGenerator, which panics when its predetermined list is
// exhausted, SeqIDs never runs out. Use FixedGenerator when a test wants
// to assert the exact number of IDs consumed; use SeqIDs when it only
// wants determinism.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs creates a generator producing "<prefix>-1", "<prefix>-2", ...
func NewSeqIDs(prefix string) *SeqIDs {
	return &SeqIDs{prefix: prefix}
}

// Generate returns the next identifier. Implements sched.IDGenerator.
func (g *SeqIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("%s-%d", g.prefix, g.n)
}

// Count returns how many identifiers have been generated.
func (g *SeqIDs) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}
