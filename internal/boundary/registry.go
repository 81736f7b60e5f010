// Package boundary implements the suspension boundary tree: a hierarchical
// registry of boundaries, each tracking the unresolved resource handles
// requested by render passes within its own subtree.
//
// Ownership rules:
//   - A boundary is suspended iff its own pending set is non-empty.
//   - Nested boundaries shadow outer ones: a resource requested inside a
//     nested boundary's subtree is owned by that nested boundary; ancestors
//     never see it (no upward leakage, no double counting).
//   - Multiple simultaneous suspensions in one boundary coalesce: the
//     boundary stays suspended until the LAST pending resource settles, and
//     resolution schedules exactly one re-render.
//
// The tree is an explicit parent-pointer arena keyed by id - nearest-
// ancestor lookups walk parent pointers, never the call stack.
package boundary

import (
	"fmt"
	"sync"

	"github.com/loomworks/loom/internal/cache"
)

// Boundary describes one node of the suspension tree.
type Boundary struct {
	// ID uniquely identifies the boundary within its registry.
	ID string

	// ParentID is the enclosing boundary, or empty for a root.
	ParentID string

	// Fallback is the content committed in place of normal output while
	// the boundary is suspended. Opaque to the core.
	Fallback any

	// HandlesErrors marks the boundary as an error-handling capability.
	// Fetch and render errors in a subtree defer to the nearest ancestor
	// (or self) with HandlesErrors set.
	HandlesErrors bool
}

// RerenderFunc is called when a boundary's last pending resource resolves
// successfully. The lane is the responsiveness class recorded at suspension
// time, round-tripped so the re-render update inherits the priority of the
// update that originally triggered the suspension.
type RerenderFunc func(boundaryID string, lane int)

// ErrorFunc is called when a pending resource settles with an error.
// handlerID is the nearest error-capable boundary at or above the suspended
// one, or empty if no ancestor can handle errors (the error is then fatal
// to that subtree only).
type ErrorFunc func(handlerID, boundaryID string, err error)

// node is the registry's mutable per-boundary state.
type node struct {
	b       Boundary
	pending map[string]*cache.Handle
	lane    int
	failed  bool // a pending resource errored; suppress the re-render
}

// Registry is the arena of suspension boundaries.
//
// Thread-safety: all methods are safe for concurrent use. Settlement
// callbacks arrive on loader goroutines; registration and suspension happen
// on the scheduler's step loop.
type Registry struct {
	mu        sync.Mutex
	nodes     map[string]*node
	onRerender RerenderFunc
	onError    ErrorFunc
}

// NewRegistry creates an empty registry wired to the given callbacks.
// Both callbacks are invoked with the registry lock released; they may call
// back into the registry.
func NewRegistry(onRerender RerenderFunc, onError ErrorFunc) *Registry {
	return &Registry{
		nodes:      make(map[string]*node),
		onRerender: onRerender,
		onError:    onError,
	}
}

// Register adds a boundary to the tree.
//
// The parent, when named, must already be registered - boundaries are
// registered outside-in, mirroring how a render layer discovers them.
// Registering an existing id is an error.
func (r *Registry) Register(b Boundary) error {
	if b.ID == "" {
		return fmt.Errorf("register boundary: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[b.ID]; exists {
		return fmt.Errorf("register boundary: duplicate id %s", b.ID)
	}
	if b.ParentID != "" {
		if _, ok := r.nodes[b.ParentID]; !ok {
			return fmt.Errorf("register boundary %s: unknown parent %s", b.ID, b.ParentID)
		}
	}

	r.nodes[b.ID] = &node{
		b:       b,
		pending: make(map[string]*cache.Handle),
	}
	return nil
}

// Remove discards a boundary. Its pending resources are dropped from
// tracking, but their fetches are not aborted - the cache may still be
// populated by them for other callers.
//
// Removing a boundary with registered children is an error; children are
// removed inside-out.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return fmt.Errorf("remove boundary: unknown id %s", id)
	}
	for _, n := range r.nodes {
		if n.b.ParentID == id {
			return fmt.Errorf("remove boundary %s: child %s still registered", id, n.b.ID)
		}
	}

	delete(r.nodes, id)
	return nil
}

// Suspend records a pending resource handle against the boundary and marks
// the lane of the triggering update.
//
// If the handle has already settled, the settlement is processed
// immediately (the boundary may re-render or route an error before Suspend
// returns).
func (r *Registry) Suspend(id string, h *cache.Handle, lane int) error {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("suspend: unknown boundary %s", id)
	}
	if _, dup := n.pending[h.ID()]; dup {
		r.mu.Unlock()
		return nil // already tracked; one handle counts once
	}
	n.pending[h.ID()] = h
	n.lane = lane
	r.mu.Unlock()

	// Subscribe outside the lock: OnSettle fires synchronously when the
	// handle has already settled, and settle re-acquires the lock.
	h.OnSettle(func(h *cache.Handle) {
		r.settle(id, h)
	})
	return nil
}

// settle removes a settled handle from the boundary's pending set and
// fires the re-render or error callback as appropriate.
func (r *Registry) settle(id string, h *cache.Handle) {
	r.mu.Lock()
	n, ok := r.nodes[id]
	if !ok {
		// Boundary was discarded while the fetch was in flight.
		r.mu.Unlock()
		return
	}
	if _, tracked := n.pending[h.ID()]; !tracked {
		r.mu.Unlock()
		return
	}
	delete(n.pending, h.ID())

	err := h.Err()
	if err != nil {
		n.failed = true
	}

	var (
		rerender bool
		lane     int
	)
	if len(n.pending) == 0 {
		if n.failed {
			// The error path already owns this cycle; reset for the next
			// round of suspensions.
			n.failed = false
		} else {
			rerender = true
			lane = n.lane
		}
	}

	var handlerID string
	if err != nil {
		handlerID = r.nearestHandlerLocked(id)
	}
	r.mu.Unlock()

	if err != nil && r.onError != nil {
		r.onError(handlerID, id, err)
	}
	if rerender && r.onRerender != nil {
		r.onRerender(id, lane)
	}
}

// Suspended reports whether the boundary has unresolved resources.
// A boundary shows its fallback content iff this is true.
func (r *Registry) Suspended(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	return ok && len(n.pending) > 0
}

// PendingCount returns the number of unresolved resources for a boundary.
func (r *Registry) PendingCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return 0
	}
	return len(n.pending)
}

// Fallback returns the boundary's fallback content.
func (r *Registry) Fallback(id string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.nodes[id]
	if !ok {
		return nil, false
	}
	return n.b.Fallback, true
}

// NearestErrorHandler returns the closest boundary at or above id with
// HandlesErrors set, or false if none exists in the ancestor chain.
func (r *Registry) NearestErrorHandler(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := r.nearestHandlerLocked(id)
	return h, h != ""
}

func (r *Registry) nearestHandlerLocked(id string) string {
	for id != "" {
		n, ok := r.nodes[id]
		if !ok {
			return ""
		}
		if n.b.HandlesErrors {
			return n.b.ID
		}
		id = n.b.ParentID
	}
	return ""
}

// Len returns the number of registered boundaries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.nodes)
}
