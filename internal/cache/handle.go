package cache

import "sync"

// Status is the settlement state of a resource fetch.
type Status int

const (
	// StatusPending means the loader has not settled yet.
	StatusPending Status = iota + 1
	// StatusResolved means the loader returned a value.
	StatusResolved
	// StatusError means the loader failed (including deadline exceeded).
	StatusError
)

// String returns the status name used in traces and logs.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusResolved:
		return "resolved"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Handle is a trackable pending/resolved/error view of one in-flight fetch.
//
// A handle is created by the Table when a key is absent or fully expired,
// and shared by every caller that asked for that key while the fetch was in
// flight (dedupe invariant: one fetch, N observers). Suspension boundaries
// register interest via OnSettle; synchronous callers can block on Done.
//
// A handle settles exactly once. Settlement is an explicit state transition
// (pending -> resolved | error), never implicit continuation capture.
//
// Thread-safety: all methods are safe for concurrent use.
type Handle struct {
	id  string
	key string

	mu     sync.Mutex
	status Status
	value  any
	err    error
	subs   []func(*Handle)
	done   chan struct{}
}

func newHandle(id, key string) *Handle {
	return &Handle{
		id:     id,
		key:    key,
		status: StatusPending,
		done:   make(chan struct{}),
	}
}

// ID returns the handle's unique identifier.
func (h *Handle) ID() string { return h.id }

// Key returns the cache key this handle is fetching.
func (h *Handle) Key() string { return h.key }

// Status returns the current settlement state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// Value returns the resolved value. Zero until StatusResolved.
func (h *Handle) Value() any {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value
}

// Err returns the settlement error. Nil unless StatusError.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done returns a channel closed when the handle settles.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// OnSettle registers fn to run when the handle settles.
//
// If the handle has already settled, fn runs synchronously before OnSettle
// returns. Callers must therefore not hold locks that fn also takes.
// Each registered fn runs exactly once, on the settling goroutine.
func (h *Handle) OnSettle(fn func(*Handle)) {
	h.mu.Lock()
	if h.status != StatusPending {
		h.mu.Unlock()
		fn(h)
		return
	}
	h.subs = append(h.subs, fn)
	h.mu.Unlock()
}

// resolve settles the handle with a value. No-op if already settled.
func (h *Handle) resolve(v any) {
	h.settle(StatusResolved, v, nil)
}

// fail settles the handle with an error. No-op if already settled.
func (h *Handle) fail(err error) {
	h.settle(StatusError, nil, err)
}

func (h *Handle) settle(st Status, v any, err error) {
	h.mu.Lock()
	if h.status != StatusPending {
		h.mu.Unlock()
		return
	}
	h.status = st
	h.value = v
	h.err = err
	subs := h.subs
	h.subs = nil
	close(h.done)
	h.mu.Unlock()

	// Subscribers run outside the handle lock so they may call back into
	// Status/Value/Err freely.
	for _, fn := range subs {
		fn(h)
	}
}
