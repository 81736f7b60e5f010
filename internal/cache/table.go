// Package cache implements the keyed resource cache with time-windowed
// freshness and stale-while-revalidate refresh.
//
// An entry moves through three windows measured from its fetch time:
//
//	[fetchedAt, staleAt)   fresh   - served synchronously, no fetch
//	[staleAt, expiresAt)   stale   - served synchronously AND revalidated
//	                                 in the background (at most one
//	                                 revalidation per key at a time)
//	[expiresAt, inf)       expired - treated as absent: callers receive a
//	                                 pending Handle and suspend until the
//	                                 refetch settles
//
// All window comparisons are inclusive on the lower bound and exclusive on
// the upper bound, so a single instant never matches two windows.
//
// Concurrency model: the Table's mutex guards entry metadata only. Loaders
// run on their own goroutines and communicate back solely by settling the
// Handle they were given; the per-key in-flight map is the revalidation
// lock that prevents duplicate fetches.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Loader fetches the value for a key. Supplied by the external network
// layer; the core never fetches bytes itself. The context carries the
// optional per-fetch deadline.
type Loader func(ctx context.Context, key string) (any, error)

// Options control the freshness windows and deadline for one Get call.
type Options struct {
	// StaleTime is the length of the fresh window.
	StaleTime time.Duration

	// CacheTime is the total retention window (must be >= StaleTime;
	// clamped up if shorter).
	CacheTime time.Duration

	// Deadline optionally bounds the fetch. Zero means no deadline.
	// Exceeding it surfaces a TimeoutError through the fetch error path.
	Deadline time.Duration
}

// Result is the outcome of a Get call.
//
// Exactly one of three shapes:
//   - served:    Hit true, Value set (Stale marks the revalidate window)
//   - failed:    Err set (negative entry; evict to allow retry)
//   - suspended: Handle set and pending - the caller should suspend on it
type Result struct {
	Value  any
	Hit    bool
	Stale  bool
	Err    error
	Handle *Handle
}

// Suspended reports whether the caller must suspend on a pending fetch.
func (r Result) Suspended() bool {
	return r.Handle != nil && r.Handle.Status() == StatusPending
}

// Event kinds emitted through the table's event hook.
const (
	EventFetchStarted       = "fetch_started"
	EventFetchResolved      = "fetch_resolved"
	EventFetchFailed        = "fetch_failed"
	EventRevalidateStarted  = "revalidate_started"
	EventRevalidateResolved = "revalidate_resolved"
	EventRevalidateFailed   = "revalidate_failed"
	EventEvicted            = "evicted"
	EventInvalidated        = "invalidated"
)

// EventFunc observes table activity. Used by the conformance harness to
// record cache events into traces. Called with the table lock released.
type EventFunc func(kind, key string)

// Entry is one cached value with its freshness metadata.
type Entry struct {
	Key       string
	Value     any
	Err       error // non-nil for a negative entry (failed blocking fetch)
	FetchedAt time.Time
	StaleAt   time.Time
	ExpiresAt time.Time

	// Revalidating is the per-key revalidation lock: at most one
	// background refresh per key at any time.
	Revalidating bool
}

// Table is the keyed cache of fetched values.
//
// Keys are NFC-normalized so composed and decomposed spellings of the same
// text dedupe to a single entry.
//
// Thread-safety: all methods are safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	inflight map[string]*Handle

	now      func() time.Time
	handleID func() string
	onEvent  EventFunc
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithNow overrides the wall clock. Used by tests to script the freshness
// windows deterministically.
func WithNow(now func() time.Time) TableOption {
	return func(t *Table) { t.now = now }
}

// WithHandleIDs overrides handle ID generation. Used by tests and the
// harness for deterministic traces.
func WithHandleIDs(gen func() string) TableOption {
	return func(t *Table) { t.handleID = gen }
}

// WithEventHook registers an observer for table activity.
func WithEventHook(fn EventFunc) TableOption {
	return func(t *Table) { t.onEvent = fn }
}

// NewTable creates an empty cache table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]*Handle),
		now:      time.Now,
		handleID: func() string { return uuid.Must(uuid.NewV7()).String() },
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Get returns the cached value for key, or a pending Handle the caller must
// suspend on.
//
//   - Entry absent or expired: one fetch is started (or joined if already in
//     flight) and a pending Handle is returned. The fetch is not canceled if
//     the requesting pass is later discarded - other callers may still
//     benefit from the cached result.
//   - Entry fresh: the value is returned synchronously, no fetch.
//   - Entry stale: the value is returned synchronously AND, if no
//     revalidation is active for the key, one background refresh starts.
//   - Entry negative (previous blocking fetch failed): the stored error is
//     returned until the entry is evicted.
func (t *Table) Get(ctx context.Context, key string, loader Loader, opts Options) Result {
	key = norm.NFC.String(key)
	if opts.CacheTime < opts.StaleTime {
		opts.CacheTime = opts.StaleTime
	}

	t.mu.Lock()

	e := t.entries[key]
	now := t.now()

	if e != nil {
		if e.Err != nil {
			t.mu.Unlock()
			return Result{Err: e.Err, Hit: true}
		}

		if now.Before(e.StaleAt) {
			t.mu.Unlock()
			return Result{Value: e.Value, Hit: true}
		}

		if now.Before(e.ExpiresAt) {
			v := e.Value
			var started bool
			if !e.Revalidating && t.inflight[key] == nil {
				e.Revalidating = true
				h := newHandle(t.handleID(), key)
				t.inflight[key] = h
				started = true
				go t.fetch(ctx, key, loader, opts, h, true)
			}
			t.mu.Unlock()
			if started {
				t.emit(EventRevalidateStarted, key)
			}
			return Result{Value: v, Hit: true, Stale: true}
		}
		// Past expiresAt with no successful revalidation: fall through and
		// treat as absent.
	}

	if h := t.inflight[key]; h != nil {
		t.mu.Unlock()
		return Result{Handle: h}
	}

	h := newHandle(t.handleID(), key)
	t.inflight[key] = h
	go t.fetch(ctx, key, loader, opts, h, false)
	t.mu.Unlock()

	t.emit(EventFetchStarted, key)
	return Result{Handle: h}
}

// fetch runs the loader and settles the handle. Runs on its own goroutine.
//
// The fetch is detached from the caller's cancellation: a discarded render
// pass does not abort it, because the cached result can still serve other
// callers. Only the optional deadline bounds it.
func (t *Table) fetch(ctx context.Context, key string, loader Loader, opts Options, h *Handle, revalidating bool) {
	fctx := context.WithoutCancel(ctx)
	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(fctx, opts.Deadline)
		defer cancel()
	}

	v, err := loader(fctx, key)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = &TimeoutError{Key: key, Err: err}
		} else {
			err = &FetchError{Key: key, Err: err}
		}
	}

	t.mu.Lock()
	if t.inflight[key] == h {
		delete(t.inflight, key)
	}
	now := t.now()

	if err == nil {
		t.entries[key] = &Entry{
			Key:       key,
			Value:     v,
			FetchedAt: now,
			StaleAt:   now.Add(opts.StaleTime),
			ExpiresAt: now.Add(opts.CacheTime),
		}
	} else if revalidating {
		// Keep the previous value serving until it expires; just release
		// the revalidation lock so a later Get may try again.
		if e := t.entries[key]; e != nil {
			e.Revalidating = false
		}
	} else {
		// Negative entry: retried only after an explicit Evict.
		t.entries[key] = &Entry{
			Key:       key,
			Err:       err,
			FetchedAt: now,
			StaleAt:   now,
			ExpiresAt: now,
		}
	}
	t.mu.Unlock()

	switch {
	case err == nil && revalidating:
		t.emit(EventRevalidateResolved, key)
	case err == nil:
		t.emit(EventFetchResolved, key)
	case revalidating:
		t.emit(EventRevalidateFailed, key)
	default:
		t.emit(EventFetchFailed, key)
	}

	if err != nil {
		h.fail(err)
		return
	}
	h.resolve(v)
}

// Evict removes the entry for key. The eviction policy itself (capacity- or
// time-based) is the host's responsibility; this is only the hook.
//
// An in-flight fetch for the key is not aborted - it completes and
// re-populates the entry.
func (t *Table) Evict(key string) {
	key = norm.NFC.String(key)

	t.mu.Lock()
	_, existed := t.entries[key]
	delete(t.entries, key)
	t.mu.Unlock()

	if existed {
		t.emit(EventEvicted, key)
	}
}

// Invalidate marks the entry for key as fully expired. The value is no
// longer served; the next Get suspends on a refetch.
func (t *Table) Invalidate(key string) {
	key = norm.NFC.String(key)

	t.mu.Lock()
	e := t.entries[key]
	var invalidated bool
	if e != nil && e.Err == nil {
		now := t.now()
		e.StaleAt = now
		e.ExpiresAt = now
		invalidated = true
	}
	t.mu.Unlock()

	if invalidated {
		t.emit(EventInvalidated, key)
	}
}

// Lookup returns a copy of the entry for key, if present. Introspection
// only - does not start fetches or count as a read.
func (t *Table) Lookup(key string) (Entry, bool) {
	key = norm.NFC.String(key)

	t.mu.Lock()
	defer t.mu.Unlock()

	e := t.entries[key]
	if e == nil {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of entries (negative entries included).
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Record is the durable snapshot form of an entry. Negative entries and
// the revalidation lock are deliberately excluded - only successfully
// fetched values are worth persisting.
type Record struct {
	Key       string
	Value     any
	FetchedAt time.Time
	StaleAt   time.Time
	ExpiresAt time.Time
}

// Export returns snapshot records for all non-negative, non-expired
// entries, for persisting to a durable store.
func (t *Table) Export() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	recs := make([]Record, 0, len(t.entries))
	for _, e := range t.entries {
		if e.Err != nil || !now.Before(e.ExpiresAt) {
			continue
		}
		recs = append(recs, Record{
			Key:       e.Key,
			Value:     e.Value,
			FetchedAt: e.FetchedAt,
			StaleAt:   e.StaleAt,
			ExpiresAt: e.ExpiresAt,
		})
	}
	return recs
}

// Restore loads snapshot records into the table, analogous to serving
// previously generated content immediately while revalidation catches up.
// Records already expired at restore time are skipped. Existing entries for
// the same key are overwritten.
func (t *Table) Restore(recs []Record) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for _, r := range recs {
		if !now.Before(r.ExpiresAt) {
			continue
		}
		key := norm.NFC.String(r.Key)
		t.entries[key] = &Entry{
			Key:       key,
			Value:     r.Value,
			FetchedAt: r.FetchedAt,
			StaleAt:   r.StaleAt,
			ExpiresAt: r.ExpiresAt,
		}
		n++
	}
	return n
}

func (t *Table) emit(kind, key string) {
	if t.onEvent != nil {
		t.onEvent(kind, key)
	}
}
