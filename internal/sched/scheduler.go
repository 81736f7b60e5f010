// Package sched implements the priority-classified update scheduler: a
// single cooperative step loop that applies updates to application state in
// lane order and drives render passes over suspension boundaries.
//
// Concurrency model: all state application and render work happens in the
// step loop (one goroutine). Everything outside the loop - input handlers,
// loader goroutines, resource settlements - communicates in exactly one
// way: by enqueuing updates. The queue is the sole synchronization point,
// so application state needs no locks.
package sched

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/boundary"
)

// DefaultMaxPassRestarts bounds how many times one transition render pass
// may be abandoned by urgent interruptions before the transition is
// discarded. Prevents an urgent storm from livelocking a transition.
const DefaultMaxPassRestarts = 100

// ApplyFunc mutates application state for one update. Supplied by the
// host. Must be fast and must never suspend: mutation and suspension are
// not interleaved for a single update.
//
// For urgent and normal updates, Apply runs before the render pass. For
// transition updates, Apply runs only after the pass completed without
// interruption - an abandoned pass leaves state untouched.
type ApplyFunc func(u *Update) error

// RenderFunc runs a render pass for one update. Supplied by the render
// layer. The returned output is committed by the scheduler (it is the
// fallback content when the pass suspended).
//
// Contract for interruptible passes (transition lane): the render layer
// polls p.ShouldYield() between work units and returns promptly when it
// reports true; everything produced so far is discarded.
//
// Contract for suspension: when a resource read suspends (cache.Result
// with a pending handle), the render layer calls p.Suspend with the
// nearest enclosing boundary and renders that boundary's fallback.
type RenderFunc func(p *Pass) (any, error)

// CommitFunc observes committed pass output. Optional.
type CommitFunc func(p *Pass, output any)

// ErrorFunc receives errors routed through the boundary tree.
// handlerID is the nearest error-capable boundary, or empty when no
// ancestor declared the capability - the error is then fatal to that
// subtree only; the step loop always continues.
type ErrorFunc func(handlerID, boundaryID string, err error)

// Scheduler is the update scheduler. Create with New; an explicit instance
// passed by reference to all collaborators, never a process-wide singleton.
//
// Thread-safety model:
//   - Enqueue / StartTransition / Track: safe from any goroutine
//   - Step / Run: must be called from exactly one goroutine
type Scheduler struct {
	clock *Clock
	queue *updateQueue
	ids   IDGenerator

	boundaries *boundary.Registry

	apply   ApplyFunc
	render  RenderFunc
	commit  CommitFunc
	onError ErrorFunc
	trace   TraceSink

	maxRestarts int

	mu       sync.Mutex
	latestTx map[string]string      // slot -> newest transition id targeting it
	txs      map[string]*Transition // live transition groups by id
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithIDGenerator overrides update/transition ID generation.
// Used by tests and the harness for deterministic traces.
func WithIDGenerator(g IDGenerator) Option {
	return func(s *Scheduler) { s.ids = g }
}

// WithTraceSink wires a sink for scheduler trace events.
func WithTraceSink(sink TraceSink) Option {
	return func(s *Scheduler) { s.trace = sink }
}

// WithCommit registers an observer for committed pass output.
func WithCommit(fn CommitFunc) Option {
	return func(s *Scheduler) { s.commit = fn }
}

// WithErrorHandler registers the host's error-propagation callback.
func WithErrorHandler(fn ErrorFunc) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// WithMaxPassRestarts sets the transition pass restart quota.
//
// Default: 100 (DefaultMaxPassRestarts).
// Use WithMaxPassRestarts(1) for testing quota enforcement.
func WithMaxPassRestarts(n int) Option {
	return func(s *Scheduler) { s.maxRestarts = n }
}

// New creates a Scheduler with the given host callbacks.
//
// apply is required. render may be nil when the host has no render layer
// (updates then commit on apply alone).
func New(apply ApplyFunc, render RenderFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock:       NewClock(),
		queue:       newUpdateQueue(),
		ids:         UUIDv7Generator{},
		apply:       apply,
		render:      render,
		maxRestarts: DefaultMaxPassRestarts,
		latestTx:    make(map[string]string),
		txs:         make(map[string]*Transition),
	}
	for _, opt := range opts {
		opt(s)
	}

	// The registry's callbacks re-enter the scheduler only through the
	// queue (re-render) or the host error callback - never by mutating
	// loop-owned state directly.
	s.boundaries = boundary.NewRegistry(s.enqueueRerender, s.routeBoundaryError)

	return s
}

// Boundaries returns the suspension boundary registry.
func (s *Scheduler) Boundaries() *boundary.Registry {
	return s.boundaries
}

// Clock returns the scheduler's logical clock.
func (s *Scheduler) Clock() *Clock {
	return s.clock
}

// Enqueue submits an update. Never fails and never blocks; safe from any
// goroutine. Returns the new update's ID.
//
// After Stop, updates are silently dropped (the loop is gone).
func (s *Scheduler) Enqueue(lane Lane, slot string, payload any) string {
	if !lane.Valid() {
		lane = LaneNormal
	}
	u := &Update{
		ID:      s.ids.Generate(),
		Lane:    lane,
		Slot:    slot,
		Payload: payload,
		Seq:     s.clock.Next(),
	}
	s.push(u)
	return u.ID
}

// StartTransition executes fn, capturing every update enqueued through the
// supplied Transition and tagging it LaneTransition. The returned
// Transition's Pending observable flips to false only when all captured
// updates have committed or been discarded.
func (s *Scheduler) StartTransition(fn func(tx *Transition)) *Transition {
	tx := &Transition{
		id:   s.ids.Generate(),
		s:    s,
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.txs[tx.id] = tx
	s.mu.Unlock()

	fn(tx)
	if tx.seal() {
		s.forgetTransition(tx.id)
	}
	return tx
}

// forgetTransition drops a fully settled transition group from tracking.
// Supersede records in latestTx are left alone: they must keep naming the
// newest claimant of each slot even after it settles.
func (s *Scheduler) forgetTransition(id string) {
	s.mu.Lock()
	delete(s.txs, id)
	s.mu.Unlock()
}

// enqueueTransition stamps and submits one captured update. The transition
// becomes the newest claimant of the slot: any older transition still
// uncommitted on that slot is now superseded.
func (s *Scheduler) enqueueTransition(tx *Transition, slot string, payload any) string {
	s.mu.Lock()
	s.latestTx[slot] = tx.id
	s.mu.Unlock()

	u := &Update{
		ID:           s.ids.Generate(),
		Lane:         LaneTransition,
		Slot:         slot,
		Payload:      payload,
		Seq:          s.clock.Next(),
		TransitionID: tx.id,
	}
	s.push(u)
	return u.ID
}

// enqueueInternal submits a scheduler-generated update (re-render request
// or deferred advance). Internal updates bypass the host Apply callback.
func (s *Scheduler) enqueueInternal(lane Lane, slot string, payload any) {
	u := &Update{
		ID:      s.ids.Generate(),
		Lane:    lane,
		Slot:    slot,
		Payload: payload,
		Seq:     s.clock.Next(),
	}
	s.push(u)
}

func (s *Scheduler) push(u *Update) {
	s.emit(TraceEvent{
		Type:         TraceEnqueued,
		UpdateID:     u.ID,
		Lane:         u.Lane.String(),
		Slot:         u.Slot,
		TransitionID: u.TransitionID,
		BoundaryID:   boundaryOf(u),
	})
	if !s.queue.Enqueue(u) {
		slog.Warn("update dropped: scheduler stopped",
			"update_id", u.ID,
			"lane", u.Lane.String(),
			"slot", u.Slot,
		)
	}
}

// Step is the cooperative unit of work. It pops the highest-priority
// update, applies it, and runs its render pass, repeating until the queue
// empties or budget updates have been consumed (budget <= 0 drains the
// queue). Returns the number of updates consumed.
//
// The budget is advisory: a pass in progress is finished, not cut off.
// Exceeding the budget risks dropped frames at the host, not correctness.
func (s *Scheduler) Step(budget int) int {
	consumed := 0
	for budget <= 0 || consumed < budget {
		u, ok := s.queue.TryDequeue()
		if !ok {
			break
		}
		s.process(u)
		consumed++
	}
	return consumed
}

// Run drives Step until the context is cancelled or Stop is called.
//
// Must be called from exactly ONE goroutine: all state application and
// render work happens here.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("scheduler starting")

	for {
		u, ok := s.queue.TryDequeue()
		if ok {
			s.process(u)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping: context cancelled")
			s.queue.Close()
			return ctx.Err()

		case <-s.queue.Wait():
			// Signal received - loop back to TryDequeue. The signal
			// channel closes when the queue closes, so this case fires
			// immediately after Stop.
			if s.queue.Len() == 0 {
				slog.Info("scheduler stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop closes the queue, causing Run to return once drained.
func (s *Scheduler) Stop() {
	s.queue.Close()
}

// QueueLen returns the total number of pending updates.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// LaneLen returns the number of pending updates in one lane.
func (s *Scheduler) LaneLen(l Lane) int {
	return s.queue.LaneLen(l)
}

// process consumes one update. Called only from the step loop.
func (s *Scheduler) process(u *Update) {
	switch pl := u.Payload.(type) {
	case *deferredAdvance:
		s.applyDeferred(u, pl)
	case *rerenderRequest:
		s.renderOnly(u, pl.BoundaryID)
	default:
		if u.Lane == LaneTransition {
			s.processTransition(u)
		} else {
			s.processImmediate(u)
		}
	}
}

// processImmediate handles an urgent or normal update: apply state first,
// then render. The pass is not interruptible.
func (s *Scheduler) processImmediate(u *Update) {
	slog.Debug("applying update",
		"update_id", u.ID,
		"lane", u.Lane.String(),
		"slot", u.Slot,
		"seq", u.Seq,
	)

	if err := s.apply(u); err != nil {
		s.routeRenderError(u, err)
		return
	}
	s.emit(TraceEvent{Type: TraceApplied, UpdateID: u.ID, Lane: u.Lane.String(), Slot: u.Slot})

	p := s.newPass(u, "", false)
	out, err := s.runRender(p)
	if err != nil {
		s.routeRenderError(u, err)
		return
	}
	s.commitPass(p, out)
}

// processTransition handles a transition update with the interruption
// rule: the render pass runs BEFORE state application, and an urgent
// arrival abandons the pass - nothing committed, nothing partially
// visible - then the pass restarts from scratch after the urgent work.
func (s *Scheduler) processTransition(u *Update) {
	restarts := 0
	for {
		// Urgent first: drain anything that arrived since the last check.
		for {
			uu, ok := s.queue.TryDequeueUrgent()
			if !ok {
				break
			}
			s.process(uu)
		}

		// The urgent work (or anything it triggered) may have started a
		// newer transition on this slot.
		if s.superseded(u) {
			s.discard(u)
			return
		}

		p := s.newPass(u, "", true)
		out, err := s.runRender(p)
		if p.Interrupted() {
			restarts++
			s.emit(TraceEvent{
				Type:         TraceAbandoned,
				UpdateID:     u.ID,
				Lane:         u.Lane.String(),
				Slot:         u.Slot,
				TransitionID: u.TransitionID,
				Detail:       fmt.Sprintf("restart %d", restarts),
			})
			if restarts > s.maxRestarts {
				s.routeRenderError(u, &RestartsExceededError{
					TransitionID: u.TransitionID,
					UpdateID:     u.ID,
					Restarts:     restarts,
					Limit:        s.maxRestarts,
				})
				s.settleTransition(u)
				return
			}
			continue
		}
		if err != nil {
			s.routeRenderError(u, err)
			s.settleTransition(u)
			return
		}

		// Pass completed uninterrupted: commit state, then output.
		if err := s.apply(u); err != nil {
			s.routeRenderError(u, err)
			s.settleTransition(u)
			return
		}
		s.emit(TraceEvent{Type: TraceApplied, UpdateID: u.ID, Lane: u.Lane.String(), Slot: u.Slot, TransitionID: u.TransitionID})

		s.commitPass(p, out)
		s.settleTransition(u)
		return
	}
}

// renderOnly handles an internal re-render request: no state change, just
// a fresh pass over the boundary's subtree with (hopefully) final content.
// Transition-lane re-renders stay interruptible.
func (s *Scheduler) renderOnly(u *Update, boundaryID string) {
	interruptible := u.Lane == LaneTransition
	restarts := 0
	for {
		if interruptible {
			for {
				uu, ok := s.queue.TryDequeueUrgent()
				if !ok {
					break
				}
				s.process(uu)
			}
		}

		p := s.newPass(u, boundaryID, interruptible)
		out, err := s.runRender(p)
		if p.Interrupted() {
			restarts++
			s.emit(TraceEvent{
				Type:       TraceAbandoned,
				UpdateID:   u.ID,
				Lane:       u.Lane.String(),
				BoundaryID: boundaryID,
				Detail:     fmt.Sprintf("restart %d", restarts),
			})
			if restarts > s.maxRestarts {
				s.routeRenderError(u, &RestartsExceededError{
					UpdateID: u.ID,
					Restarts: restarts,
					Limit:    s.maxRestarts,
				})
				return
			}
			continue
		}
		if err != nil {
			s.routeRenderError(u, err)
			return
		}
		s.commitPass(p, out)
		return
	}
}

// runRender invokes the host render callback for a pass. A nil render
// layer commits immediately.
func (s *Scheduler) runRender(p *Pass) (any, error) {
	if s.render == nil {
		return nil, nil
	}
	out, err := s.render(p)
	if p.Interrupted() {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// commitPass registers the pass's suspensions and commits its output.
//
// Suspensions are registered only here - an abandoned pass's resource
// requests are never registered, so a discarded transition leaves no
// boundary in a suspended state (its fetches still complete and populate
// the cache for other callers).
func (s *Scheduler) commitPass(p *Pass, out any) {
	for _, susp := range p.suspensions {
		if err := s.boundaries.Suspend(susp.boundaryID, susp.handle, int(p.u.Lane)); err != nil {
			slog.Error("suspend failed",
				"boundary_id", susp.boundaryID,
				"handle_id", susp.handle.ID(),
				"error", err,
			)
			continue
		}
		s.emit(TraceEvent{
			Type:       TraceSuspended,
			UpdateID:   p.u.ID,
			Lane:       p.u.Lane.String(),
			BoundaryID: susp.boundaryID,
			Key:        susp.handle.Key(),
		})
		s.emit(TraceEvent{
			Type:       TraceFallback,
			UpdateID:   p.u.ID,
			BoundaryID: susp.boundaryID,
		})
	}

	if s.commit != nil {
		s.commit(p, out)
	}
	s.emit(TraceEvent{
		Type:         TraceCommitted,
		UpdateID:     p.u.ID,
		Lane:         p.u.Lane.String(),
		Slot:         p.u.Slot,
		BoundaryID:   p.boundaryID,
		TransitionID: p.u.TransitionID,
	})
}

// superseded reports whether a newer transition has claimed the update's
// slot since this update was enqueued.
func (s *Scheduler) superseded(u *Update) bool {
	if u.TransitionID == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latestTx[u.Slot] != u.TransitionID
}

// discard consumes a superseded transition update without applying it.
// Informational only - the discarded transition's pending observable still
// settles, and no error surfaces to the host.
func (s *Scheduler) discard(u *Update) {
	s.mu.Lock()
	by := s.latestTx[u.Slot]
	s.mu.Unlock()

	slog.Debug("transition update discarded",
		"update_id", u.ID,
		"transition_id", u.TransitionID,
		"slot", u.Slot,
		"superseded_by", by,
	)
	s.emit(TraceEvent{
		Type:         TraceDiscarded,
		UpdateID:     u.ID,
		Lane:         u.Lane.String(),
		Slot:         u.Slot,
		TransitionID: u.TransitionID,
		Detail:       (&SupersededError{TransitionID: u.TransitionID, Slot: u.Slot, ByID: by}).Error(),
	})
	s.settleTransition(u)
}

// settleTransition records one captured update as done (committed or
// discarded) against its transition group.
func (s *Scheduler) settleTransition(u *Update) {
	if u.TransitionID == "" {
		return
	}
	s.mu.Lock()
	tx := s.txs[u.TransitionID]
	s.mu.Unlock()
	if tx != nil && tx.settleOne() {
		s.forgetTransition(u.TransitionID)
	}
}

// applyDeferred advances a deferred tracker's trailing value. Stale
// advances (the source moved again before this one ran) are skipped so
// only the newest pending advance wins.
func (s *Scheduler) applyDeferred(u *Update, adv *deferredAdvance) {
	if adv.tracker.advance(adv) {
		s.emit(TraceEvent{Type: TraceDeferredAdvanced, UpdateID: u.ID, Slot: u.Slot})
		return
	}
	s.emit(TraceEvent{Type: TraceDeferredSkipped, UpdateID: u.ID, Slot: u.Slot})
}

// routeRenderError wraps err as a RenderError if needed and routes it to
// the nearest error-capable boundary. The step loop continues regardless:
// a single failing update must not halt the queue.
func (s *Scheduler) routeRenderError(u *Update, err error) {
	re, ok := err.(*RenderError)
	if !ok {
		re = &RenderError{UpdateID: u.ID, Slot: u.Slot, Err: err}
	}

	handlerID := ""
	if re.BoundaryID != "" {
		handlerID, _ = s.boundaries.NearestErrorHandler(re.BoundaryID)
	}

	slog.Error("render error routed",
		"update_id", u.ID,
		"slot", u.Slot,
		"boundary_id", re.BoundaryID,
		"handler_id", handlerID,
		"error", re,
	)
	s.emit(TraceEvent{
		Type:       TraceErrorRouted,
		UpdateID:   u.ID,
		Slot:       u.Slot,
		BoundaryID: re.BoundaryID,
		Detail:     re.Error(),
	})

	if s.onError != nil {
		s.onError(handlerID, re.BoundaryID, re)
	}
}

// enqueueRerender is the boundary registry's resolution callback: the last
// pending resource of a boundary settled, so re-render its subtree at the
// lane of the update that originally suspended it.
//
// Runs on the settling goroutine; it only touches the queue.
func (s *Scheduler) enqueueRerender(boundaryID string, lane int) {
	l := Lane(lane)
	if !l.Valid() {
		l = LaneNormal
	}
	s.emit(TraceEvent{Type: TraceRerenderEnqueued, BoundaryID: boundaryID, Lane: l.String()})
	s.enqueueInternal(l, "", &rerenderRequest{BoundaryID: boundaryID})
}

// routeBoundaryError is the boundary registry's error callback: a pending
// resource settled with a fetch or timeout error.
func (s *Scheduler) routeBoundaryError(handlerID, boundaryID string, err error) {
	slog.Error("boundary resource failed",
		"boundary_id", boundaryID,
		"handler_id", handlerID,
		"error", err,
	)
	s.emit(TraceEvent{
		Type:       TraceErrorRouted,
		BoundaryID: boundaryID,
		Detail:     err.Error(),
	})
	if s.onError != nil {
		s.onError(handlerID, boundaryID, err)
	}
}

func (s *Scheduler) emit(ev TraceEvent) {
	if s.trace != nil {
		s.trace(ev)
	}
}

// boundaryOf extracts the target boundary from internal payloads, for
// trace readability.
func boundaryOf(u *Update) string {
	if rr, ok := u.Payload.(*rerenderRequest); ok {
		return rr.BoundaryID
	}
	return ""
}
