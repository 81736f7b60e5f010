package sched

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/boundary"
	"github.com/loomworks/loom/internal/cache"
)

// recorder collects applied payloads and routed errors for assertions.
type recorder struct {
	applied  []string
	handlers []string
	errs     []error
}

func (r *recorder) apply(u *Update) error {
	if s, ok := u.Payload.(string); ok {
		r.applied = append(r.applied, s)
	}
	return nil
}

func (r *recorder) onError(handlerID, boundaryID string, err error) {
	r.handlers = append(r.handlers, handlerID)
	r.errs = append(r.errs, err)
}

func TestScheduler_Enqueue_ReturnsID(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil, WithIDGenerator(NewFixedGenerator("upd-1")))

	id := s.Enqueue(LaneNormal, "slot", "payload")
	assert.Equal(t, "upd-1", id)
	assert.Equal(t, 1, s.QueueLen())
}

func TestScheduler_Step_AppliesInLaneOrder(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	s.Enqueue(LaneTransition, "a", "t1")
	s.Enqueue(LaneNormal, "b", "n1")
	s.Enqueue(LaneUrgent, "c", "u1")
	s.Enqueue(LaneUrgent, "c", "u2")

	consumed := s.Step(0)

	assert.Equal(t, 4, consumed)
	assert.Equal(t, []string{"u1", "u2", "n1", "t1"}, rec.applied)
}

func TestScheduler_UrgentCommitsBeforeEarlierTransition(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	// Transition enqueued FIRST, urgent after - urgent still wins.
	tx := s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "t1")
	})
	s.Enqueue(LaneUrgent, "input", "u1")

	s.Step(0)

	assert.Equal(t, []string{"u1", "t1"}, rec.applied)
	assert.False(t, tx.Pending(), "transition should have committed")

	select {
	case <-tx.Done():
	default:
		t.Fatal("transition Done channel should be closed")
	}
}

func TestScheduler_StepBudget(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	s.Enqueue(LaneNormal, "a", "n1")
	s.Enqueue(LaneNormal, "b", "n2")
	s.Enqueue(LaneNormal, "c", "n3")

	consumed := s.Step(2)

	assert.Equal(t, 2, consumed)
	assert.Equal(t, 1, s.QueueLen(), "one update should remain")
	assert.Equal(t, []string{"n1", "n2"}, rec.applied)
}

func TestScheduler_TransitionInterruption(t *testing.T) {
	rec := &recorder{}
	var s *Scheduler
	attempts := 0

	render := func(p *Pass) (any, error) {
		if p.Update().Payload != "t1" {
			return nil, nil
		}
		attempts++
		if attempts == 1 {
			// Urgent work arrives mid-pass: the pass must be abandoned.
			s.Enqueue(LaneUrgent, "input", "u1")
			require.True(t, p.ShouldYield(), "transition pass should yield to urgent work")
			return nil, nil
		}
		require.False(t, p.ShouldYield())
		return "out", nil
	}

	trace := NewTrace()
	s = New(rec.apply, render, WithTraceSink(trace.Record))

	s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "t1")
	})

	s.Step(0)

	// Urgent applied before the transition, and the transition restarted.
	assert.Equal(t, []string{"u1", "t1"}, rec.applied)
	assert.Equal(t, 2, attempts, "pass should run twice: abandoned, then clean")

	var abandoned int
	for _, ev := range trace.Events() {
		if ev.Type == TraceAbandoned {
			abandoned++
		}
	}
	assert.Equal(t, 1, abandoned)
}

func TestScheduler_TransitionAbandonLeavesStateUntouched(t *testing.T) {
	rec := &recorder{}
	var s *Scheduler
	attempts := 0

	render := func(p *Pass) (any, error) {
		if p.Update().Payload != "t1" {
			return nil, nil
		}
		attempts++
		if attempts == 1 {
			s.Enqueue(LaneUrgent, "input", "u1")
			p.ShouldYield()
			// At abandon time the transition must not have applied.
			assert.NotContains(t, rec.applied, "t1")
			return nil, nil
		}
		return nil, nil
	}

	s = New(rec.apply, render)
	s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "t1")
	})
	s.Step(0)

	assert.Contains(t, rec.applied, "t1", "transition commits after the clean pass")
}

func TestScheduler_TransitionSuperseded(t *testing.T) {
	rec := &recorder{}
	trace := NewTrace()
	s := New(rec.apply, nil, WithTraceSink(trace.Record))

	tx1 := s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "old")
	})
	tx2 := s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "new")
	})

	s.Step(0)

	assert.Equal(t, []string{"new"}, rec.applied,
		"superseded transition's update is discarded, not merged")
	assert.False(t, tx1.Pending(), "discarded transition still settles")
	assert.False(t, tx2.Pending())

	var discarded []TraceEvent
	for _, ev := range trace.Events() {
		if ev.Type == TraceDiscarded {
			discarded = append(discarded, ev)
		}
	}
	require.Len(t, discarded, 1)
	assert.Equal(t, tx1.ID(), discarded[0].TransitionID)
}

func TestScheduler_TransitionDifferentSlotsDoNotSupersede(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "q")
	})
	s.StartTransition(func(tx *Transition) {
		tx.Enqueue("filter", "f")
	})

	s.Step(0)

	assert.Equal(t, []string{"q", "f"}, rec.applied)
}

func TestScheduler_EmptyTransitionSettlesImmediately(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	tx := s.StartTransition(func(tx *Transition) {})

	assert.False(t, tx.Pending())
	select {
	case <-tx.Done():
	default:
		t.Fatal("empty transition should settle at seal")
	}
}

func TestScheduler_TransitionEnqueueAfterSealPanics(t *testing.T) {
	s := New(func(u *Update) error { return nil }, nil)

	var leaked *Transition
	s.StartTransition(func(tx *Transition) {
		leaked = tx
	})

	assert.Panics(t, func() {
		leaked.Enqueue("slot", "late")
	})
}

func TestScheduler_RestartQuotaExceeded(t *testing.T) {
	rec := &recorder{}
	var s *Scheduler
	n := 0

	render := func(p *Pass) (any, error) {
		if p.Update().Payload != "t1" {
			return nil, nil
		}
		// Every attempt gets interrupted by fresh urgent work.
		n++
		s.Enqueue(LaneUrgent, "input", fmt.Sprintf("u%d", n))
		p.ShouldYield()
		return nil, nil
	}

	s = New(rec.apply, render,
		WithMaxPassRestarts(2),
		WithErrorHandler(rec.onError),
	)

	tx := s.StartTransition(func(tx *Transition) {
		tx.Enqueue("query", "t1")
	})

	s.Step(0)

	require.Len(t, rec.errs, 1)
	assert.True(t, IsRestartsExceededError(rec.errs[0]))
	assert.False(t, tx.Pending(), "quota-exceeded transition still settles")
	assert.NotContains(t, rec.applied, "t1")
}

func TestScheduler_RenderErrorRoutedNotFatal(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")

	render := func(p *Pass) (any, error) {
		if p.Update().Payload == "bad" {
			return nil, &RenderError{
				UpdateID:   p.Update().ID,
				Slot:       p.Update().Slot,
				BoundaryID: "leaf",
				Err:        boom,
			}
		}
		return "ok", nil
	}

	s := New(rec.apply, render, WithErrorHandler(rec.onError))
	require.NoError(t, s.Boundaries().Register(boundary.Boundary{ID: "root", HandlesErrors: true}))
	require.NoError(t, s.Boundaries().Register(boundary.Boundary{ID: "leaf", ParentID: "root"}))

	s.Enqueue(LaneNormal, "a", "bad")
	s.Enqueue(LaneNormal, "b", "good")

	consumed := s.Step(0)

	assert.Equal(t, 2, consumed, "a failing update must not halt the queue")
	assert.Contains(t, rec.applied, "good")

	require.Len(t, rec.errs, 1)
	assert.True(t, IsRenderError(rec.errs[0]))
	assert.ErrorIs(t, rec.errs[0], boom)
	assert.Equal(t, []string{"root"}, rec.handlers,
		"error routes to nearest error-capable ancestor")
}

func TestScheduler_ApplyErrorRouted(t *testing.T) {
	rec := &recorder{}
	apply := func(u *Update) error {
		if u.Payload == "bad" {
			return errors.New("apply failed")
		}
		return rec.apply(u)
	}

	s := New(apply, nil, WithErrorHandler(rec.onError))

	s.Enqueue(LaneNormal, "a", "bad")
	s.Enqueue(LaneNormal, "b", "good")
	s.Step(0)

	require.Len(t, rec.errs, 1)
	assert.True(t, IsRenderError(rec.errs[0]))
	assert.Equal(t, []string{"good"}, rec.applied)
}

func TestScheduler_RunStopsOnContextCancel(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx)
	}()

	s.Enqueue(LaneNormal, "a", "n1")
	require.Eventually(t, func() bool {
		return s.QueueLen() == 0
	}, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestScheduler_RunStopsOnStop(t *testing.T) {
	rec := &recorder{}
	s := New(rec.apply, nil)

	done := make(chan error, 1)
	go func() {
		done <- s.Run(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

// suspensionFixture wires a scheduler, boundary tree, and cache table the
// way a render layer would: reads that suspend register at a named
// boundary and commit its fallback.
type suspensionFixture struct {
	t       *testing.T
	rec     *recorder
	s       *Scheduler
	table   *cache.Table
	gates   map[string]chan gateResult
	commits []any
}

type gateResult struct {
	value any
	err   error
}

// read payloads look like "read:<key>@<boundary>".
func readPayload(key, boundaryID string) string {
	return "read:" + key + "@" + boundaryID
}

func newSuspensionFixture(t *testing.T) *suspensionFixture {
	f := &suspensionFixture{
		t:     t,
		rec:   &recorder{},
		gates: make(map[string]chan gateResult),
	}

	f.table = cache.NewTable()

	render := func(p *Pass) (any, error) {
		key, boundaryID, ok := parseRead(p.Update().Payload)
		if !ok {
			if p.BoundaryID() != "" {
				// Re-render pass: serve whatever the cache now holds.
				return "content:" + p.BoundaryID(), nil
			}
			return nil, nil
		}
		res := f.table.Get(context.Background(), key, f.loader, cache.Options{
			StaleTime: time.Minute,
			CacheTime: time.Hour,
		})
		if res.Suspended() {
			p.Suspend(boundaryID, res.Handle)
			fb, _ := f.s.Boundaries().Fallback(boundaryID)
			return fb, nil
		}
		return res.Value, res.Err
	}

	f.s = New(f.rec.apply, render,
		WithErrorHandler(f.rec.onError),
		WithCommit(func(p *Pass, out any) {
			f.commits = append(f.commits, out)
		}),
	)
	return f
}

func parseRead(payload any) (key, boundaryID string, ok bool) {
	s, isStr := payload.(string)
	if !isStr || len(s) < 6 || s[:5] != "read:" {
		return "", "", false
	}
	rest := s[5:]
	for i := range rest {
		if rest[i] == '@' {
			return rest[:i], rest[i+1:], true
		}
	}
	return "", "", false
}

func (f *suspensionFixture) loader(ctx context.Context, key string) (any, error) {
	gate, ok := f.gates[key]
	if !ok {
		f.t.Fatalf("no gate for key %s", key)
	}
	r := <-gate
	return r.value, r.err
}

func (f *suspensionFixture) addGate(key string) {
	f.gates[key] = make(chan gateResult, 1)
}

func (f *suspensionFixture) settle(key string, v any, err error) {
	f.gates[key] <- gateResult{value: v, err: err}
}

func TestScheduler_SuspendFallbackResolveRerender(t *testing.T) {
	f := newSuspensionFixture(t)
	reg := f.s.Boundaries()
	require.NoError(t, reg.Register(boundary.Boundary{ID: "root", HandlesErrors: true}))
	require.NoError(t, reg.Register(boundary.Boundary{ID: "detail", ParentID: "root", Fallback: "spinner"}))

	f.addGate("user:1")
	f.s.Enqueue(LaneNormal, "view", readPayload("user:1", "detail"))
	f.s.Step(0)

	assert.True(t, reg.Suspended("detail"), "boundary suspends on the pending fetch")
	assert.Equal(t, []any{"spinner"}, f.commits, "fallback commits in place of final output")

	f.settle("user:1", "Alice", nil)

	// Settlement enqueues exactly one re-render at the triggering lane.
	require.Eventually(t, func() bool {
		return f.s.QueueLen() == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 1, f.s.LaneLen(LaneNormal))

	f.s.Step(0)

	assert.False(t, reg.Suspended("detail"))
	assert.Equal(t, "content:detail", f.commits[len(f.commits)-1])
}

func TestScheduler_CoalescedSuspensions(t *testing.T) {
	f := newSuspensionFixture(t)
	reg := f.s.Boundaries()
	require.NoError(t, reg.Register(boundary.Boundary{ID: "root", HandlesErrors: true}))
	require.NoError(t, reg.Register(boundary.Boundary{ID: "panel", ParentID: "root", Fallback: "loading"}))

	f.addGate("a")
	f.addGate("b")

	f.s.Enqueue(LaneNormal, "view", readPayload("a", "panel"))
	f.s.Enqueue(LaneNormal, "view", readPayload("b", "panel"))
	f.s.Step(0)

	assert.Equal(t, 2, reg.PendingCount("panel"))

	f.settle("a", 1, nil)
	require.Eventually(t, func() bool {
		return reg.PendingCount("panel") == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, f.s.QueueLen(),
		"no re-render until the LAST pending resource settles")

	f.settle("b", 2, nil)
	require.Eventually(t, func() bool {
		return f.s.QueueLen() == 1
	}, time.Second, time.Millisecond)

	f.s.Step(0)
	assert.Equal(t, 0, f.s.QueueLen(), "exactly one re-render update, not one per resource")
	assert.False(t, reg.Suspended("panel"))
}

func TestScheduler_FetchErrorIsolatedToSubtree(t *testing.T) {
	f := newSuspensionFixture(t)
	reg := f.s.Boundaries()
	require.NoError(t, reg.Register(boundary.Boundary{ID: "root", HandlesErrors: true}))
	require.NoError(t, reg.Register(boundary.Boundary{ID: "left", ParentID: "root", Fallback: "l..."}))
	require.NoError(t, reg.Register(boundary.Boundary{ID: "right", ParentID: "root", Fallback: "r..."}))

	f.addGate("bad")
	f.addGate("good")
	f.s.Enqueue(LaneNormal, "l", readPayload("bad", "left"))
	f.s.Enqueue(LaneNormal, "r", readPayload("good", "right"))
	f.s.Step(0)

	f.settle("bad", nil, errors.New("backend down"))
	f.settle("good", "value", nil)

	// The failing subtree routes its error; the sibling still re-renders.
	require.Eventually(t, func() bool {
		return f.s.QueueLen() == 1 && len(f.rec.errs) == 1
	}, time.Second, time.Millisecond)

	f.s.Step(0)

	assert.True(t, cache.IsFetchError(f.rec.errs[0]))
	assert.Equal(t, []string{"root"}, f.rec.handlers)
	assert.False(t, reg.Suspended("left"), "error removes the pending resource")
	assert.False(t, reg.Suspended("right"))
	assert.Equal(t, "content:right", f.commits[len(f.commits)-1],
		"sibling subtree commits despite the failure")
}
