package harness

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/loomworks/loom/internal/boundary"
	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/sched"
	"github.com/loomworks/loom/internal/testutil"
)

// scenarioEpoch is where every scenario clock starts. Fixed so freshness
// windows - and therefore traces - are identical across runs.
var scenarioEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// settleTimeout bounds how long a settle step waits for loader goroutines.
const settleTimeout = 5 * time.Second

// resourceOutcome is what a gated loader returns once released.
type resourceOutcome struct {
	value any
	err   error
}

// runner executes one scenario. Steps run sequentially on the calling
// goroutine; only loader goroutines run concurrently, and settle steps
// join them before the next step starts, so the trace is deterministic.
type runner struct {
	scenario *Scenario
	clock    *testutil.ManualClock
	trace    *sched.Trace
	sched    *sched.Scheduler
	table    *cache.Table
	opts     cache.Options

	specs map[string]ResourceSpec
	gates map[string]chan resourceOutcome

	// handles tracks pending blocking-fetch handles by key, captured when
	// a render pass suspends on them.
	handles map[string]*cache.Handle

	// payloadReads maps an update payload to its declared reads;
	// boundaryReads accumulates reads per boundary for re-render passes.
	payloadReads  map[string][]Read
	boundaryReads map[string][]Read

	outputs []string
}

// Run executes a scenario and returns its result. The returned result's
// Errors list any failed inline assertions; an error return means the
// scenario itself could not be executed.
func Run(scenario *Scenario) (*Result, error) {
	r := &runner{
		scenario:      scenario,
		clock:         testutil.NewManualClock(scenarioEpoch),
		trace:         sched.NewTrace(),
		specs:         make(map[string]ResourceSpec),
		gates:         make(map[string]chan resourceOutcome),
		handles:       make(map[string]*cache.Handle),
		payloadReads:  make(map[string][]Read),
		boundaryReads: make(map[string][]Read),
	}

	var err error
	if r.opts, err = parseDefaults(scenario.Defaults); err != nil {
		return nil, err
	}

	for _, spec := range scenario.Resources {
		r.specs[spec.Key] = spec
		r.gates[spec.Key] = make(chan resourceOutcome)
	}

	// Cache activity folds into the same trace stream as scheduler
	// decisions, so a golden file captures both.
	r.table = cache.NewTable(
		cache.WithNow(r.clock.Now),
		cache.WithHandleIDs(testutil.NewSeqIDs("h").Generate),
		cache.WithEventHook(func(kind, key string) {
			r.trace.Record(sched.TraceEvent{Type: kind, Key: key})
		}),
	)

	r.sched = sched.New(r.apply, r.render,
		sched.WithIDGenerator(testutil.NewSeqIDs("upd")),
		sched.WithTraceSink(r.trace.Record),
		sched.WithCommit(func(p *sched.Pass, out any) {
			r.outputs = append(r.outputs, fmt.Sprintf("%v", out))
		}),
	)

	for _, b := range scenario.Boundaries {
		err := r.sched.Boundaries().Register(boundarySpecToBoundary(b))
		if err != nil {
			return nil, fmt.Errorf("register boundary %s: %w", b.ID, err)
		}
	}

	for i, step := range scenario.Steps {
		if err := r.execute(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := &Result{
		Pass:    true,
		Events:  r.trace.Events(),
		Outputs: r.outputs,
	}
	for _, msg := range EvaluateAssertions(result.Events, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func parseDefaults(d Defaults) (cache.Options, error) {
	var opts cache.Options
	var err error
	if d.StaleTime != "" {
		if opts.StaleTime, err = time.ParseDuration(d.StaleTime); err != nil {
			return opts, fmt.Errorf("defaults.stale_time: %w", err)
		}
	}
	if d.CacheTime != "" {
		if opts.CacheTime, err = time.ParseDuration(d.CacheTime); err != nil {
			return opts, fmt.Errorf("defaults.cache_time: %w", err)
		}
	}
	if d.Deadline != "" {
		if opts.Deadline, err = time.ParseDuration(d.Deadline); err != nil {
			return opts, fmt.Errorf("defaults.deadline: %w", err)
		}
	}
	return opts, nil
}

func boundarySpecToBoundary(b BoundarySpec) boundary.Boundary {
	return boundary.Boundary{
		ID:            b.ID,
		ParentID:      b.Parent,
		Fallback:      b.Fallback,
		HandlesErrors: b.HandlesErrors,
	}
}

// apply is the host state mutation. Scenario state is the trace itself, so
// application is a no-op; the applied event marks where it happened.
func (r *runner) apply(u *sched.Update) error {
	return nil
}

// render performs the declared reads for the pass's update (or, for a
// re-render pass, for the target boundary), suspending where a read has no
// servable value.
func (r *runner) render(p *sched.Pass) (any, error) {
	var reads []Read
	if bid := p.BoundaryID(); bid != "" {
		reads = r.boundaryReads[bid]
	} else if payload, ok := p.Update().Payload.(string); ok {
		reads = r.payloadReads[payload]
	}
	if len(reads) == 0 {
		if payload, ok := p.Update().Payload.(string); ok {
			return payload, nil
		}
		return "", nil
	}

	parts := make([]string, 0, len(reads))
	for _, rd := range reads {
		res := r.table.Get(context.Background(), rd.Key, r.loaderFor(rd.Key), r.opts)
		switch {
		case res.Suspended():
			r.handles[rd.Key] = res.Handle
			p.Suspend(rd.Boundary, res.Handle)
			fb, _ := r.sched.Boundaries().Fallback(rd.Boundary)
			parts = append(parts, fmt.Sprintf("%v", fb))
		case res.Err != nil:
			parts = append(parts, "error:"+rd.Key)
		default:
			parts = append(parts, fmt.Sprintf("%s=%v", rd.Key, res.Value))
		}

		if p.ShouldYield() {
			return "", nil
		}
	}
	return strings.Join(parts, " "), nil
}

// loaderFor returns a loader that blocks until the scenario's settle step
// releases the key's gate.
func (r *runner) loaderFor(key string) cache.Loader {
	gate := r.gates[key]
	return func(ctx context.Context, _ string) (any, error) {
		select {
		case out := <-gate:
			return out.value, out.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *runner) execute(step Step) error {
	switch {
	case step.Enqueue != nil:
		e := step.Enqueue
		r.registerReads(e)
		r.sched.Enqueue(laneOf(e.Lane), e.Slot, e.Payload)
		return nil

	case step.Transition != nil:
		r.sched.StartTransition(func(tx *sched.Transition) {
			for _, e := range step.Transition {
				r.registerReads(&e)
				tx.Enqueue(e.Slot, e.Payload)
			}
		})
		return nil

	case step.Step != nil:
		r.sched.Step(step.Step.Budget)
		return nil

	case step.Settle != nil:
		return r.settle(step.Settle.Key)

	case step.Advance != nil:
		d, err := time.ParseDuration(step.Advance.Duration)
		if err != nil {
			return err
		}
		r.clock.Advance(d)
		return nil

	case step.Evict != nil:
		r.table.Evict(step.Evict.Key)
		return nil

	case step.Invalidate != nil:
		r.table.Invalidate(step.Invalidate.Key)
		return nil
	}
	return fmt.Errorf("empty step")
}

func (r *runner) registerReads(e *EnqueueStep) {
	r.payloadReads[e.Payload] = e.Reads
	for _, rd := range e.Reads {
		if !containsRead(r.boundaryReads[rd.Boundary], rd) {
			r.boundaryReads[rd.Boundary] = append(r.boundaryReads[rd.Boundary], rd)
		}
	}
}

func containsRead(reads []Read, rd Read) bool {
	for _, existing := range reads {
		if existing == rd {
			return true
		}
	}
	return false
}

// settle releases a resource's gate and joins the loader goroutine: the
// step returns only after the settlement - including any re-render enqueue
// or error routing it triggered - has been recorded, keeping the trace
// deterministic.
func (r *runner) settle(key string) error {
	spec, ok := r.specs[key]
	if !ok {
		return fmt.Errorf("settle %s: undeclared resource", key)
	}
	outcome := resourceOutcome{value: spec.Value}
	if spec.Error != "" {
		outcome = resourceOutcome{err: errors.New(spec.Error)}
	}

	// A marker subscriber registered now runs after every subscriber added
	// while the fetch was pending (boundary registrations included), so
	// waiting on it joins the whole settlement.
	var marker chan struct{}
	if h := r.handles[key]; h != nil && h.Status() == cache.StatusPending {
		marker = make(chan struct{})
		h.OnSettle(func(*cache.Handle) { close(marker) })
	}
	before := r.trace.Len()

	select {
	case r.gates[key] <- outcome:
	case <-time.After(settleTimeout):
		return fmt.Errorf("settle %s: no fetch in flight", key)
	}

	if marker != nil {
		select {
		case <-marker:
		case <-time.After(settleTimeout):
			return fmt.Errorf("settle %s: fetch never completed", key)
		}
		delete(r.handles, key)
		return nil
	}

	// Background revalidation: no handle is visible to render, so wait for
	// the table to record the settlement event instead.
	deadline := time.Now().Add(settleTimeout)
	for !r.settledSince(before, key) {
		if time.Now().After(deadline) {
			return fmt.Errorf("settle %s: revalidation never completed", key)
		}
		time.Sleep(time.Millisecond)
	}
	return nil
}

func (r *runner) settledSince(since int, key string) bool {
	events := r.trace.Events()
	for _, ev := range events[since:] {
		if ev.Key != key {
			continue
		}
		switch ev.Type {
		case cache.EventFetchResolved, cache.EventFetchFailed,
			cache.EventRevalidateResolved, cache.EventRevalidateFailed:
			return true
		}
	}
	return false
}

func laneOf(s string) sched.Lane {
	switch s {
	case "urgent":
		return sched.LaneUrgent
	case "transition":
		return sched.LaneTransition
	default:
		return sched.LaneNormal
	}
}
