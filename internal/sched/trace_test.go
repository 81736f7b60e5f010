package sched

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrace_AssignsOrdinals(t *testing.T) {
	tr := NewTrace()

	tr.Record(TraceEvent{Type: TraceEnqueued})
	tr.Record(TraceEvent{Type: TraceApplied})
	tr.Record(TraceEvent{Type: TraceCommitted})

	evs := tr.Events()
	require.Len(t, evs, 3)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, int64(2), evs[1].Seq)
	assert.Equal(t, int64(3), evs[2].Seq)
}

func TestTrace_EventsReturnsCopy(t *testing.T) {
	tr := NewTrace()
	tr.Record(TraceEvent{Type: TraceEnqueued})

	evs := tr.Events()
	evs[0].Type = "mutated"

	assert.Equal(t, TraceEnqueued, tr.Events()[0].Type)
}

func TestTrace_ConcurrentRecord(t *testing.T) {
	tr := NewTrace()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				tr.Record(TraceEvent{Type: TraceApplied})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000, tr.Len())

	// Ordinals are dense 1..N.
	seen := make(map[int64]bool)
	for _, ev := range tr.Events() {
		seen[ev.Seq] = true
	}
	assert.Len(t, seen, 1000)
}

func TestScheduler_TraceLifecycle(t *testing.T) {
	tr := NewTrace()
	s := New(func(u *Update) error { return nil }, nil,
		WithIDGenerator(NewFixedGenerator("u-1")),
		WithTraceSink(tr.Record),
	)

	s.Enqueue(LaneNormal, "slot", "p")
	s.Step(0)

	var types []string
	for _, ev := range tr.Events() {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{TraceEnqueued, TraceApplied, TraceCommitted}, types)
	assert.Equal(t, "u-1", tr.Events()[0].UpdateID)
	assert.Equal(t, "normal", tr.Events()[0].Lane)
}
