package sched

import "sync"

// updateQueue is a thread-safe three-lane priority queue of updates.
//
// Pop order is lane rank first (urgent < normal < transition), then FIFO by
// enqueue order within a lane. Because each lane is its own FIFO slice, the
// (lane rank, seq) order key from the data model falls out structurally:
// appends within a lane are already seq-ordered.
//
// The queue is unbounded so resource settlements can enqueue re-render
// updates without ever blocking a loader goroutine.
//
// Thread-safety is provided for external enqueuing (input handlers, loader
// goroutines) while the Scheduler's step loop dequeues. The signal channel
// enables context-aware waiting in Run (buffered size 1, coalescing).
type updateQueue struct {
	mu     sync.Mutex
	lanes  [3][]*Update // index = Lane - 1
	closed bool
	signal chan struct{}
}

func newUpdateQueue() *updateQueue {
	return &updateQueue{
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an update to the back of its lane.
// Thread-safe: may be called from any goroutine.
// Returns false if the queue is closed.
func (q *updateQueue) Enqueue(u *Update) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	i := int(u.Lane) - 1
	q.lanes[i] = append(q.lanes[i], u)

	// Signal availability (non-blocking - buffer of 1 coalesces signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue pops the highest-priority pending update without blocking.
// Returns (nil, false) if the queue is empty.
func (q *updateQueue) TryDequeue() (*Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.lanes {
		if len(q.lanes[i]) == 0 {
			continue
		}
		u := q.lanes[i][0]

		// Nil out the slot so the backing array does not retain the
		// Update's payload pointers until reallocation.
		q.lanes[i][0] = nil
		if len(q.lanes[i]) == 1 {
			q.lanes[i] = q.lanes[i][:0]
		} else {
			q.lanes[i] = q.lanes[i][1:]
		}
		return u, true
	}

	return nil, false
}

// TryDequeueUrgent pops the oldest pending urgent update, skipping the
// other lanes. Used by the interruption rule to drain urgent work before a
// transition pass restarts.
func (q *updateQueue) TryDequeueUrgent() (*Update, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	lane := q.lanes[LaneUrgent-1]
	if len(lane) == 0 {
		return nil, false
	}
	u := lane[0]
	lane[0] = nil
	if len(lane) == 1 {
		q.lanes[LaneUrgent-1] = lane[:0]
	} else {
		q.lanes[LaneUrgent-1] = lane[1:]
	}
	return u, true
}

// HasUrgent reports whether an urgent update is pending.
// The interruption rule polls this during transition render passes.
func (q *updateQueue) HasUrgent() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[LaneUrgent-1]) > 0
}

// Wait returns a channel that signals when updates may be available.
// Use with select for context-aware waiting:
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // TryDequeue
//	}
func (q *updateQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the total number of pending updates across all lanes.
func (q *updateQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for i := range q.lanes {
		n += len(q.lanes[i])
	}
	return n
}

// LaneLen returns the number of pending updates in a single lane.
func (q *updateQueue) LaneLen(l Lane) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes[l-1])
}

// Close signals that no more updates will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *updateQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
