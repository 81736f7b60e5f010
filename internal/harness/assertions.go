package harness

import (
	"fmt"
	"strings"

	"github.com/loomworks/loom/internal/sched"
)

// AssertionError is returned when an inline scenario assertion fails.
// It includes the full event stream for debugging context.
type AssertionError struct {
	Type     string             // Assertion type for categorization
	Expected string             // Human-readable expected outcome
	Actual   string             // Human-readable actual outcome
	Events   []sched.TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Events {
		fmt.Fprintf(&buf, "  [%d] %s", ev.Seq, ev.Type)
		if ev.UpdateID != "" {
			fmt.Fprintf(&buf, " update=%s", ev.UpdateID)
		}
		if ev.BoundaryID != "" {
			fmt.Fprintf(&buf, " boundary=%s", ev.BoundaryID)
		}
		if ev.Key != "" {
			fmt.Fprintf(&buf, " key=%s", ev.Key)
		}
		buf.WriteByte('\n')
	}
	return buf.String()
}

// EvaluateAssertions checks every inline assertion against the recorded
// events and returns the failure messages.
func EvaluateAssertions(events []sched.TraceEvent, assertions []Assertion) []string {
	var failures []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = assertTraceContains(events, a)
		case AssertTraceOrder:
			err = assertTraceOrder(events, a)
		case AssertTraceCount:
			err = assertTraceCount(events, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, err.Error())
		}
	}
	return failures
}

// matchEvent reports whether an event satisfies an assertion's field
// matchers. Empty matcher fields match anything.
func matchEvent(ev sched.TraceEvent, a Assertion) bool {
	if ev.Type != a.Event {
		return false
	}
	if a.Boundary != "" && ev.BoundaryID != a.Boundary {
		return false
	}
	if a.Key != "" && ev.Key != a.Key {
		return false
	}
	if a.Slot != "" && ev.Slot != a.Slot {
		return false
	}
	if a.Lane != "" && ev.Lane != a.Lane {
		return false
	}
	return true
}

// assertTraceContains checks that at least one event matches.
func assertTraceContains(events []sched.TraceEvent, a Assertion) error {
	for _, ev := range events {
		if matchEvent(ev, a) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: describeMatcher(a),
		Actual:   "not found in trace",
		Events:   events,
	}
}

// assertTraceOrder checks that event types appear in the given order.
// Matches need not be consecutive; the first occurrence of each type is
// compared.
func assertTraceOrder(events []sched.TraceEvent, a Assertion) error {
	positions := make(map[string]int)
	for i, ev := range events {
		if _, seen := positions[ev.Type]; !seen {
			positions[ev.Type] = i + 1
		}
	}

	for _, typ := range a.Events {
		if positions[typ] == 0 {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("all event types present: %v", a.Events),
				Actual:   fmt.Sprintf("missing event type: %s", typ),
				Events:   events,
			}
		}
	}

	for i := 1; i < len(a.Events); i++ {
		prev, curr := a.Events[i-1], a.Events[i]
		if positions[prev] >= positions[curr] {
			return &AssertionError{
				Type:     AssertTraceOrder,
				Expected: fmt.Sprintf("event types in order: %v", a.Events),
				Actual: fmt.Sprintf("%s (pos %d) should be before %s (pos %d)",
					prev, positions[prev], curr, positions[curr]),
				Events: events,
			}
		}
	}
	return nil
}

// assertTraceCount checks that exactly Count events match.
func assertTraceCount(events []sched.TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range events {
		if matchEvent(ev, a) {
			count++
		}
	}
	if count != a.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%s x%d", describeMatcher(a), a.Count),
			Actual:   fmt.Sprintf("found %d", count),
			Events:   events,
		}
	}
	return nil
}

func describeMatcher(a Assertion) string {
	parts := []string{"event " + a.Event}
	if a.Boundary != "" {
		parts = append(parts, "boundary="+a.Boundary)
	}
	if a.Key != "" {
		parts = append(parts, "key="+a.Key)
	}
	if a.Slot != "" {
		parts = append(parts, "slot="+a.Slot)
	}
	if a.Lane != "" {
		parts = append(parts, "lane="+a.Lane)
	}
	return strings.Join(parts, " ")
}
