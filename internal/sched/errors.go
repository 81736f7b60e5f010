package sched

import (
	"errors"
	"fmt"
)

// RenderError reports a failure raised while rendering an update's pass.
//
// Render errors are routed to the nearest error-capable boundary in the
// affected subtree, never to the step loop itself: a single failing update
// must not halt the queue.
type RenderError struct {
	// UpdateID identifies the update whose pass failed.
	UpdateID string

	// Slot is the state slot the update targeted.
	Slot string

	// BoundaryID identifies the affected subtree, when the render layer
	// knows it. Empty means the error is routed to the host's root handler.
	BoundaryID string

	// Err is the underlying cause.
	Err error
}

// Error implements the error interface.
func (e *RenderError) Error() string {
	if e.BoundaryID != "" {
		return fmt.Sprintf("render failed (update=%s, slot=%s, boundary=%s): %v",
			e.UpdateID, e.Slot, e.BoundaryID, e.Err)
	}
	return fmt.Sprintf("render failed (update=%s, slot=%s): %v", e.UpdateID, e.Slot, e.Err)
}

// Unwrap returns the underlying cause.
func (e *RenderError) Unwrap() error { return e.Err }

// IsRenderError returns true if the error is a RenderError.
// Uses errors.As to handle wrapped errors.
func IsRenderError(err error) bool {
	var re *RenderError
	return errors.As(err, &re)
}

// SupersededError reports that a transition was discarded because a newer
// transition started on the same slot before it committed.
//
// Informational, not user-visible: the discarded transition's Pending
// observable still flips to false, and no fallback or error output is shown.
type SupersededError struct {
	TransitionID string // The discarded transition
	Slot         string // The contested state slot
	ByID         string // The superseding transition
}

// Error implements the error interface.
func (e *SupersededError) Error() string {
	return fmt.Sprintf("transition %s superseded by %s on slot %s",
		e.TransitionID, e.ByID, e.Slot)
}

// IsSupersededError returns true if the error is a SupersededError.
func IsSupersededError(err error) bool {
	var se *SupersededError
	return errors.As(err, &se)
}

// RestartsExceededError is returned when a transition's render pass was
// abandoned by urgent interruptions more times than the configured quota.
//
// The quota bounds livelock: without it, a pathological stream of urgent
// updates could restart the same transition pass forever. Exceeding it
// discards the transition like a supersede; the step loop continues.
type RestartsExceededError struct {
	TransitionID string
	UpdateID     string
	Restarts     int
	Limit        int
}

// Error implements the error interface.
func (e *RestartsExceededError) Error() string {
	return fmt.Sprintf("transition %s update %s exceeded restart quota: %d restarts > %d limit",
		e.TransitionID, e.UpdateID, e.Restarts, e.Limit)
}

// IsRestartsExceededError returns true if the error is a RestartsExceededError.
func IsRestartsExceededError(err error) bool {
	var re *RestartsExceededError
	return errors.As(err, &re)
}
