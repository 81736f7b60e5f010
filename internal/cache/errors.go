package cache

import (
	"errors"
	"fmt"
)

// FetchError reports that a loader rejected.
//
// Fetch errors bubble through the suspension boundary error path (nearest
// error-capable ancestor), never silently. The table records a negative
// entry for the key; retry happens by re-invoking the loader on the next
// Get after the entry is evicted - the core itself does not retry.
type FetchError struct {
	Key string
	Err error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch failed (key=%s): %v", e.Key, e.Err)
}

// Unwrap returns the underlying loader error.
func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError returns true if the error is a FetchError.
// Uses errors.As to handle wrapped errors.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// TimeoutError reports that a fetch exceeded its attached deadline.
//
// Surfaces through the same path as a fetch error - a timeout is not a
// distinct fatal condition.
type TimeoutError struct {
	Key string
	Err error // underlying context error, if any
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetch deadline exceeded (key=%s)", e.Key)
}

// Unwrap returns the underlying context error.
func (e *TimeoutError) Unwrap() error { return e.Err }

// IsTimeoutError returns true if the error is a TimeoutError.
func IsTimeoutError(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
