/*
errors.go - Centralized error types for the limit engine

PURPOSE:
  All error types the engine and its collaborators raise, in one place.
  Store packages wrap these where the story benefits from more context.

ERROR CATEGORIES:
  1. Business errors - expected outcomes of a consume call, not bugs
  2. Transient errors - retryable failures against the fast or record store
  3. Concurrency errors - a sync trigger arriving while a sync is running

SEE ALSO:
  - limitengine.go: uses these errors
  - ../store/fast: wraps TransientError with its own cause
*/
package engine

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientLimit is returned when remaining < amount requested.
	ErrInsufficientLimit = errors.New("insufficient limit")

	// ErrDateNotFound is returned when no record-store row exists for a date.
	ErrDateNotFound = errors.New("date not found")

	// ErrInvalidAmount is returned when amount <= 0.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrConcurrentSync is returned when a sync tick is already running and
	// a second trigger (e.g. a manual /sync call) arrives.
	ErrConcurrentSync = errors.New("sync already in progress")

	// ErrFastStoreUnavailable is returned when the fast store cannot be
	// reached and cache.enabled=false has not been configured as a fallback.
	ErrFastStoreUnavailable = errors.New("fast store unavailable")
)

// =============================================================================
// STRUCTURED ERRORS - carry additional context
// =============================================================================

// TransientError wraps an underlying cause from a fast-store or record-store
// round trip that the caller may retry. Consume returns it as the error
// value alongside a ConsumeResult with Success=false and an "Error: ..."
// message.
type TransientError struct {
	Op    string
	Cause error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient error during %s: %v", e.Op, e.Cause)
}

func (e *TransientError) Unwrap() error {
	return e.Cause
}

func newTransientError(op string, cause error) *TransientError {
	return &TransientError{Op: op, Cause: cause}
}

// TransientErrorFrom builds a *TransientError for use by store/fast and
// store/record adapters, which run outside the engine package but need
// to report failures in the same shape.
func TransientErrorFrom(op string, cause error) *TransientError {
	return newTransientError(op, cause)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsBusinessError reports whether err is an expected consume outcome rather
// than an infrastructure failure.
func IsBusinessError(err error) bool {
	return errors.Is(err, ErrInsufficientLimit) ||
		errors.Is(err, ErrDateNotFound) ||
		errors.Is(err, ErrInvalidAmount)
}

// IsTransientError reports whether err (or something it wraps) is a
// TransientError eligible for client retry.
func IsTransientError(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
