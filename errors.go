package progresssync

import (
	"errors"
	"fmt"
)

var (
	// ErrQuotaExceeded is returned when a namespace is full even after eviction.
	ErrQuotaExceeded = errors.New("local store quota exceeded")

	// ErrTransient marks a failure that is worth retrying with backoff:
	// timeouts, transport errors and 5xx responses.
	ErrTransient = errors.New("transient network error")

	// ErrConflict marks a permanent rejection by the server. The mutation
	// must be surfaced for manual resolution and never discarded.
	ErrConflict = errors.New("permanent conflict")

	// ErrUnauthorized marks a request the server refused for its credentials.
	// It says nothing about the mutation itself, which stays queued.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrUnavailable is returned when a read could not reach the network and
	// no cached fallback exists.
	ErrUnavailable = errors.New("resource unavailable offline")
)

// TransientError carries the HTTP status (0 for transport failures) of a
// retryable failure.
type TransientError struct {
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("transient failure: status %d: %v", e.Status, e.Err)
	}
	return fmt.Sprintf("transient failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is reports ErrTransient as a match.
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// ConflictError is a permanent rejection of a mutation by the server.
type ConflictError struct {
	Status int
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (status %d): %s", e.Status, e.Reason)
}

// Is reports ErrConflict as a match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsConflict reports whether err is a permanent rejection.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
