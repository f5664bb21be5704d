package resilience

import (
	"errors"
	"fmt"
)

// ErrCircuitOpen is returned without calling the dependency while its breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// DependencyUnavailableError is the typed result of an open breaker or exhausted retries.
type DependencyUnavailableError struct {
	Dependency string
	Attempts   int
	Cause      error
}

func (e *DependencyUnavailableError) Error() string {
	return fmt.Sprintf("dependency %s unavailable after %d attempt(s): %v", e.Dependency, e.Attempts, e.Cause)
}

func (e *DependencyUnavailableError) Unwrap() error { return e.Cause }

// IsUnavailable reports whether err is a DependencyUnavailableError.
func IsUnavailable(err error) bool {
	var de *DependencyUnavailableError
	return errors.As(err, &de)
}

// PermanentError marks a dependency failure as non-retriable (4xx, validation).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err is marked as non-retriable.
func IsPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

// ThrottledError marks a call refused by a local rate limiter before it
// reached the dependency. It is retried but never counted by the breaker.
type ThrottledError struct{ Err error }

func (e *ThrottledError) Error() string {
	if e == nil || e.Err == nil {
		return "throttled"
	}
	return e.Err.Error()
}

func (e *ThrottledError) Unwrap() error { return e.Err }

// Throttled wraps err as a ThrottledError.
func Throttled(err error) error {
	if err == nil {
		return nil
	}
	return &ThrottledError{Err: err}
}

// IsThrottled reports whether err was refused by a local rate limiter.
func IsThrottled(err error) bool {
	var terr *ThrottledError
	return errors.As(err, &terr)
}
