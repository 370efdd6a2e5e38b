package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrDeferred is the marker for voluntary deferral: the task is not failing,
// it is waiting for a condition and reschedules itself. Deferral does not
// consume a retry attempt.
var ErrDeferred = errors.New("task deferred")

// DeferredError carries the delay after which a deferred task becomes
// eligible again
type DeferredError struct {
	Delay time.Duration
}

func (e *DeferredError) Error() string {
	return fmt.Sprintf("%v, eligible again in %s", ErrDeferred, e.Delay)
}

func (e *DeferredError) Unwrap() error {
	return ErrDeferred
}

// Defer reschedules the current task after the given delay
func Defer(delay time.Duration) error {
	return &DeferredError{Delay: delay}
}

// PermanentError marks a failure that retrying cannot fix, e.g. a malformed
// dependency reference. The worker fails the task immediately instead of
// applying its retry policy.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return "permanent: " + e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so the worker will not retry it
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// RetryAfterError is a transient failure where the connector suggested its
// own retry delay, overriding the worker's backoff
type RetryAfterError struct {
	Delay time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%v (retry after %s)", e.Err, e.Delay)
}

func (e *RetryAfterError) Unwrap() error {
	return e.Err
}
