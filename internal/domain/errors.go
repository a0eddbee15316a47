package domain

import (
	"errors"
	"fmt"
)

// ErrNoBatchAvailable is returned by the Store when no claimable batch exists.
// Callers treat this as "empty queue", not a failure.
var ErrNoBatchAvailable = errors.New("no batch available to claim")

// ErrJobOwnershipLost is returned when a caller attempts to mutate a Job or
// Batch it no longer owns — another worker reclaimed it, or it was cancelled.
var ErrJobOwnershipLost = errors.New("job ownership lost")

// ErrRecipientsEmpty is returned by Queue.Submit for a job spec with zero
// recipients (§8 boundary behavior).
var ErrRecipientsEmpty = errors.New("job spec has no recipients")

// RetryableError wraps a transient error. The Store backends wrap their
// driver errors with Transient. Nothing in the Worker or Retry Controller
// retries on it: a Store error ends the Worker's run loop, and provider
// failures are routed on provider.Result.ErrorClass instead.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string { return e.Err.Error() }
func (e RetryableError) Unwrap() error { return e.Err }

// Transient wraps err to signal it should be retried with bounded backoff.
func Transient(err error) error {
	return RetryableError{Err: err}
}

// IsRetryable reports whether err (or a wrapped cause) is a RetryableError.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// PermanentError wraps a recipient-level permanent failure — invalid address,
// provider-classified 4xx content rejection, blocked sender. No RetryTask is
// created; the SendRecord becomes failed terminally at first attempt.
type PermanentError struct {
	Err error
}

func (e PermanentError) Error() string { return e.Err.Error() }
func (e PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err to signal it must not be retried.
func Permanent(err error) error {
	return PermanentError{Err: err}
}

// IsPermanent reports whether err is a PermanentError.
func IsPermanent(err error) bool {
	var permanent PermanentError
	return errors.As(err, &permanent)
}

// PanicError records a recovered panic from recipient processing. Workers
// that observe one transition to WorkerError; the batch is released for
// another worker to reclaim rather than retried in-place.
type PanicError struct {
	Value      any
	StackTrace string
}

func (e PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// IsPanic reports whether err is a PanicError.
func IsPanic(err error) bool {
	var panicErr PanicError
	return errors.As(err, &panicErr)
}

// JobCancelledError indicates an operator cancelled the Job mid-flight.
// No component returns or checks it; see store.CancelStore for what
// cancelling a Job does.
type JobCancelledError struct {
	Reason string
}

func (e JobCancelledError) Error() string {
	return fmt.Sprintf("job cancelled: %s", e.Reason)
}

// IsJobCancelled reports whether err is a JobCancelledError.
func IsJobCancelled(err error) bool {
	var cancelled JobCancelledError
	return errors.As(err, &cancelled)
}
