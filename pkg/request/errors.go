package request

import (
	"errors"
	"fmt"
)

// Errors delivered to callers through their Future.
var (
	// ErrNotFound is returned when an identifier is absent from a merged select or delete.
	ErrNotFound = errors.New("not found")

	// ErrQueueCleared is returned to every request pending when the queue is cleared.
	ErrQueueCleared = errors.New("queue cleared")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrInvalidRequest is returned when a request is rejected at submission.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrSchedulerClosed is returned for requests submitted to or pending in a closed scheduler.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrResultMismatch is returned when a merged insert returns a different number of rows
	// than were submitted.
	ErrResultMismatch = errors.New("backend result does not match request")
)

// NotFoundError names the identifier a merged call did not return.
type NotFoundError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Resource, e.ID, ErrNotFound)
}

// Is makes errors.Is(err, ErrNotFound) true.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// RetryExhaustedError is the terminal error of a request whose batch kept failing.
type RetryExhaustedError struct {
	Attempts int
	Cause    error
}

// Error implements the error interface.
func (e *RetryExhaustedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v after %d attempts: %v", ErrRetryExhausted, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("%v after %d attempts", ErrRetryExhausted, e.Attempts)
}

// Is makes errors.Is(err, ErrRetryExhausted) true.
func (e *RetryExhaustedError) Is(target error) bool {
	return target == ErrRetryExhausted
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RetryExhaustedError) Unwrap() error {
	return e.Cause
}
