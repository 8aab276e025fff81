package domain

import "errors"

var (
	// ErrJobAlreadyClaimed is returned when a job is no longer pending
	ErrJobAlreadyClaimed = errors.New("job already claimed or not in pending status")

	// ErrInvalidPayload is returned when a job payload cannot be rated
	ErrInvalidPayload = errors.New("invalid job payload")

	// ErrInvalidMessage is returned for queue messages that can never be processed
	ErrInvalidMessage = errors.New("invalid batch message")
)

// RetryableError wraps transient errors that should trigger a requeue
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return "retryable error: " + e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// NewRetryableError creates a new retryable error
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}
