package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job record cannot be found
	ErrJobNotFound = errors.New("job not found")

	// ErrJobAlreadyDone is returned when a redelivered message refers to a
	// record that already reached a terminal state; safe to acknowledge.
	ErrJobAlreadyDone = errors.New("job already in terminal state")

	// ErrMaxAttemptsExceeded is returned when a job has used up its attempts
	ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

	// ErrMissingArtifact is returned when the executable exits zero but the
	// expected output artifact is absent
	ErrMissingArtifact = errors.New("expected output artifact missing")
)

// RetryableError wraps transient failures that should trigger a requeue
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
