package domain

import "errors"

var (
	// ErrRunNotFound is returned when a test run record does not exist
	ErrRunNotFound = errors.New("test run not found")

	// ErrInvalidTransition is returned when a status write would move a record backward
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInput is returned for malformed submissions
	ErrInvalidInput = errors.New("invalid input")

	// ErrEntryNotFound is returned when the queue holds no entry for a job id
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrLeaseLost is returned when a worker no longer holds the lease it is acting on
	ErrLeaseLost = errors.New("lease not held by worker")
)

// RetryableError wraps transient infrastructure errors that should trigger redelivery
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

// IsRetryable reports whether err, or anything it wraps, is a RetryableError
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}
