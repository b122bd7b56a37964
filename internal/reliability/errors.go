package reliability

import (
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
)

var (
	// Retry errors
	ErrMaxRetriesExceeded = errors.New("retry: maximum attempts exceeded")
	ErrNonRetryable       = errors.New("retry: error is not retryable")

	// Reconnect errors
	ErrReconnectInProgress = errors.New("reconnect: already in progress")
	ErrPolicyClosed        = errors.New("reconnect: policy closed")
	ErrNotAttached         = errors.New("reconnect: no connector attached")

	// Dead letter errors
	ErrNoDeadLetterSender = errors.New("dead letter: no sender configured")
	ErrInvalidDeadLetter  = errors.New("dead letter: invalid message")
)

// RetryError represents a retry operation error
type RetryError struct {
	Op          string
	Attempts    int
	MaxAttempts int
	LastError   error
	Duration    time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retry failed: %s after %d/%d attempts over %v: %v",
		e.Op, e.Attempts, e.MaxAttempts, e.Duration.Round(time.Millisecond), e.LastError)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrMaxRetriesExceeded, e.LastError}
}

// DeadLetterError represents a failure to route a message to the dead letter destination
type DeadLetterError struct {
	Destination string
	MessageID   string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("dead letter error: %s failed for message %s to %s: %v",
		e.Op, e.MessageID, e.Destination, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrNonRetryable):
		return false
	case errors.Is(err, ErrMaxRetriesExceeded):
		return false
	case errors.Is(err, ErrPolicyClosed):
		return false
	case errors.Is(err, ErrInvalidDeadLetter):
		return false
	}

	// an open breaker recovers once its timeout elapses
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}

	type retryable interface {
		IsRetryable() bool
	}
	var r retryable
	if errors.As(err, &r) {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error to indicate it's retryable
type RetryableError struct {
	Err       error
	Retryable bool
}

// Error implements error interface
func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error
func (r RetryableError) Unwrap() error {
	return r.Err
}
