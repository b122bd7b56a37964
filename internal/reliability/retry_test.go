package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with correct defaults", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max retries", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, shouldRetry)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative max retries never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Millisecond, 2.0, -1)
		shouldRetry, _ := eb.ShouldRetry(10_000, errors.New("test"))
		assert.True(t, shouldRetry)
	})

	t.Run("NextDelay calculates exponential backoff", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second},
		}

		for _, tt := range tests {
			t.Run(time.Duration(tt.attempt).String(), func(t *testing.T) {
				assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt))
			})
		}
	})

	t.Run("NextDelay with jitter stays within range", func(t *testing.T) {
		eb := NewExponentialBackoff(1*time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 10; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})

	t.Run("respects non-retryable errors", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 1*time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("fatal"), Retryable: false})
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	t.Run("NextDelay always returns same delay", func(t *testing.T) {
		fd := NewFixedDelay(750*time.Millisecond, 10)

		for i := 0; i < 10; i++ {
			assert.Equal(t, 750*time.Millisecond, fd.NextDelay(i))
		}
		assert.Equal(t, 10, fd.MaxRetries())
	})
}

func TestRetry(t *testing.T) {
	t.Run("succeeds on first attempt", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "op", NewFixedDelay(100*time.Millisecond, 3), func(ctx context.Context) error {
			attempts++
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 1, attempts)
	})

	t.Run("retries on failure", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 3), func(ctx context.Context) error {
			attempts++
			if attempts < 3 {
				return errors.New("temporary error")
			}
			return nil
		})

		assert.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("wraps last error after max retries", func(t *testing.T) {
		persistent := errors.New("persistent error")
		attempts := 0
		err := Retry(context.Background(), "connect", NewFixedDelay(time.Millisecond, 2), func(ctx context.Context) error {
			attempts++
			return persistent
		})

		var retryErr *RetryError
		require.ErrorAs(t, err, &retryErr)
		assert.ErrorIs(t, err, persistent)
		assert.ErrorIs(t, err, ErrMaxRetriesExceeded)
		assert.Equal(t, "connect", retryErr.Op)
		assert.Equal(t, 3, retryErr.Attempts)
		assert.Equal(t, 3, attempts)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var attempts atomic.Int32

		go func() {
			time.Sleep(50 * time.Millisecond)
			cancel()
		}()

		err := Retry(ctx, "op", NewFixedDelay(time.Second, 5), func(ctx context.Context) error {
			attempts.Add(1)
			return errors.New("error")
		})

		assert.Equal(t, context.Canceled, err)
		assert.LessOrEqual(t, attempts.Load(), int32(2))
	})

	t.Run("stops on non-retryable error", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), "op", NewFixedDelay(time.Millisecond, 5), func(ctx context.Context) error {
			attempts++
			if attempts == 2 {
				return RetryableError{Err: errors.New("fatal error"), Retryable: false}
			}
			return errors.New("retryable error")
		})

		assert.EqualError(t, err, "fatal error")
		assert.Equal(t, 2, attempts)
	})
}

func TestIsRetryableError(t *testing.T) {
	t.Run("nil error is not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(nil))
	})

	t.Run("RetryableError respects Retryable field", func(t *testing.T) {
		assert.True(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: true}))
		assert.False(t, IsRetryableError(RetryableError{Err: errors.New("test"), Retryable: false}))
	})

	t.Run("open breaker is retryable", func(t *testing.T) {
		assert.True(t, IsRetryableError(gobreaker.ErrOpenState))
	})

	t.Run("sentinels are not retryable", func(t *testing.T) {
		assert.False(t, IsRetryableError(ErrPolicyClosed))
		assert.False(t, IsRetryableError(&RetryError{LastError: errors.New("x")}))
	})

	t.Run("unknown errors are retryable by default", func(t *testing.T) {
		assert.True(t, IsRetryableError(errors.New("unknown error")))
	})
}
