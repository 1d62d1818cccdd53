package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects max attempts", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			retry, delay := eb.ShouldRetry(i, errors.New("test"))
			assert.True(t, retry)
			assert.Greater(t, delay, time.Duration(0))
		}

		retry, delay := eb.ShouldRetry(3, errors.New("test"))
		assert.False(t, retry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("negative max attempts retries forever", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, -1)

		retry, _ := eb.ShouldRetry(1000, errors.New("test"))
		assert.True(t, retry)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{4, 1600 * time.Millisecond},
			{10, 10 * time.Second},
			{5000, 10 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within 15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		for i := 0; i < 50; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(50*time.Millisecond, 2)

	retry, delay := fd.ShouldRetry(0, errors.New("test"))
	assert.True(t, retry)
	assert.Equal(t, 50*time.Millisecond, delay)

	retry, _ = fd.ShouldRetry(2, errors.New("test"))
	assert.False(t, retry)
	assert.Equal(t, 50*time.Millisecond, fd.NextDelay(7))
}

func TestRetry(t *testing.T) {
	t.Run("succeeds after failures", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(attempt int) error {
			assert.Equal(t, attempts, attempt)
			attempts++
			if attempts < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns last error when exhausted", func(t *testing.T) {
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func(int) error {
			attempts++
			return errors.New("always")
		})

		assert.EqualError(t, err, "always")
		assert.Equal(t, 3, attempts)
	})

	t.Run("stops on permanent error", func(t *testing.T) {
		base := errors.New("bad credentials")
		attempts := 0
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func(int) error {
			attempts++
			return Permanent(base)
		})

		assert.ErrorIs(t, err, base)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		err := Retry(ctx, NewFixedDelay(time.Hour, -1), func(int) error {
			cancel()
			return errors.New("fail")
		})

		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.True(t, IsRetryable(errors.New("x")))
	assert.False(t, IsRetryable(Permanent(errors.New("x"))))
	assert.True(t, IsRetryable(&RetryableError{Err: errors.New("x"), Retryable: true}))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.Nil(t, Permanent(nil))
}
