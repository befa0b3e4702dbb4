package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFixedInterval(t *testing.T) {
	t.Run("retries forever when max attempts is zero", func(t *testing.T) {
		policy := NewFixedInterval(5*time.Second, 0)

		for _, attempt := range []int{1, 10, 10_000} {
			shouldRetry, delay := policy.ShouldRetry(attempt, errors.New("dial tcp: refused"))
			assert.True(t, shouldRetry)
			assert.Equal(t, 5*time.Second, delay)
		}
	})

	t.Run("stops at max attempts", func(t *testing.T) {
		policy := NewFixedInterval(time.Second, 2)

		shouldRetry, _ := policy.ShouldRetry(1, errors.New("boom"))
		assert.True(t, shouldRetry)

		shouldRetry, delay := policy.ShouldRetry(2, errors.New("boom"))
		assert.False(t, shouldRetry)
		assert.Zero(t, delay)
	})

	t.Run("does not retry non-retryable errors", func(t *testing.T) {
		policy := NewFixedInterval(time.Second, 0)

		shouldRetry, _ := policy.ShouldRetry(1, RetryableError{Err: errors.New("bad config"), Retryable: false})
		assert.False(t, shouldRetry)
	})
}

func TestExponentialBackoff(t *testing.T) {
	t.Run("creates with jitter enabled", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 3, eb.MaxRetries())
		assert.True(t, eb.Jitter)
	})

	t.Run("NextDelay doubles and caps at max", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 0)
		eb.Jitter = false

		assert.Equal(t, 100*time.Millisecond, eb.NextDelay(1))
		assert.Equal(t, 200*time.Millisecond, eb.NextDelay(2))
		assert.Equal(t, 400*time.Millisecond, eb.NextDelay(3))
		assert.Equal(t, time.Second, eb.NextDelay(10))
	})

	t.Run("jitter stays within fifteen percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 0)

		for i := 0; i < 50; i++ {
			delay := eb.NextDelay(1)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
		}
	})
}

func TestRetry(t *testing.T) {
	t.Run("returns nil once fn succeeds", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedInterval(time.Millisecond, 5), func() error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("returns last error when policy gives up", func(t *testing.T) {
		lastErr := errors.New("still failing")
		err := Retry(context.Background(), NewFixedInterval(time.Millisecond, 2), func() error {
			return lastErr
		})

		assert.ErrorIs(t, err, lastErr)
	})

	t.Run("stops when context is cancelled", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		var calls atomic.Int32

		err := Retry(ctx, NewFixedInterval(time.Hour, 0), func() error {
			calls.Add(1)
			cancel()
			return errors.New("fails")
		})

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(1), calls.Load())
	})
}
