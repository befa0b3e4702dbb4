package reliability

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy decides whether and when a failed operation is attempted again.
// Attempt numbers start at 1 for the first failure.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt is allowed and the delay before it
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the maximum number of retries, 0 means unbounded
	MaxRetries() int
	// NextDelay calculates the delay before the given attempt
	NextDelay(attempt int) time.Duration
}

// FixedInterval waits the same delay before every attempt.
type FixedInterval struct {
	Interval    time.Duration
	MaxAttempts int // 0 retries forever
}

// NewFixedInterval creates a fixed interval policy
func NewFixedInterval(interval time.Duration, maxRetries int) *FixedInterval {
	return &FixedInterval{Interval: interval, MaxAttempts: maxRetries}
}

// ShouldRetry implements RetryPolicy
func (f *FixedInterval) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !allowed(f.MaxAttempts, attempt, err) {
		return false, 0
	}
	return true, f.Interval
}

// MaxRetries implements RetryPolicy
func (f *FixedInterval) MaxRetries() int { return f.MaxAttempts }

// NextDelay implements RetryPolicy
func (f *FixedInterval) NextDelay(int) time.Duration { return f.Interval }

// ExponentialBackoff grows the delay by Multiplier per attempt up to
// MaxInterval, with up to 15% jitter either way.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // 0 retries forever
	Jitter          bool
}

// NewExponentialBackoff creates a jittered exponential policy
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if !allowed(e.MaxAttempts, attempt, err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy
func (e *ExponentialBackoff) MaxRetries() int { return e.MaxAttempts }

// NextDelay implements RetryPolicy
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	multiplier := e.Multiplier
	if multiplier < 1 {
		multiplier = 2
	}

	delay := float64(e.InitialInterval) * math.Pow(multiplier, float64(max(attempt, 1)-1))
	if e.MaxInterval > 0 {
		delay = math.Min(delay, float64(e.MaxInterval))
	}
	if e.Jitter {
		delay *= 0.85 + 0.3*rand.Float64()
	}

	return time.Duration(delay)
}

func allowed(maxAttempts, attempt int, err error) bool {
	if maxAttempts > 0 && attempt >= maxAttempts {
		return false
	}
	return isRetryableError(err)
}

// Retry calls fn until it succeeds, the policy gives up or ctx is done.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			return nil
		}

		again, delay := policy.ShouldRetry(attempt, err)
		if !again {
			return err
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// isRetryableError treats errors without an IsRetryable method as transient
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if r, ok := err.(interface{ IsRetryable() bool }); ok {
		return r.IsRetryable()
	}
	return true
}

// RetryableError marks whether the wrapped error may be retried
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string { return r.Err.Error() }

// IsRetryable reports the mark
func (r RetryableError) IsRetryable() bool { return r.Retryable }

func (r RetryableError) Unwrap() error { return r.Err }
