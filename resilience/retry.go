package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig defines how an operation is retried
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt
	MaxRetries int

	// InitialBackoff is the delay before the first retry
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts
	MaxBackoff time.Duration

	// BackoffMultiplier grows the delay after each retry
	BackoffMultiplier float64

	// Jitter adds a random +/-10% to each delay
	Jitter bool

	// RetryableErrors decides whether an error is worth another attempt
	RetryableErrors func(error) bool
}

// DefaultRetryConfig returns a default configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries everything except cancellation and open or
// timed out circuit breakers.
func DefaultRetryableErrors(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrCircuitBreakerTimeout):
		return false
	}
	return true
}

// RetryStats records what happened during Retry
type RetryStats struct {
	Attempts int
	Retries  int
	Backoff  time.Duration
}

// Retry runs fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. An exhausted budget returns the last error
// marked with ErrTooManyFailures.
func Retry(ctx context.Context, config RetryConfig, fn func(ctx context.Context) error) (RetryStats, error) {
	var stats RetryStats
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := calculateBackoff(attempt-1, config)
			stats.Retries++
			stats.Backoff += backoff
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return stats, errors.WithSecondaryError(ctx.Err(), lastErr)
			case <-timer.C:
			}
		}
		stats.Attempts++
		lastErr = fn(ctx)
		if lastErr == nil {
			return stats, nil
		}
		if !retryable(lastErr) || ctx.Err() != nil {
			return stats, lastErr
		}
	}
	return stats, errors.Mark(lastErr, ErrTooManyFailures)
}

// calculateBackoff returns the delay before retry number attempt (zero based)
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	multiplier := config.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	backoff := float64(config.InitialBackoff) * math.Pow(multiplier, float64(attempt))
	if config.MaxBackoff > 0 && backoff > float64(config.MaxBackoff) {
		backoff = float64(config.MaxBackoff)
	}
	if config.Jitter {
		backoff += backoff * (rand.Float64()*0.2 - 0.1)
	}
	return time.Duration(backoff)
}
