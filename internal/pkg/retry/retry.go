// Package retry provides capped exponential backoff and a retry loop built on it.
//
// Backoff is used on its own by callers that schedule retries across cycles
// (the dispatch queue), while Do wraps a single operation that is retried in place
// (the provider HTTP client).
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Config holds configuration for retry behavior.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (0 means no retries, just the initial attempt).
	MaxRetries int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps exponential growth.
	MaxBackoff time.Duration

	// BackoffFactor is the multiplier applied after each retry (default: 2.0).
	BackoffFactor float64

	// Jitter adds randomness to backoff to prevent thundering herd.
	// When true, actual backoff is: backoff + rand(0, backoff)
	Jitter bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     100 * time.Millisecond,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

func (c Config) withDefaults() Config {
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 10 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Backoff returns the delay before retry number attempt (1-indexed):
// InitialBackoff * BackoffFactor^(attempt-1), capped at MaxBackoff. Jitter is not applied.
func (c Config) Backoff(attempt int) time.Duration {
	c = c.withDefaults()
	if attempt <= 1 {
		return c.InitialBackoff
	}

	backoff := float64(c.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= c.BackoffFactor
		if backoff >= float64(c.MaxBackoff) {
			return c.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

func (c Config) jittered(d time.Duration) time.Duration {
	if !c.Jitter || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Int63n(int64(d)))
}

// IsRetryableFunc determines if an error should trigger a retry.
type IsRetryableFunc func(error) bool

// OnRetryFunc is called before each retry attempt (optional, for logging/metrics).
// attempt is 1-indexed (first retry is attempt 1).
type OnRetryFunc func(attempt int, err error, backoff time.Duration)

// Do executes the given function with retry logic.
// It returns the result of the function or the last error if all retries are exhausted.
//
// The function is called at least once. If it returns an error and isRetryable returns true,
// it will be retried up to cfg.MaxRetries additional times.
//
// Example:
//
//	height, err := retry.Do(ctx, retry.DefaultConfig(), isTransientError, nil, func() (uint64, error) {
//	    return provider.GetHeight(ctx)
//	})
func Do[T any](
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() (T, error),
) (T, error) {
	var zero T
	var lastErr error

	cfg = cfg.withDefaults()

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := cfg.jittered(cfg.Backoff(attempt))

			if onRetry != nil {
				onRetry(attempt, lastErr, backoff)
			}

			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, fmt.Errorf("context cancelled while retrying: %w", ctx.Err())
			case <-timer.C:
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		lastErr = err

		if !isRetryable(err) {
			return zero, err
		}
	}

	return zero, fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// DoVoid is like Do but for functions that don't return a value.
func DoVoid(
	ctx context.Context,
	cfg Config,
	isRetryable IsRetryableFunc,
	onRetry OnRetryFunc,
	fn func() error,
) error {
	_, err := Do(ctx, cfg, isRetryable, onRetry, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
