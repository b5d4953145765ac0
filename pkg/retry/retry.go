package retry

import (
	"context"
	"fmt"
	"time"
)

// ExponentialDelay returns base * 2^n, the wait before the nth retry of a
// task (n is 1-indexed: the first retry waits base*2).
func ExponentialDelay(base time.Duration, n int) time.Duration {
	if n < 0 {
		n = 0
	}
	return base * time.Duration(1<<uint(n))
}

// FixedDelay returns the flat delay used by recurring-job retries,
// regardless of the attempt number.
func FixedDelay(delay time.Duration, _ int) time.Duration {
	return delay
}

// Config controls retry behaviour for blocking infrastructure calls.
type Config struct {
	// MaxAttempts is the total number of calls including the first attempt.
	MaxAttempts int
	// BaseDelay is the base for exponential backoff: wait = BaseDelay * 2^attempt.
	BaseDelay time.Duration
	// OnRetry is called after a failed attempt and before the next delay.
	// attempt is 1-indexed (1 = first attempt just failed).
	OnRetry func(attempt int, err error)
}

// Do calls fn up to cfg.MaxAttempts times with exponential backoff between
// attempts. It is meant for transient infrastructure errors (broker
// publishes, store writes); the core's task retries are timer-driven and
// use ExponentialDelay/FixedDelay directly instead of blocking here.
//
// Wait schedule with BaseDelay=1s: 2s, 4s, 8s, ...
//
// Returns nil on first success, or the last error after all attempts.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		// Last attempt, no delay, just return the error.
		if attempt == cfg.MaxAttempts {
			break
		}

		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, lastErr)
		}

		select {
		case <-time.After(ExponentialDelay(cfg.BaseDelay, attempt)):
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
		}
	}
	return lastErr
}
