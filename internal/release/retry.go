package release

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of transient store failures
type RetryPolicy struct {
	// MaxAttempts counts the first try; values below 1 mean 1
	MaxAttempts int
	// BaseDelay is the wait before the second attempt. It doubles for
	// each further attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait; zero means uncapped
	MaxDelay time.Duration
}

// DefaultRetryPolicy covers brief rate limits and server hiccups without
// stalling a CI job for long.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 3,
	BaseDelay:   time.Second,
	MaxDelay:    30 * time.Second,
}

// backoff returns the wait before the given attempt (1-based retries)
func (p RetryPolicy) backoff(retry int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < retry; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// retry runs fn until it succeeds, fails permanently, runs out of
// attempts, or ctx is done.
func retry(ctx context.Context, policy RetryPolicy, logger *slog.Logger, op string, fn func(context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, policy.backoff(attempt)); err != nil {
				return fmt.Errorf("%s: %w (last error: %v)", op, err, lastErr)
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || !IsTransient(err) {
			return err
		}

		logger.Warn("transient store failure, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", attempts,
			"error", err)
	}
	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
