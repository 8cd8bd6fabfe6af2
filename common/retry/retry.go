// Package retry provides exponential back-off for process bootstrap, invite
// joins and the Matrix sync loop. The relay core (message log, turn
// handling) never retries; failures there are reported once and the event is
// dropped.
//
// Usage:
//
//	userID, err := retry.Value(ctx, retry.DefaultConfig, func(ctx context.Context) (string, error) {
//	    return client.Whoami(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int
	// InitialDelay is the wait before the second attempt.
	// Subsequent delays are doubled up to MaxDelay.
	InitialDelay time.Duration
	// MaxDelay caps the per-attempt wait.
	MaxDelay time.Duration
	// ShouldRetry classifies errors as retryable. When nil, all non-nil
	// errors are retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig suits short-lived network calls made during startup.
var DefaultConfig = Config{
	MaxAttempts:  3,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     10 * time.Second,
}

// Do calls fn until it succeeds, returns a non-retryable error, ctx ends, or
// cfg.MaxAttempts is reached. The error from the last attempt is returned.
func Do(ctx context.Context, cfg Config, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for functions that produce a result.
func Value[T any](ctx context.Context, cfg Config, fn func(ctx context.Context) (T, error)) (T, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(error) bool { return true }
	}
	b := Backoff{Min: cfg.InitialDelay, Max: cfg.MaxDelay}

	var zero T
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errors.Join(lastErr, err)
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if !shouldRetry(err) || attempt == cfg.MaxAttempts {
			break
		}

		delay := b.Next()
		slog.Debug("retry: attempt failed, retrying",
			"attempt", attempt, "max", cfg.MaxAttempts,
			"err", err, "delay", delay)
		select {
		case <-ctx.Done():
			return zero, errors.Join(lastErr, ctx.Err())
		case <-time.After(delay):
		}
	}
	return zero, lastErr
}

// Backoff yields exponentially growing delays between Min and Max. The zero
// value uses DefaultConfig's bounds. It is not safe for concurrent use.
type Backoff struct {
	Min time.Duration
	Max time.Duration

	cur time.Duration
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	if b.Min <= 0 {
		b.Min = DefaultConfig.InitialDelay
	}
	if b.Max < b.Min {
		b.Max = max(DefaultConfig.MaxDelay, b.Min)
	}
	if b.cur == 0 {
		b.cur = b.Min
	}
	d := b.cur
	b.cur = min(b.cur*2, b.Max)
	return d
}

// Reset makes the next delay Min again.
func (b *Backoff) Reset() { b.cur = 0 }
