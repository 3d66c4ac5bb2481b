// Package resilience provides retry and circuit breaker primitives for
// idempotent provider calls.
//
// Streaming generation is never retried here: replaying a stream would
// duplicate partial output already applied to a session. Only non-streaming,
// idempotent calls (summarisation, consistency checks) go through [Retry],
// and only for errors the caller classifies as transient.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig tunes [Retry]. Zero-value fields get sensible defaults.
type RetryConfig struct {
	// MaxAttempts is the total number of tries, including the first.
	// Default: 3.
	MaxAttempts int

	// BaseDelay is the backoff before the first retry. Each subsequent
	// retry doubles it. Default: 500ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff regardless of attempt count. Default: 8s.
	MaxDelay time.Duration
}

func (c RetryConfig) withDefaults() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 8 * time.Second
	}
	return c
}

// Retry runs fn up to cfg.MaxAttempts times, sleeping with exponential
// backoff plus jitter between tries. A retry happens only when retryable
// reports the returned error as transient; any other error, or exhausting
// the attempt budget, returns the last error unchanged. Context cancellation
// during a backoff sleep returns ctx.Err().
func Retry(ctx context.Context, cfg RetryConfig, retryable func(error) bool, fn func(context.Context) error) error {
	cfg = cfg.withDefaults()

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == cfg.MaxAttempts {
			return lastErr
		}

		delay := backoff(cfg, attempt)
		slog.Debug("retrying transient failure",
			"attempt", attempt,
			"max_attempts", cfg.MaxAttempts,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return fmt.Errorf("resilience: retry interrupted: %w", ctx.Err())
		case <-time.After(delay):
		}
	}
	return lastErr
}

// backoff computes the sleep before the retry following the given attempt:
// BaseDelay doubled per attempt, capped at MaxDelay, with jitter spreading
// the result over [50%, 100%] so concurrent callers fan out.
func backoff(cfg RetryConfig, attempt int) time.Duration {
	d := cfg.BaseDelay << (attempt - 1)
	if d > cfg.MaxDelay || d <= 0 {
		d = cfg.MaxDelay
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)+1))
}
