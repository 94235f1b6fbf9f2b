package provider

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Backoff retries rate-limited calls with exponential delay and jitter.
// Other failures return immediately: a malformed response or a dead endpoint
// does not get better by waiting.
type Backoff struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewBackoff returns a policy with the given limits. Zero values get
// conservative defaults.
func NewBackoff(maxAttempts int, baseDelay, maxDelay time.Duration) *Backoff {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = 500 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 8 * time.Second
	}
	return &Backoff{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Do runs fn, retrying while it returns a RateLimitError. The backend's
// retry-after hint wins over the computed delay when present.
func (b *Backoff) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < b.MaxAttempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var rl *RateLimitError
		if !errors.As(lastErr, &rl) {
			return lastErr
		}
		if attempt == b.MaxAttempts-1 {
			break
		}
		delay := b.delayFor(attempt, rl.RetryAfter)
		if err := b.sleep(ctx, delay); err != nil {
			return lastErr
		}
	}
	return lastErr
}

func (b *Backoff) delayFor(attempt int, hint time.Duration) time.Duration {
	if hint > 0 {
		return hint
	}
	delay := b.BaseDelay * (1 << uint(attempt))
	if delay > b.MaxDelay {
		delay = b.MaxDelay
	}
	// Jitter up to 25% spreads concurrent retries apart.
	return delay + time.Duration(rand.Int63n(int64(delay)/4+1))
}
