package adapter

import (
	"context"
	"time"
)

// Backoff retries transient provider errors with capped exponential
// delays. Auth failures and non-transient errors are returned
// immediately.
type Backoff struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// DefaultBackoff matches the engine's bounded retry policy: 5 attempts,
// 500ms base, 30s cap.
func DefaultBackoff() Backoff {
	return Backoff{MaxAttempts: 5, Base: 500 * time.Millisecond, Cap: 30 * time.Second}
}

// Do invokes fn until it succeeds, returns a non-transient error, or
// the attempt budget is exhausted (the last transient error is
// returned). The context bounds the total wait.
func (b Backoff) Do(ctx context.Context, fn func() error) error {
	attempts := b.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := b.sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var err error
	delay := b.Base
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if serr := sleep(ctx, delay); serr != nil {
				return serr
			}
			delay *= 2
			if b.Cap > 0 && delay > b.Cap {
				delay = b.Cap
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
