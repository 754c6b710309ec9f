package utils

import (
	"context"
	"time"
)

// Backoff is an exponential retry schedule for re-establishing live feeds.
// Keep it config-driven; defaults should be safe and conservative.
type Backoff struct {
	// Attempts is the number of retries after the first failure.
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func (b Backoff) withDefaults() Backoff {
	out := b
	if out.Attempts <= 0 {
		out.Attempts = 5
	}
	if out.Initial <= 0 {
		out.Initial = 500 * time.Millisecond
	}
	if out.Max <= 0 {
		out.Max = 5 * time.Second
	}
	if out.Max < out.Initial {
		out.Max = out.Initial
	}
	return out
}

// Delay returns the wait before retry n (0-based).
func (b Backoff) Delay(n int) time.Duration {
	b = b.withDefaults()
	d := b.Initial
	for i := 0; i < n; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	return d
}

// Retry calls fn until it succeeds, ctx ends, or the attempts are used up.
// It returns the last error from fn, or ctx.Err() if ctx ended while waiting.
func (b Backoff) Retry(ctx context.Context, fn func(ctx context.Context) error) error {
	b = b.withDefaults()

	err := fn(ctx)
	for n := 0; err != nil && n < b.Attempts; n++ {
		t := time.NewTimer(b.Delay(n))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		err = fn(ctx)
	}
	return err
}
