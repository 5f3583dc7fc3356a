package engine

import (
	"context"
	"math/rand"
	"time"
)

// Backoff doubles Base after each failed attempt, capped at Max. Jitter
// spreads each delay by ±Jitter (0.2 = 20%); 0 gives the exact 1s, 2s, 4s
// sequence.
type Backoff struct {
	Base   time.Duration // default 1s
	Max    time.Duration // default 1m
	Jitter float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = time.Second
	}
	if b.Max <= 0 {
		b.Max = time.Minute
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	return b
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int, rng *rand.Rand) time.Duration {
	b = b.withDefaults()
	d := b.Base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			d = b.Max
			break
		}
	}
	if b.Jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// sleepCtx waits d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
