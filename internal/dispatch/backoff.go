package dispatch

import (
	"context"
	"math/rand/v2"
	"time"
)

// BackoffConfig controls retries of transient send failures.
type BackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxAttempts  int
	Jitter       bool
}

// DefaultBackoffConfig returns the retry policy used when none is configured.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  3,
		Jitter:       true,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	return c
}

// delay returns the wait before the attempt following attempt.
// A provider-requested retryAfter wins when it is longer, up to MaxDelay.
func (c BackoffConfig) delay(attempt int, retryAfter time.Duration) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
	}
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}

	// +/-25%
	if c.Jitter {
		d += (rand.Float64() - 0.5) * 0.5 * d
		if d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
	}

	out := time.Duration(d)
	if retryAfter > out {
		out = min(retryAfter, c.MaxDelay)
	}
	return out
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
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
