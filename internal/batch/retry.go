package batch

import (
	"context"
	"math"
	"time"
)

// RetryPolicy describes how a failed chunk write is retried. Limit is the
// total number of write attempts, so Limit=1 disables retries.
type RetryPolicy struct {
	Limit        int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Limit:        3,
		InitialDelay: 200 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     time.Second,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Limit <= 0 {
		p.Limit = def.Limit
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = def.InitialDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.MaxDelay < p.InitialDelay {
		p.MaxDelay = p.InitialDelay
	}
	return p
}

// Delay is the wait before retry number k (k starts at 1):
// min(InitialDelay * Multiplier^(k-1), MaxDelay).
func (p RetryPolicy) Delay(k int) time.Duration {
	if k < 1 {
		k = 1
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(k-1))
	if d >= float64(p.MaxDelay) || math.IsInf(d, 0) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
