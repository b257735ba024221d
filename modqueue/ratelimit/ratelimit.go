package ratelimit

import (
	"context"
	"time"
)

const (
	DefaultLimit  = 3
	DefaultWindow = 300 * time.Second
)

// Decision is the outcome of a single admission check. Denial is a normal outcome, not an error.
type Decision struct {
	Allowed bool
	// when denied, how long until the oldest counted submission leaves the window
	RetryAfter time.Duration
}

// Limiter is a per-submitter sliding-window log: at most Limit admissions within any trailing Window.
//
// Admit prunes timestamps strictly older than now-Window, then admits (recording now) if fewer than Limit remain. Refund removes the timestamp recorded by an earlier Admit at the same instant.
type Limiter interface {
	Admit(ctx context.Context, submitterID int64, now time.Time) (Decision, error)
	Refund(ctx context.Context, submitterID int64, at time.Time) error
}

func retryAfter(oldest time.Time, window time.Duration, now time.Time) time.Duration {
	d := oldest.Add(window).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
