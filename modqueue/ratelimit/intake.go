package ratelimit

import (
	"time"

	"github.com/RussellLuo/slidingwindow"
)

// IntakeGuard caps the total number of submissions accepted per hour, across all submitters. It is a coarse flood guard in front of the per-submitter Limiter; counting is approximate (weighted sliding window).
//
// A nil *IntakeGuard allows everything.
type IntakeGuard struct {
	lim  *slidingwindow.Limiter
	stop slidingwindow.StopFunc
}

func windowFunc() (slidingwindow.Window, slidingwindow.StopFunc) {
	return slidingwindow.NewLocalWindow()
}

// NewIntakeGuard returns nil when perHour is not positive.
func NewIntakeGuard(perHour int64) *IntakeGuard {
	if perHour <= 0 {
		return nil
	}
	lim, stop := slidingwindow.NewLimiter(time.Hour, perHour, windowFunc)
	return &IntakeGuard{lim: lim, stop: stop}
}

func (g *IntakeGuard) Allow(now time.Time) bool {
	if g == nil {
		return true
	}
	return g.lim.AllowN(now, 1)
}

func (g *IntakeGuard) Limit() int64 {
	if g == nil {
		return 0
	}
	return g.lim.Limit()
}

func (g *IntakeGuard) Close() {
	if g == nil || g.stop == nil {
		return
	}
	g.stop()
}
