package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type submitterLog struct {
	mu sync.Mutex
	// oldest first
	stamps []time.Time
	// set by Sweep once the log has been unlinked from the map
	dead bool
}

// caller must hold the lock
func (l *submitterLog) prune(cutoff time.Time) {
	i := 0
	for i < len(l.stamps) && l.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		l.stamps = append(l.stamps[:0], l.stamps[i:]...)
	}
}

// caller must hold the lock. Event times are caller-supplied and may arrive out of order.
func (l *submitterLog) insert(at time.Time) {
	i := sort.Search(len(l.stamps), func(i int) bool { return l.stamps[i].After(at) })
	l.stamps = append(l.stamps, time.Time{})
	copy(l.stamps[i+1:], l.stamps[i:])
	l.stamps[i] = at
}

// MemLimiter keeps sliding-window logs in process memory. Each submitter's log has its own lock; there is no lock shared across submitters.
type MemLimiter struct {
	Limit  int
	Window time.Duration
	logs   *xsync.MapOf[int64, *submitterLog]
}

var _ Limiter = (*MemLimiter)(nil)

func NewMemLimiter(limit int, window time.Duration) *MemLimiter {
	return &MemLimiter{
		Limit:  limit,
		Window: window,
		logs:   xsync.NewMapOf[int64, *submitterLog](),
	}
}

// locks and returns the live log for a submitter, retrying if Sweep unlinked it in between
func (m *MemLimiter) acquire(submitterID int64) *submitterLog {
	for {
		l, _ := m.logs.LoadOrCompute(submitterID, func() *submitterLog {
			return &submitterLog{}
		})
		l.mu.Lock()
		if !l.dead {
			return l
		}
		l.mu.Unlock()
	}
}

func (m *MemLimiter) Admit(_ context.Context, submitterID int64, now time.Time) (Decision, error) {
	l := m.acquire(submitterID)
	defer l.mu.Unlock()

	l.prune(now.Add(-m.Window))
	if len(l.stamps) < m.Limit {
		l.insert(now)
		return Decision{Allowed: true}, nil
	}
	return Decision{
		Allowed:    false,
		RetryAfter: retryAfter(l.stamps[0], m.Window, now),
	}, nil
}

func (m *MemLimiter) Refund(_ context.Context, submitterID int64, at time.Time) error {
	l, ok := m.logs.Load(submitterID)
	if !ok {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.stamps) - 1; i >= 0; i-- {
		if l.stamps[i].Equal(at) {
			l.stamps = append(l.stamps[:i], l.stamps[i+1:]...)
			break
		}
	}
	return nil
}

// Count returns how many admissions are currently inside the window for a submitter, pruning as a side effect.
func (m *MemLimiter) Count(submitterID int64, now time.Time) int {
	l, ok := m.logs.Load(submitterID)
	if !ok {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(now.Add(-m.Window))
	return len(l.stamps)
}

// Sweep forgets submitters with no admissions left inside the window, bounding memory for one-off submitters. Returns the number of submitters removed.
func (m *MemLimiter) Sweep(now time.Time) int {
	cutoff := now.Add(-m.Window)
	removed := 0
	m.logs.Range(func(id int64, _ *submitterLog) bool {
		m.logs.Compute(id, func(l *submitterLog, loaded bool) (*submitterLog, bool) {
			if !loaded {
				return l, true
			}
			l.mu.Lock()
			defer l.mu.Unlock()
			l.prune(cutoff)
			if len(l.stamps) > 0 {
				return l, false
			}
			l.dead = true
			removed++
			return l, true
		})
		return true
	})
	return removed
}

// Size is the number of submitters currently tracked.
func (m *MemLimiter) Size() int {
	return m.logs.Size()
}
