package modqueue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anonmod/anonmod/modqueue/ratelimit"
)

type SentNotice struct {
	ReviewerID int64
	Notice     ReviewerNotice
	Ref        NoticeRef
}

type SentSubmitterMessage struct {
	Submitter SubmitterIdentity
	Message   SubmitterMessage
}

type SentUpdate struct {
	Ref    NoticeRef
	Update NoticeUpdate
}

// MockGateway records every outbound call in memory. Errors can be injected per call type. Safe for concurrent use.
type MockGateway struct {
	mu          sync.Mutex
	nextMessage int64

	Notices   []SentNotice
	Submitter []SentSubmitterMessage
	Posts     []Content
	Updates   []SentUpdate

	NotifyReviewerErr  error
	NotifySubmitterErr error
	PostErr            error
	UpdateErr          error
	// called inside PostToChannel before recording, to widen race windows in tests
	PostHook func()
}

var _ Gateway = (*MockGateway)(nil)

func NewMockGateway() *MockGateway {
	return &MockGateway{nextMessage: 100}
}

func (g *MockGateway) NotifyReviewer(ctx context.Context, reviewerID int64, n ReviewerNotice) (NoticeRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.NotifyReviewerErr != nil {
		return NoticeRef{}, g.NotifyReviewerErr
	}
	g.nextMessage++
	ref := NoticeRef{ReviewerID: reviewerID, MessageID: g.nextMessage, HasMedia: n.Item.Content.HasMedia()}
	g.Notices = append(g.Notices, SentNotice{ReviewerID: reviewerID, Notice: n, Ref: ref})
	return ref, nil
}

func (g *MockGateway) NotifySubmitter(ctx context.Context, submitter SubmitterIdentity, m SubmitterMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.NotifySubmitterErr != nil {
		return g.NotifySubmitterErr
	}
	g.Submitter = append(g.Submitter, SentSubmitterMessage{Submitter: submitter, Message: m})
	return nil
}

func (g *MockGateway) PostToChannel(ctx context.Context, content Content) error {
	if g.PostHook != nil {
		g.PostHook()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PostErr != nil {
		return g.PostErr
	}
	g.Posts = append(g.Posts, content)
	return nil
}

func (g *MockGateway) UpdateReviewerNotice(ctx context.Context, ref NoticeRef, u NoticeUpdate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.UpdateErr != nil {
		return g.UpdateErr
	}
	g.Updates = append(g.Updates, SentUpdate{Ref: ref, Update: u})
	return nil
}

func (g *MockGateway) PostCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Posts)
}

// LastSubmitterMessage returns the most recent message sent to a submitter.
func (g *MockGateway) LastSubmitterMessage(submitterID int64) (SubmitterMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i := len(g.Submitter) - 1; i >= 0; i-- {
		if g.Submitter[i].Submitter.ID == submitterID {
			return g.Submitter[i].Message, true
		}
	}
	return SubmitterMessage{}, false
}

// UpdatesFor returns all updates applied to one notification message, oldest first.
func (g *MockGateway) UpdatesFor(messageID int64) []NoticeUpdate {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []NoticeUpdate
	for _, u := range g.Updates {
		if u.Ref.MessageID == messageID {
			out = append(out, u.Update)
		}
	}
	return out
}

// FakeClock is a manually advanced clock for WithClock.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// ServiceTestFixture builds a Service with an in-memory limiter, a MockGateway and a fake clock starting at a fixed instant. Reviewers are 1001 and 1002.
func ServiceTestFixture(cfg Config) (*Service, *MockGateway, *FakeClock) {
	if len(cfg.Reviewers) == 0 {
		cfg.Reviewers = []int64{1001, 1002}
	}
	gw := NewMockGateway()
	clock := NewFakeClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	lim := ratelimit.NewMemLimiter(cfg.RateLimitCount, cfg.RateLimitWindow)
	svc, err := NewService(cfg, gw, lim,
		WithClock(clock.Now),
		WithLogger(slog.Default()),
		WithLedger(NewLedger(100, time.Hour)),
	)
	if err != nil {
		panic(err)
	}
	return svc, gw, clock
}
