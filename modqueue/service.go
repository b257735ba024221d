package modqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anonmod/anonmod/modqueue/ratelimit"

	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("modqueue")

type Config struct {
	MaxQueueSize    int
	RateLimitCount  int
	RateLimitWindow time.Duration
	// allow-list of reviewer account ids
	Reviewers []int64
	// max graphemes of content shown in reviewer notifications
	PreviewLength int
	// max graphemes of content shown per entry in queue listings
	ListPreviewLength int
}

func DefaultConfig() Config {
	return Config{
		MaxQueueSize:      50,
		RateLimitCount:    ratelimit.DefaultLimit,
		RateLimitWindow:   ratelimit.DefaultWindow,
		PreviewLength:     300,
		ListPreviewLength: 50,
	}
}

func (c Config) Validate() error {
	if c.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive: %d", c.MaxQueueSize)
	}
	if c.RateLimitCount <= 0 {
		return fmt.Errorf("rate limit count must be positive: %d", c.RateLimitCount)
	}
	if c.RateLimitWindow <= 0 {
		return fmt.Errorf("rate limit window must be positive: %s", c.RateLimitWindow)
	}
	if len(c.Reviewers) == 0 {
		return fmt.Errorf("at least one reviewer is required")
	}
	return nil
}

type Option func(*Service)

// WithIntakeGuard puts a global submissions-per-hour cap in front of the per-submitter limiter.
func WithIntakeGuard(g *ratelimit.IntakeGuard) Option {
	return func(s *Service) { s.intake = g }
}

func WithLedger(l *Ledger) Option {
	return func(s *Service) { s.ledger = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.Logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service owns the moderation queue and orchestrates admission, notification and reviewer decisions. One instance per process; all state is in memory.
type Service struct {
	Logger *slog.Logger

	cfg       Config
	queue     *Queue
	gateway   Gateway
	limiter   ratelimit.Limiter
	intake    *ratelimit.IntakeGuard
	ledger    *Ledger
	reviewers map[int64]bool
	// open edit sessions, keyed by reviewer id
	editing *xsync.MapOf[int64, editSession]
	now     func() time.Time
}

type editSession struct {
	ItemID uint64
	Notice NoticeRef
}

func NewService(cfg Config, gw Gateway, lim ratelimit.Limiter, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gw == nil || lim == nil {
		return nil, fmt.Errorf("gateway and limiter are required")
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 300
	}
	if cfg.ListPreviewLength <= 0 {
		cfg.ListPreviewLength = 50
	}
	s := &Service{
		Logger:    slog.Default(),
		cfg:       cfg,
		queue:     NewQueue(cfg.MaxQueueSize),
		gateway:   gw,
		limiter:   lim,
		ledger:    NewLedger(1000, 24*time.Hour),
		reviewers: make(map[int64]bool, len(cfg.Reviewers)),
		editing:   xsync.NewMapOf[int64, editSession](),
		now:       time.Now,
	}
	for _, id := range cfg.Reviewers {
		s.reviewers[id] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	s.Logger = s.Logger.With("component", "modqueue")
	return s, nil
}

func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) IsReviewer(id int64) bool {
	return s.reviewers[id]
}

func (s *Service) Reviewers() []int64 {
	return s.cfg.Reviewers
}

func (s *Service) at(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

type SubmissionEvent struct {
	Submitter SubmitterIdentity
	Content   Content
	// zero means "now"
	At time.Time
}

// Receipt describes a successfully queued submission.
type Receipt struct {
	Item      Item
	Position  int
	QueueSize int
}

// OnSubmission runs a submission through the submitter's rate limit, the queue and the intake guard, then notifies reviewers and the submitter.
//
// Refusals are returned as errors matching ErrInvalidContent, ErrIntakeThrottled, ErrRateLimited (as *RateLimitError) or ErrQueueFull; the submitter has already been told in each case except invalid content. Any other error is an internal failure.
func (s *Service) OnSubmission(ctx context.Context, ev SubmissionEvent) (Receipt, error) {
	ctx, span := tracer.Start(ctx, "OnSubmission", trace.WithAttributes(
		attribute.Int64("submitter", ev.Submitter.ID),
		attribute.String("kind", string(ev.Content.Kind)),
	))
	defer span.End()

	now := s.at(ev.At)
	logger := s.Logger.With("submitter", ev.Submitter.ID, "kind", ev.Content.Kind)

	if err := ev.Content.Validate(); err != nil {
		submissionCount.WithLabelValues("invalid").Inc()
		logger.Debug("dropping invalid submission", "err", err)
		return Receipt{}, err
	}

	d, err := s.limiter.Admit(ctx, ev.Submitter.ID, now)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Receipt{}, fmt.Errorf("checking rate limit: %w", err)
	}
	if !d.Allowed {
		submissionCount.WithLabelValues("rate_limited").Inc()
		logger.Info("submitter rate limited", "retry_after", d.RetryAfter)
		s.notifySubmitter(ctx, logger, ev.Submitter, SubmitterMessage{
			Kind:       SubmitterRateLimited,
			RetryAfter: d.RetryAfter,
		})
		return Receipt{}, &RateLimitError{RetryAfter: d.RetryAfter}
	}

	// the hourly intake slot is only spent on a submission that actually gets queued
	item, pos, err := s.queue.EnqueueIf(ev.Submitter, ev.Content, now, func() error {
		if !s.intake.Allow(now) {
			return ErrIntakeThrottled
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrQueueFull):
		submissionCount.WithLabelValues("queue_full").Inc()
		logger.Info("moderation queue full", "capacity", s.queue.Capacity())
		s.refund(ctx, logger, ev.Submitter.ID, now)
		s.notifySubmitter(ctx, logger, ev.Submitter, SubmitterMessage{
			Kind:       SubmitterQueueFull,
			QueueLimit: s.queue.Capacity(),
		})
		return Receipt{}, ErrQueueFull
	case errors.Is(err, ErrIntakeThrottled):
		submissionCount.WithLabelValues("throttled").Inc()
		logger.Info("submission intake throttled", "limit", s.intake.Limit())
		s.refund(ctx, logger, ev.Submitter.ID, now)
		s.notifySubmitter(ctx, logger, ev.Submitter, SubmitterMessage{Kind: SubmitterBusy})
		return Receipt{}, ErrIntakeThrottled
	case err != nil:
		return Receipt{}, err
	}
	queueDepth.Set(float64(pos))
	submissionCount.WithLabelValues("queued").Inc()
	logger.Info("submission queued", "item", item.ID, "position", pos)
	span.SetAttributes(attribute.Int64("item", int64(item.ID)))

	for _, rid := range s.cfg.Reviewers {
		ref, err := s.gateway.NotifyReviewer(ctx, rid, ReviewerNotice{Item: item, Actions: DefaultActions})
		if err != nil {
			gatewayErrorCount.WithLabelValues("notify_reviewer").Inc()
			logger.Warn("failed to notify reviewer", "item", item.ID, "reviewer", rid, "err", err)
			continue
		}
		if !s.queue.AttachNotice(item.ID, ref) {
			// decided by a faster reviewer while the rest were still being notified
			logger.Debug("item left queue during notification", "item", item.ID)
		}
	}

	s.notifySubmitter(ctx, logger, ev.Submitter, SubmitterMessage{
		Kind:      SubmitterQueued,
		Position:  pos,
		QueueSize: pos,
	})
	return Receipt{Item: item, Position: pos, QueueSize: pos}, nil
}

// only queued submissions count against the submitter
func (s *Service) refund(ctx context.Context, logger *slog.Logger, submitterID int64, at time.Time) {
	if err := s.limiter.Refund(ctx, submitterID, at); err != nil {
		logger.Warn("failed to refund rate limit admission", "err", err)
	}
}

type ReviewerActionEvent struct {
	// identity of the acting account; not necessarily a reviewer
	Reviewer SubmitterIdentity
	ItemID   uint64
	Action   Action
	// replacement content for ActionEdit; when nil, ActionEdit opens an edit session instead
	Content *Content
	// the notification the action was taken on; zero if the action did not come from one
	Notice NoticeRef
	At     time.Time
}

type Outcome string

const (
	OutcomeApproved       Outcome = "approved"
	OutcomeRejected       Outcome = "rejected"
	OutcomeEdited         Outcome = "edited"
	OutcomeEditStarted    Outcome = "edit_started"
	OutcomeEditCancelled  Outcome = "edit_cancelled"
	OutcomeDetails        Outcome = "details"
	OutcomeOverview       Outcome = "overview"
	OutcomeAlreadyHandled Outcome = "already_handled"
)

type ActionResult struct {
	Outcome Outcome
	// snapshot after the action; zero when already handled
	Item      Item
	Position  int
	QueueSize int
	// the decision made by this action, or the earlier one when already handled (if still known)
	Decision *Decision
	// set when an approval committed but the channel post failed
	PostErr error
}

// OnReviewerAction applies one reviewer action to an item. An item that is no longer pending is a normal outcome (OutcomeAlreadyHandled), not an error. Actions by non-reviewers return ErrUnauthorized and reveal nothing about the item.
func (s *Service) OnReviewerAction(ctx context.Context, ev ReviewerActionEvent) (ActionResult, error) {
	ctx, span := tracer.Start(ctx, "OnReviewerAction", trace.WithAttributes(
		attribute.Int64("reviewer", ev.Reviewer.ID),
		attribute.Int64("item", int64(ev.ItemID)),
		attribute.String("action", string(ev.Action)),
	))
	defer span.End()

	logger := s.Logger.With("reviewer", ev.Reviewer.ID, "item", ev.ItemID, "action", ev.Action)

	if !s.IsReviewer(ev.Reviewer.ID) {
		unauthorizedCount.Inc()
		logger.Debug("ignoring moderation action from non-reviewer")
		s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{Kind: NoticeUnauthorized})
		return ActionResult{}, ErrUnauthorized
	}

	var res ActionResult
	var err error
	switch ev.Action {
	case ActionApprove:
		res, err = s.approve(ctx, logger, ev)
	case ActionReject:
		res, err = s.reject(ctx, logger, ev)
	case ActionEdit:
		if ev.Content != nil {
			res, err = s.edit(ctx, logger, ev)
		} else {
			res, err = s.beginEdit(ctx, logger, ev)
		}
	case ActionCancelEdit:
		res, err = s.cancelEdit(ctx, logger, ev)
	case ActionViewDetails:
		res, err = s.details(ctx, logger, ev)
	case ActionBack:
		res, err = s.overview(ctx, logger, ev)
	default:
		return ActionResult{}, fmt.Errorf("unknown moderation action: %q", ev.Action)
	}
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	return res, err
}

func (s *Service) approve(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	item, err := s.queue.Approve(ev.ItemID)
	if errors.Is(err, ErrItemNotFound) {
		return s.alreadyHandled(ctx, logger, ev), nil
	} else if err != nil {
		return ActionResult{}, err
	}
	dec := s.record(item, ev)
	logger.Info("item approved")

	res := ActionResult{Outcome: OutcomeApproved, Item: item, Decision: &dec}
	if err := s.gateway.PostToChannel(ctx, item.Content); err != nil {
		gatewayErrorCount.WithLabelValues("post_to_channel").Inc()
		logger.Warn("failed to post approved item", "err", err)
		res.PostErr = err
		s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{
			Kind:     NoticePostFailed,
			ItemID:   item.ID,
			Item:     item,
			Decision: &dec,
			Reason:   err.Error(),
		})
		s.resolveNotices(ctx, logger, item, dec, ev.Notice, true)
		return res, nil
	}

	s.resolveNotices(ctx, logger, item, dec, ev.Notice, false)
	s.notifySubmitter(ctx, logger, item.Submitter, SubmitterMessage{Kind: SubmitterApproved})
	return res, nil
}

func (s *Service) reject(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	item, err := s.queue.Reject(ev.ItemID)
	if errors.Is(err, ErrItemNotFound) {
		return s.alreadyHandled(ctx, logger, ev), nil
	} else if err != nil {
		return ActionResult{}, err
	}
	dec := s.record(item, ev)
	logger.Info("item rejected")

	s.resolveNotices(ctx, logger, item, dec, ev.Notice, false)
	s.notifySubmitter(ctx, logger, item.Submitter, SubmitterMessage{Kind: SubmitterRejected})
	return ActionResult{Outcome: OutcomeRejected, Item: item, Decision: &dec}, nil
}

// bookkeeping after a successful terminal transition
func (s *Service) record(item Item, ev ReviewerActionEvent) Decision {
	now := s.at(ev.At)
	dec := Decision{
		ItemID:       item.ID,
		State:        item.State,
		ReviewerID:   ev.Reviewer.ID,
		ReviewerName: ev.Reviewer.String(),
		At:           now,
	}
	s.ledger.Record(dec)
	queueDepth.Set(float64(s.queue.Len()))
	decisionCount.WithLabelValues(string(item.State)).Inc()
	pendingDuration.WithLabelValues(string(item.State)).Observe(now.Sub(item.EnqueuedAt).Seconds())
	return dec
}

func (s *Service) edit(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	if err := ev.Content.Validate(); err != nil {
		return ActionResult{}, err
	}
	item, err := s.queue.Edit(ev.ItemID, *ev.Content, ev.Reviewer.ID)
	if errors.Is(err, ErrItemNotFound) {
		return s.alreadyHandled(ctx, logger, ev), nil
	} else if err != nil {
		return ActionResult{}, err
	}
	editCount.Inc()
	logger.Info("item edited")
	s.refreshEdited(ctx, logger, item, ev.Notice)
	return ActionResult{Outcome: OutcomeEdited, Item: item}, nil
}

func (s *Service) beginEdit(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	item, pos, ok := s.queue.Get(ev.ItemID)
	if !ok {
		return s.alreadyHandled(ctx, logger, ev), nil
	}
	s.editing.Store(ev.Reviewer.ID, editSession{ItemID: item.ID, Notice: ev.Notice})
	logger.Debug("edit session opened")
	s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{
		Kind:    NoticeEditPrompt,
		ItemID:  item.ID,
		Item:    item,
		Actions: []Action{ActionCancelEdit},
	})
	return ActionResult{Outcome: OutcomeEditStarted, Item: item, Position: pos, QueueSize: s.queue.Len()}, nil
}

func (s *Service) cancelEdit(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	s.CancelEdit(ev.Reviewer.ID)
	item, pos, ok := s.queue.Get(ev.ItemID)
	if !ok {
		return s.alreadyHandled(ctx, logger, ev), nil
	}
	s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{
		Kind:    NoticeEditCancelled,
		ItemID:  item.ID,
		Item:    item,
		Actions: DefaultActions,
	})
	return ActionResult{Outcome: OutcomeEditCancelled, Item: item, Position: pos, QueueSize: s.queue.Len()}, nil
}

func (s *Service) details(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	item, pos, err := s.queue.Details(ev.ItemID)
	if errors.Is(err, ErrItemNotFound) {
		return s.alreadyHandled(ctx, logger, ev), nil
	} else if err != nil {
		return ActionResult{}, err
	}
	size := s.queue.Len()
	s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{
		Kind:      NoticeDetails,
		ItemID:    item.ID,
		Item:      item,
		Position:  pos,
		QueueSize: size,
		Actions:   []Action{ActionApprove, ActionReject, ActionEdit, ActionBack},
	})
	return ActionResult{Outcome: OutcomeDetails, Item: item, Position: pos, QueueSize: size}, nil
}

func (s *Service) overview(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) (ActionResult, error) {
	item, pos, ok := s.queue.Get(ev.ItemID)
	if !ok {
		return s.alreadyHandled(ctx, logger, ev), nil
	}
	s.updateNotice(ctx, logger, ev.Notice, NoticeUpdate{
		Kind:    NoticeOverview,
		ItemID:  item.ID,
		Item:    item,
		Actions: DefaultActions,
	})
	return ActionResult{Outcome: OutcomeOverview, Item: item, Position: pos, QueueSize: s.queue.Len()}, nil
}

func (s *Service) alreadyHandled(ctx context.Context, logger *slog.Logger, ev ReviewerActionEvent) ActionResult {
	alreadyHandledCount.WithLabelValues(string(ev.Action)).Inc()
	res := ActionResult{Outcome: OutcomeAlreadyHandled}
	u := NoticeUpdate{Kind: NoticeAlreadyHandled, ItemID: ev.ItemID}
	if dec, ok := s.ledger.Lookup(ev.ItemID); ok {
		res.Decision = &dec
		u.Decision = &dec
		logger.Info("item already handled", "by", dec.ReviewerID, "state", dec.State)
	} else {
		logger.Info("item already handled")
	}
	s.updateNotice(ctx, logger, ev.Notice, u)
	return res
}

// OnReviewerText consumes a plain text message from a reviewer. If the reviewer has an open edit session, the text replaces the body (or caption) of the item being edited and the session closes. Returns false when there was no session, in which case the text was not consumed.
//
// Returns ErrItemNotFound if the item was decided while the session was open, and ErrInvalidContent if the text would leave the item empty; in the latter case the session stays open.
func (s *Service) OnReviewerText(ctx context.Context, reviewerID int64, text string, at time.Time) (bool, error) {
	sess, ok := s.editing.LoadAndDelete(reviewerID)
	if !ok {
		return false, nil
	}
	ctx, span := tracer.Start(ctx, "OnReviewerText", trace.WithAttributes(
		attribute.Int64("reviewer", reviewerID),
		attribute.Int64("item", int64(sess.ItemID)),
	))
	defer span.End()
	logger := s.Logger.With("reviewer", reviewerID, "item", sess.ItemID, "action", ActionEdit)

	item, err := s.queue.EditText(sess.ItemID, text, reviewerID)
	if errors.Is(err, ErrItemNotFound) {
		s.alreadyHandled(ctx, logger, ReviewerActionEvent{
			Reviewer: SubmitterIdentity{ID: reviewerID},
			ItemID:   sess.ItemID,
			Action:   ActionEdit,
			Notice:   sess.Notice,
			At:       at,
		})
		return true, ErrItemNotFound
	} else if errors.Is(err, ErrInvalidContent) {
		// reopen unless a newer session replaced it
		s.editing.LoadOrStore(reviewerID, sess)
		return true, err
	} else if err != nil {
		return true, err
	}
	editCount.Inc()
	logger.Info("item edited")
	s.refreshEdited(ctx, logger, item, sess.Notice)
	return true, nil
}

// CancelEdit closes the reviewer's edit session. Returns false if none was open.
func (s *Service) CancelEdit(reviewerID int64) bool {
	_, ok := s.editing.LoadAndDelete(reviewerID)
	return ok
}

// EditingItem returns the id of the item the reviewer is currently editing.
func (s *Service) EditingItem(reviewerID int64) (uint64, bool) {
	sess, ok := s.editing.Load(reviewerID)
	if !ok {
		return 0, false
	}
	return sess.ItemID, true
}

// QueueSnapshot is a FIFO-ordered view of pending items. Positions of Items are Offset+index+1.
type QueueSnapshot struct {
	Items    []Item
	Offset   int
	Total    int
	Capacity int
}

func (s *Service) OnQueueCommand(ctx context.Context, reviewerID int64) (QueueSnapshot, error) {
	_, span := tracer.Start(ctx, "OnQueueCommand")
	defer span.End()
	if !s.IsReviewer(reviewerID) {
		unauthorizedCount.Inc()
		s.Logger.Debug("ignoring queue listing from non-reviewer", "actor", reviewerID)
		return QueueSnapshot{}, ErrUnauthorized
	}
	return s.Snapshot(0, 0), nil
}

// Snapshot returns a page of pending items. Callers are responsible for authorization.
func (s *Service) Snapshot(offset, limit int) QueueSnapshot {
	if offset < 0 {
		offset = 0
	}
	items := s.queue.Page(offset, limit)
	return QueueSnapshot{
		Items:    items,
		Offset:   offset,
		Total:    s.queue.Len(),
		Capacity: s.queue.Capacity(),
	}
}

// resolveNotices marks every reviewer notification of a decided item. The acting notification is included even if it was never attached, unless skipActing is set because the caller already updated it.
func (s *Service) resolveNotices(ctx context.Context, logger *slog.Logger, item Item, dec Decision, acting NoticeRef, skipActing bool) {
	u := NoticeUpdate{
		Kind:     NoticeResolved,
		ItemID:   item.ID,
		Item:     item,
		Decision: &dec,
	}
	seen := false
	for _, ref := range item.Notices {
		if ref == acting {
			seen = true
			if skipActing {
				continue
			}
		}
		s.updateNotice(ctx, logger, ref, u)
	}
	if !seen && !skipActing {
		s.updateNotice(ctx, logger, acting, u)
	}
}

// after an edit, every reviewer's notification shows the new content; the acting one is updated even if it was never attached
func (s *Service) refreshEdited(ctx context.Context, logger *slog.Logger, item Item, acting NoticeRef) {
	u := NoticeUpdate{
		Kind:    NoticeEdited,
		ItemID:  item.ID,
		Item:    item,
		Actions: DefaultActions,
	}
	seen := false
	for _, ref := range item.Notices {
		if ref == acting {
			seen = true
		}
		s.updateNotice(ctx, logger, ref, u)
	}
	if !seen {
		s.updateNotice(ctx, logger, acting, u)
	}
}

func (s *Service) updateNotice(ctx context.Context, logger *slog.Logger, ref NoticeRef, u NoticeUpdate) {
	if ref.MessageID == 0 {
		return
	}
	if err := s.gateway.UpdateReviewerNotice(ctx, ref, u); err != nil {
		gatewayErrorCount.WithLabelValues("update_reviewer_notice").Inc()
		logger.Warn("failed to update reviewer notification", "notice_reviewer", ref.ReviewerID, "message", ref.MessageID, "update", u.Kind, "err", err)
	}
}

func (s *Service) notifySubmitter(ctx context.Context, logger *slog.Logger, who SubmitterIdentity, m SubmitterMessage) {
	if err := s.gateway.NotifySubmitter(ctx, who, m); err != nil {
		gatewayErrorCount.WithLabelValues("notify_submitter").Inc()
		logger.Warn("failed to notify submitter", "message", m.Kind, "err", err)
	}
}
