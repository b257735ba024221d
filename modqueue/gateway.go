package modqueue

import (
	"context"
	"time"
)

// Gateway is the outbound side of the messaging transport. Implementations render and deliver; they never make moderation decisions.
//
// The service never calls a Gateway method while holding the queue lock, and a failed delivery never rolls back a state change.
type Gateway interface {
	// Sends the initial notification about a new item to one reviewer.
	NotifyReviewer(ctx context.Context, reviewerID int64, n ReviewerNotice) (NoticeRef, error)
	NotifySubmitter(ctx context.Context, submitter SubmitterIdentity, m SubmitterMessage) error
	// Publishes approved content to the distribution channel. Submitter metadata is never part of the call.
	PostToChannel(ctx context.Context, content Content) error
	// Edits a previously sent reviewer notification in place.
	UpdateReviewerNotice(ctx context.Context, ref NoticeRef, u NoticeUpdate) error
}

type Action string

const (
	ActionApprove     Action = "approve"
	ActionReject      Action = "reject"
	ActionEdit        Action = "edit"
	ActionViewDetails Action = "details"
	ActionBack        Action = "back"
	ActionCancelEdit  Action = "cancel_edit"
)

func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionEdit, ActionViewDetails, ActionBack, ActionCancelEdit:
		return true
	}
	return false
}

// ReviewerNotice is the content of a new-item notification.
type ReviewerNotice struct {
	Item    Item
	Actions []Action
}

// DefaultActions offered on a pending item.
var DefaultActions = []Action{ActionApprove, ActionReject, ActionEdit, ActionViewDetails}

type SubmitterMessageKind string

const (
	SubmitterQueued      SubmitterMessageKind = "queued"
	SubmitterRateLimited SubmitterMessageKind = "rate_limited"
	SubmitterQueueFull   SubmitterMessageKind = "queue_full"
	SubmitterBusy        SubmitterMessageKind = "busy"
	SubmitterApproved    SubmitterMessageKind = "approved"
	SubmitterRejected    SubmitterMessageKind = "rejected"
)

type SubmitterMessage struct {
	Kind SubmitterMessageKind
	// for SubmitterQueued
	Position  int
	QueueSize int
	// for SubmitterRateLimited
	RetryAfter time.Duration
	// for SubmitterQueueFull
	QueueLimit int
}

type NoticeUpdateKind string

const (
	NoticeResolved       NoticeUpdateKind = "resolved"
	NoticeAlreadyHandled NoticeUpdateKind = "already_handled"
	NoticeDetails        NoticeUpdateKind = "details"
	NoticeOverview       NoticeUpdateKind = "overview"
	NoticeEditPrompt     NoticeUpdateKind = "edit_prompt"
	NoticeEditCancelled  NoticeUpdateKind = "edit_cancelled"
	NoticeEdited         NoticeUpdateKind = "edited"
	NoticeUnauthorized   NoticeUpdateKind = "unauthorized"
	NoticePostFailed     NoticeUpdateKind = "post_failed"
)

// NoticeUpdate describes how a reviewer notification should change. Which fields are set depends on Kind.
type NoticeUpdate struct {
	Kind   NoticeUpdateKind
	ItemID uint64
	// snapshot of the item; zero for NoticeUnauthorized and NoticeAlreadyHandled
	Item Item
	// live queue position and size, for NoticeDetails
	Position  int
	QueueSize int
	// who resolved the item, for NoticeResolved and (when known) NoticeAlreadyHandled
	Decision *Decision
	// delivery error text, for NoticePostFailed
	Reason  string
	Actions []Action
}
