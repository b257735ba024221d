package modqueue

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/rivo/uniseg"
)

// Kind of a submitted content item. The set is closed.
type ContentKind string

const (
	KindText     ContentKind = "text"
	KindPhoto    ContentKind = "photo"
	KindVideo    ContentKind = "video"
	KindDocument ContentKind = "document"
	KindVoice    ContentKind = "voice"
)

func (k ContentKind) Valid() bool {
	switch k {
	case KindText, KindPhoto, KindVideo, KindDocument, KindVoice:
		return true
	}
	return false
}

// Content is a single submission payload.
//
// For KindText, Text is the message body and FileID is empty. For media kinds, FileID is the opaque media handle issued by the messaging gateway, and Text is the (optional) caption.
type Content struct {
	Kind   ContentKind `json:"kind"`
	FileID string      `json:"file_id,omitempty"`
	Text   string      `json:"text,omitempty"`
}

// Bot API limits on message text and media captions, in UTF-16 code units.
const (
	MaxTextLength    = 4096
	MaxCaptionLength = 1024
)

func utf16Len(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

func (c Content) HasMedia() bool {
	return c.Kind != KindText
}

func (c Content) Validate() error {
	if !c.Kind.Valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidContent, c.Kind)
	}
	if c.Kind == KindText {
		if strings.TrimSpace(c.Text) == "" {
			return fmt.Errorf("%w: empty text", ErrInvalidContent)
		}
		if c.FileID != "" {
			return fmt.Errorf("%w: text content with media handle", ErrInvalidContent)
		}
		if n := utf16Len(c.Text); n > MaxTextLength {
			return fmt.Errorf("%w: text is %d characters, limit %d", ErrContentTooLong, n, MaxTextLength)
		}
		return nil
	}
	if c.FileID == "" {
		return fmt.Errorf("%w: %s without media handle", ErrInvalidContent, c.Kind)
	}
	if n := utf16Len(c.Text); n > MaxCaptionLength {
		return fmt.Errorf("%w: caption is %d characters, limit %d", ErrContentTooLong, n, MaxCaptionLength)
	}
	return nil
}

// WithText returns a copy with the body (text kind) or caption (media kinds) replaced.
func (c Content) WithText(s string) Content {
	c.Text = s
	return c
}

// Preview renders a short, human-readable excerpt of the content. Truncation happens on grapheme cluster boundaries, and appends an ellipsis when anything was cut.
func (c Content) Preview(max int) string {
	s := c.Text
	if s == "" {
		if c.HasMedia() {
			return "<media>"
		}
		return "<empty>"
	}
	return truncate(s, max)
}

func truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	var sb strings.Builder
	gr := uniseg.NewGraphemes(s)
	n := 0
	for gr.Next() {
		if n == max {
			sb.WriteString("…")
			return sb.String()
		}
		sb.WriteString(gr.Str())
		n++
	}
	return sb.String()
}

// SubmitterIdentity describes the end user who sent a submission. It is shown to reviewers, and used as the rate-limit key, but is never relayed to the distribution channel.
type SubmitterIdentity struct {
	ID          int64  `json:"id"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

func (s SubmitterIdentity) String() string {
	name := s.DisplayName
	if name == "" {
		name = "Unknown"
	}
	if s.Username != "" {
		return fmt.Sprintf("%s (@%s)", name, s.Username)
	}
	return name
}

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateRejected State = "rejected"
)

func (s State) Terminal() bool {
	return s == StateApproved || s == StateRejected
}

// NoticeRef points at a notification message sent to one reviewer about one item, so it can later be edited in place.
type NoticeRef struct {
	ReviewerID int64 `json:"reviewer_id"`
	MessageID  int64 `json:"message_id"`
	HasMedia   bool  `json:"has_media"`
}

// Item is one submission under moderation. Queue position is not stored; it is derived from live queue order.
type Item struct {
	ID         uint64            `json:"id"`
	Submitter  SubmitterIdentity `json:"submitter"`
	Content    Content           `json:"content"`
	Original   Content           `json:"original"`
	Edited     bool              `json:"edited"`
	EditedBy   int64             `json:"edited_by,omitempty"`
	State      State             `json:"state"`
	EnqueuedAt time.Time         `json:"enqueued_at"`
	Notices    []NoticeRef       `json:"-"`
}

func (it *Item) clone() Item {
	out := *it
	if it.Notices != nil {
		out.Notices = make([]NoticeRef, len(it.Notices))
		copy(out.Notices, it.Notices)
	}
	return out
}
