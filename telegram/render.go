package telegram

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anonmod/anonmod/modqueue"

	"github.com/rivo/uniseg"
)

const (
	maxTextLength    = 4096
	maxCaptionLength = 1024
)

var actionLabels = map[modqueue.Action]string{
	modqueue.ActionApprove:     "✅ Approve",
	modqueue.ActionReject:      "❌ Reject",
	modqueue.ActionEdit:        "✏️ Edit",
	modqueue.ActionViewDetails: "ℹ️ Details",
	modqueue.ActionBack:        "⬅️ Back",
	modqueue.ActionCancelEdit:  "Cancel edit",
}

// CallbackData encodes a button press as "action:id".
func CallbackData(a modqueue.Action, itemID uint64) string {
	return string(a) + ":" + strconv.FormatUint(itemID, 10)
}

func ParseCallbackData(data string) (modqueue.Action, uint64, error) {
	name, rawID, ok := strings.Cut(data, ":")
	if !ok {
		return "", 0, fmt.Errorf("malformed callback data: %q", data)
	}
	a := modqueue.Action(name)
	if !a.Valid() {
		return "", 0, fmt.Errorf("unknown callback action: %q", name)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil || id == 0 {
		return "", 0, fmt.Errorf("invalid item id in callback data: %q", data)
	}
	return a, id, nil
}

// Keyboard lays out action buttons for an item: decisions on the first row, everything else on the second. Returns nil when there are no actions.
func Keyboard(itemID uint64, actions []modqueue.Action) *InlineKeyboardMarkup {
	if len(actions) == 0 {
		return nil
	}
	var decide, other []InlineKeyboardButton
	for _, a := range actions {
		btn := InlineKeyboardButton{Text: actionLabels[a], CallbackData: CallbackData(a, itemID)}
		if a == modqueue.ActionApprove || a == modqueue.ActionReject {
			decide = append(decide, btn)
		} else {
			other = append(other, btn)
		}
	}
	kb := &InlineKeyboardMarkup{}
	for _, row := range [][]InlineKeyboardButton{decide, other} {
		if len(row) > 0 {
			kb.InlineKeyboard = append(kb.InlineKeyboard, row)
		}
	}
	return kb
}

// clip truncates to at most max grapheme clusters, ending with an ellipsis when anything was cut
func clip(s string, max int) string {
	var parts []string
	gr := uniseg.NewGraphemes(s)
	for gr.Next() {
		parts = append(parts, gr.Str())
		if len(parts) > max {
			return strings.Join(parts[:max-1], "") + "…"
		}
	}
	return s
}

func kindLabel(c modqueue.Content) string {
	return string(c.Kind)
}

func bodyLabel(c modqueue.Content) string {
	if c.HasMedia() {
		return "caption"
	}
	return "text"
}

// Renderer turns moderation events into plain-text Bot API messages.
type Renderer struct {
	PreviewLength     int
	ListPreviewLength int
}

func (r Renderer) ReviewerNotice(it modqueue.Item) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "📩 New submission #%d\n", it.ID)
	fmt.Fprintf(&sb, "From: %s\n", it.Submitter)
	fmt.Fprintf(&sb, "Type: %s\n", kindLabel(it.Content))
	if it.Edited {
		sb.WriteString("Edited by reviewer\n")
	}
	sb.WriteString("\n")
	sb.WriteString(it.Content.Preview(r.PreviewLength))
	return sb.String()
}

func (r Renderer) details(u modqueue.NoticeUpdate) string {
	it := u.Item
	var sb strings.Builder
	fmt.Fprintf(&sb, "ℹ️ Submission #%d details\n\n", it.ID)
	name := it.Submitter.DisplayName
	if name == "" {
		name = "Unknown"
	}
	fmt.Fprintf(&sb, "Name: %s\n", name)
	if it.Submitter.Username != "" {
		fmt.Fprintf(&sb, "Username: @%s\n", it.Submitter.Username)
	} else {
		sb.WriteString("Username: (none)\n")
	}
	fmt.Fprintf(&sb, "User ID: %d\n", it.Submitter.ID)
	fmt.Fprintf(&sb, "Type: %s\n", kindLabel(it.Content))
	fmt.Fprintf(&sb, "Received: %s\n", it.EnqueuedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&sb, "Queue position: %d/%d\n", u.Position, u.QueueSize)
	if it.Edited {
		fmt.Fprintf(&sb, "Edited: yes (by %d)\n", it.EditedBy)
		fmt.Fprintf(&sb, "\nOriginal:\n%s\n", it.Original.Preview(r.PreviewLength))
	}
	fmt.Fprintf(&sb, "\nContent:\n%s", it.Content.Preview(r.PreviewLength))
	return sb.String()
}

func decidedBy(d *modqueue.Decision) string {
	if d == nil {
		return "someone"
	}
	if d.ReviewerName != "" {
		return d.ReviewerName
	}
	return strconv.FormatInt(d.ReviewerID, 10)
}

func (r Renderer) NoticeUpdate(u modqueue.NoticeUpdate) string {
	switch u.Kind {
	case modqueue.NoticeResolved:
		if u.Decision != nil && u.Decision.State == modqueue.StateApproved {
			return fmt.Sprintf("Submission #%d approved ✅ by %s and posted.", u.ItemID, decidedBy(u.Decision))
		}
		return fmt.Sprintf("Submission #%d rejected ❌ by %s.", u.ItemID, decidedBy(u.Decision))
	case modqueue.NoticeAlreadyHandled:
		if u.Decision != nil {
			return fmt.Sprintf("Submission #%d was already %s by %s.", u.ItemID, u.Decision.State, decidedBy(u.Decision))
		}
		return fmt.Sprintf("Submission #%d not found or already handled.", u.ItemID)
	case modqueue.NoticeDetails:
		return r.details(u)
	case modqueue.NoticeOverview:
		return r.ReviewerNotice(u.Item)
	case modqueue.NoticeEditCancelled:
		return "Edit cancelled.\n\n" + r.ReviewerNotice(u.Item)
	case modqueue.NoticeEdited:
		return "✏️ Updated.\n\n" + r.ReviewerNotice(u.Item)
	case modqueue.NoticeEditPrompt:
		label := bodyLabel(u.Item.Content)
		current := u.Item.Content.Text
		if current == "" {
			current = "(empty)"
		}
		return fmt.Sprintf("✏️ Editing submission #%d\n\nCurrent %s:\n%s\n\nSend the new %s as a text message, or /cancel.", u.ItemID, label, current, label)
	case modqueue.NoticeUnauthorized:
		return "You are not authorized to moderate."
	case modqueue.NoticePostFailed:
		return fmt.Sprintf("Submission #%d was approved by %s, but posting failed: %s", u.ItemID, decidedBy(u.Decision), u.Reason)
	}
	return fmt.Sprintf("Submission #%d: %s", u.ItemID, u.Kind)
}

func formatWait(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	return fmt.Sprintf("%dm %ds", secs/60, secs%60)
}

func (r Renderer) SubmitterMessage(m modqueue.SubmitterMessage) string {
	switch m.Kind {
	case modqueue.SubmitterQueued:
		return fmt.Sprintf("✅ Your submission has been queued for review.\n📊 Position: %d/%d", m.Position, m.QueueSize)
	case modqueue.SubmitterRateLimited:
		return fmt.Sprintf("⏳ Rate limit exceeded. Please wait %s before submitting again.", formatWait(m.RetryAfter))
	case modqueue.SubmitterQueueFull:
		return fmt.Sprintf("⚠️ The moderation queue is full (%d items). Please try again later.", m.QueueLimit)
	case modqueue.SubmitterBusy:
		return "⚠️ Too many submissions right now. Please try again later."
	case modqueue.SubmitterApproved:
		return "🎉 Your submission has been approved and posted."
	case modqueue.SubmitterRejected:
		return "Your submission was not approved."
	}
	return string(m.Kind)
}

func (r Renderer) QueueListing(snap modqueue.QueueSnapshot) string {
	if len(snap.Items) == 0 {
		return "No pending submissions."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Queue: %d/%d\n\n", snap.Total, snap.Capacity)
	for i, it := range snap.Items {
		fmt.Fprintf(&sb, "%d. #%d from %s (%s): %s\n", snap.Offset+i+1, it.ID, it.Submitter, kindLabel(it.Content), it.Content.Preview(r.ListPreviewLength))
	}
	return clip(strings.TrimRight(sb.String(), "\n"), maxTextLength)
}

func (r Renderer) Welcome() string {
	return "👋 Send me a message, photo, video, document or voice note and it will be reviewed before being posted anonymously."
}
