package telegram

import (
	"strings"
	"testing"
	"time"

	"github.com/anonmod/anonmod/modqueue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCallbackData(t *testing.T) {
	assert := assert.New(t)

	testCases := []struct {
		data   string
		action modqueue.Action
		id     uint64
		ok     bool
	}{
		{data: "approve:12", action: modqueue.ActionApprove, id: 12, ok: true},
		{data: "reject:1", action: modqueue.ActionReject, id: 1, ok: true},
		{data: "details:99", action: modqueue.ActionViewDetails, id: 99, ok: true},
		{data: "cancel_edit:3", action: modqueue.ActionCancelEdit, id: 3, ok: true},
		{data: "approve", ok: false},
		{data: "approve:", ok: false},
		{data: "approve:0", ok: false},
		{data: "approve:-4", ok: false},
		{data: "approve:abc", ok: false},
		{data: "delete:5", ok: false},
		{data: "", ok: false},
	}
	for _, tc := range testCases {
		a, id, err := ParseCallbackData(tc.data)
		if !tc.ok {
			assert.Error(err, tc.data)
			continue
		}
		assert.NoError(err, tc.data)
		assert.Equal(tc.action, a)
		assert.Equal(tc.id, id)
		assert.Equal(tc.data, CallbackData(a, id))
	}
}

func TestKeyboard(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	assert.Nil(Keyboard(1, nil))

	kb := Keyboard(7, modqueue.DefaultActions)
	require.NotNil(kb)
	require.Len(kb.InlineKeyboard, 2)
	require.Len(kb.InlineKeyboard[0], 2)
	assert.Equal("approve:7", kb.InlineKeyboard[0][0].CallbackData)
	assert.Equal("reject:7", kb.InlineKeyboard[0][1].CallbackData)
	require.Len(kb.InlineKeyboard[1], 2)
	assert.Equal("edit:7", kb.InlineKeyboard[1][0].CallbackData)
	assert.Equal("details:7", kb.InlineKeyboard[1][1].CallbackData)

	kb = Keyboard(7, []modqueue.Action{modqueue.ActionCancelEdit})
	require.Len(kb.InlineKeyboard, 1)
	assert.Equal("Cancel edit", kb.InlineKeyboard[0][0].Text)
}

func TestClip(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("short", clip("short", 10))
	assert.Equal("abcd…", clip("abcdefgh", 5))
	assert.Equal("abcde", clip("abcde", 5))
	// family emoji is a single cluster
	assert.Equal("👨‍👩‍👧…", clip("👨‍👩‍👧👨‍👩‍👧👨‍👩‍👧", 2))
}

func TestContentFromMessage(t *testing.T) {
	assert := assert.New(t)

	c, ok := ContentFromMessage(&Message{Text: "hello"})
	assert.True(ok)
	assert.Equal(modqueue.Content{Kind: modqueue.KindText, Text: "hello"}, c)

	c, ok = ContentFromMessage(&Message{
		Caption: "look",
		Photo:   []PhotoSize{{FileID: "small", Width: 90}, {FileID: "large", Width: 1280}},
	})
	assert.True(ok)
	assert.Equal(modqueue.Content{Kind: modqueue.KindPhoto, FileID: "large", Text: "look"}, c)

	c, ok = ContentFromMessage(&Message{Video: &File{FileID: "vid"}})
	assert.True(ok)
	assert.Equal(modqueue.KindVideo, c.Kind)
	assert.Equal("", c.Text)

	c, ok = ContentFromMessage(&Message{Document: &File{FileID: "doc"}, Caption: "pdf"})
	assert.True(ok)
	assert.Equal(modqueue.Content{Kind: modqueue.KindDocument, FileID: "doc", Text: "pdf"}, c)

	c, ok = ContentFromMessage(&Message{Voice: &File{FileID: "ogg"}})
	assert.True(ok)
	assert.Equal(modqueue.KindVoice, c.Kind)

	_, ok = ContentFromMessage(&Message{})
	assert.False(ok)
}

func TestParseCommand(t *testing.T) {
	assert := assert.New(t)

	cmd, ok := parseCommand("/queue")
	assert.True(ok)
	assert.Equal("queue", cmd)

	cmd, ok = parseCommand("/Cancel@anon_mod_bot now")
	assert.True(ok)
	assert.Equal("cancel", cmd)

	_, ok = parseCommand("hello /queue")
	assert.False(ok)
	_, ok = parseCommand("/")
	assert.False(ok)
}

func TestSubmitterMessages(t *testing.T) {
	assert := assert.New(t)
	r := Renderer{PreviewLength: 300, ListPreviewLength: 50}

	assert.Equal("✅ Your submission has been queued for review.\n📊 Position: 3/7",
		r.SubmitterMessage(modqueue.SubmitterMessage{Kind: modqueue.SubmitterQueued, Position: 3, QueueSize: 7}))
	assert.Equal("⏳ Rate limit exceeded. Please wait 4m 50s before submitting again.",
		r.SubmitterMessage(modqueue.SubmitterMessage{Kind: modqueue.SubmitterRateLimited, RetryAfter: 290 * time.Second}))
	assert.Contains(r.SubmitterMessage(modqueue.SubmitterMessage{Kind: modqueue.SubmitterQueueFull, QueueLimit: 50}), "(50 items)")

	assert.Equal("0m 1s", formatWait(200*time.Millisecond))
	assert.Equal("5m 0s", formatWait(5*time.Minute))
	assert.Equal("0m 0s", formatWait(0))
}

func TestRenderReviewerNotice(t *testing.T) {
	assert := assert.New(t)
	r := Renderer{PreviewLength: 10, ListPreviewLength: 5}
	it := modqueue.Item{
		ID:         4,
		Submitter:  modqueue.SubmitterIdentity{ID: 55, Username: "alice", DisplayName: "Alice"},
		Content:    modqueue.Content{Kind: modqueue.KindText, Text: "this is a fairly long message"},
		State:      modqueue.StatePending,
		EnqueuedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	notice := r.ReviewerNotice(it)
	assert.Contains(notice, "#4")
	assert.Contains(notice, "Alice (@alice)")
	assert.Contains(notice, "this is a …")
	assert.NotContains(notice, "long message")

	details := r.NoticeUpdate(modqueue.NoticeUpdate{Kind: modqueue.NoticeDetails, ItemID: 4, Item: it, Position: 2, QueueSize: 3})
	assert.Contains(details, "User ID: 55")
	assert.Contains(details, "Queue position: 2/3")
	assert.Contains(details, "2024-01-01T12:00:00Z")

	resolved := r.NoticeUpdate(modqueue.NoticeUpdate{
		Kind:     modqueue.NoticeResolved,
		ItemID:   4,
		Decision: &modqueue.Decision{ItemID: 4, State: modqueue.StateApproved, ReviewerID: 1001, ReviewerName: "Mod"},
	})
	assert.Equal("Submission #4 approved ✅ by Mod and posted.", resolved)

	gone := r.NoticeUpdate(modqueue.NoticeUpdate{Kind: modqueue.NoticeAlreadyHandled, ItemID: 9})
	assert.Equal("Submission #9 not found or already handled.", gone)
}

func TestRenderQueueListing(t *testing.T) {
	assert := assert.New(t)
	r := Renderer{PreviewLength: 300, ListPreviewLength: 5}

	assert.Equal("No pending submissions.", r.QueueListing(modqueue.QueueSnapshot{Capacity: 50}))

	listing := r.QueueListing(modqueue.QueueSnapshot{
		Items: []modqueue.Item{
			{ID: 3, Submitter: modqueue.SubmitterIdentity{DisplayName: "Bob"}, Content: modqueue.Content{Kind: modqueue.KindText, Text: "hello world"}},
			{ID: 5, Submitter: modqueue.SubmitterIdentity{DisplayName: "Eve"}, Content: modqueue.Content{Kind: modqueue.KindPhoto, FileID: "f"}},
		},
		Offset:   0,
		Total:    2,
		Capacity: 50,
	})
	lines := strings.Split(listing, "\n")
	assert.Equal("📊 Queue: 2/50", lines[0])
	assert.Equal("1. #3 from Bob (text): hello…", lines[2])
	assert.Equal("2. #5 from Eve (photo): <media>", lines[3])
}
