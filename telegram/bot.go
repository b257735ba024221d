package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/anonmod/anonmod/modqueue"
)

// Bot translates inbound updates into moderation service calls. Each update is handled on its own goroutine, with a bounded number in flight, so a slow send never blocks update delivery.
type Bot struct {
	Service *modqueue.Service
	Gateway *Gateway
	Logger  *slog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

const DefaultMaxInFlight = 32

func NewBot(svc *modqueue.Service, gw *Gateway, maxInFlight int, logger *slog.Logger) *Bot {
	if maxInFlight <= 0 {
		maxInFlight = DefaultMaxInFlight
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bot{
		Service: svc,
		Gateway: gw,
		Logger:  logger.With("component", "telegram-bot"),
		sem:     make(chan struct{}, maxInFlight),
	}
}

func updateType(u *Update) string {
	switch {
	case u.Message != nil:
		return "message"
	case u.CallbackQuery != nil:
		return "callback_query"
	}
	return "other"
}

// Dispatch handles an update asynchronously. It blocks only while the in-flight limit is reached, or until ctx is done.
func (b *Bot) Dispatch(ctx context.Context, u Update, source string) {
	updatesReceived.WithLabelValues(updateType(&u), source).Inc()
	select {
	case b.sem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	b.wg.Add(1)
	updatesInFlight.Inc()
	go func() {
		defer func() {
			updatesInFlight.Dec()
			<-b.sem
			b.wg.Done()
		}()
		// similar to an HTTP server, recover panics from a single update
		defer func() {
			if r := recover(); r != nil {
				b.Logger.Error("panic handling update", "update", u.UpdateID, "err", r)
			}
		}()
		if err := b.HandleUpdate(ctx, u); err != nil {
			b.Logger.Error("failed to handle update", "update", u.UpdateID, "err", err)
		}
	}()
}

// Wait blocks until every dispatched update has been handled.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// HandleUpdate processes a single update synchronously.
func (b *Bot) HandleUpdate(ctx context.Context, u Update) error {
	switch {
	case u.CallbackQuery != nil:
		return b.handleCallback(ctx, u.CallbackQuery)
	case u.Message != nil:
		return b.handleMessage(ctx, u.Message)
	}
	return nil
}

func identityOf(u *User) modqueue.SubmitterIdentity {
	return modqueue.SubmitterIdentity{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName(),
	}
}

// ContentFromMessage maps a message to submission content. Returns false for message types that cannot be submitted (stickers, polls, locations, ...).
func ContentFromMessage(m *Message) (modqueue.Content, bool) {
	switch {
	case len(m.Photo) > 0:
		// sizes are ordered smallest first
		return modqueue.Content{Kind: modqueue.KindPhoto, FileID: m.Photo[len(m.Photo)-1].FileID, Text: m.Caption}, true
	case m.Video != nil:
		return modqueue.Content{Kind: modqueue.KindVideo, FileID: m.Video.FileID, Text: m.Caption}, true
	case m.Document != nil:
		return modqueue.Content{Kind: modqueue.KindDocument, FileID: m.Document.FileID, Text: m.Caption}, true
	case m.Voice != nil:
		return modqueue.Content{Kind: modqueue.KindVoice, FileID: m.Voice.FileID, Text: m.Caption}, true
	case m.Text != "":
		return modqueue.Content{Kind: modqueue.KindText, Text: m.Text}, true
	}
	return modqueue.Content{}, false
}

// parseCommand returns the command name (without slash or @botname suffix) if the text is a bot command.
func parseCommand(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	word, _, _ := strings.Cut(text[1:], " ")
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word), word != ""
}

func (b *Bot) handleMessage(ctx context.Context, m *Message) error {
	// only private conversations; ignore groups and channels the bot may be added to
	if m.Chat.Type != "private" || m.From == nil || m.From.IsBot {
		return nil
	}
	from := m.From
	logger := b.Logger.With("from", from.ID, "message", m.MessageID)

	if cmd, ok := parseCommand(m.Text); ok {
		return b.handleCommand(ctx, logger, m, cmd)
	}

	if b.Service.IsReviewer(from.ID) {
		if _, editing := b.Service.EditingItem(from.ID); editing {
			if m.Text == "" {
				return b.Gateway.Reply(ctx, m.Chat.ID, "⚠️ Please send text only when editing. Use /cancel to cancel editing.")
			}
			return b.handleEditText(ctx, logger, m)
		}
	}

	content, ok := ContentFromMessage(m)
	if !ok {
		logger.Debug("ignoring unsupported message type")
		return b.Gateway.Reply(ctx, m.Chat.ID, "⚠️ Unsupported message type. Send text, a photo, a video, a document or a voice note.")
	}
	// message dates are second-granular, so admission uses the service clock
	_, err := b.Service.OnSubmission(ctx, modqueue.SubmissionEvent{
		Submitter: identityOf(from),
		Content:   content,
	})
	var rle *modqueue.RateLimitError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &rle), errors.Is(err, modqueue.ErrQueueFull), errors.Is(err, modqueue.ErrIntakeThrottled):
		// submitter has already been told
		return nil
	case errors.Is(err, modqueue.ErrContentTooLong):
		return b.Gateway.Reply(ctx, m.Chat.ID, "⚠️ That message is too long.")
	case errors.Is(err, modqueue.ErrInvalidContent):
		return b.Gateway.Reply(ctx, m.Chat.ID, "⚠️ That message is empty.")
	default:
		return fmt.Errorf("submission from %d: %w", from.ID, err)
	}
}

func (b *Bot) handleEditText(ctx context.Context, logger *slog.Logger, m *Message) error {
	itemID, _ := b.Service.EditingItem(m.From.ID)
	consumed, err := b.Service.OnReviewerText(ctx, m.From.ID, m.Text, time.Now())
	switch {
	case !consumed:
		// session was cancelled between the check and the edit
		return b.Gateway.Reply(ctx, m.Chat.ID, "Nothing is being edited.")
	case errors.Is(err, modqueue.ErrItemNotFound):
		return b.Gateway.Reply(ctx, m.Chat.ID, "❌ Submission not found or already handled.")
	case errors.Is(err, modqueue.ErrContentTooLong):
		return b.Gateway.Reply(ctx, m.Chat.ID, fmt.Sprintf("⚠️ Too long: text is limited to %d characters, captions to %d. Send a shorter text, or /cancel.", modqueue.MaxTextLength, modqueue.MaxCaptionLength))
	case errors.Is(err, modqueue.ErrInvalidContent):
		return b.Gateway.Reply(ctx, m.Chat.ID, "⚠️ The text can't be empty. Send the new text, or /cancel.")
	case err != nil:
		return err
	}
	logger.Info("reviewer edited item", "item", itemID)
	return b.Gateway.Reply(ctx, m.Chat.ID, fmt.Sprintf("✅ Submission #%d updated. Check the moderation message above.", itemID))
}

func (b *Bot) handleCommand(ctx context.Context, logger *slog.Logger, m *Message, cmd string) error {
	switch cmd {
	case "start":
		return b.Gateway.Reply(ctx, m.Chat.ID, b.Gateway.Render.Welcome())
	case "queue":
		snap, err := b.Service.OnQueueCommand(ctx, m.From.ID)
		if errors.Is(err, modqueue.ErrUnauthorized) {
			return b.Gateway.Reply(ctx, m.Chat.ID, "❌ Not allowed.")
		} else if err != nil {
			return err
		}
		return b.Gateway.Reply(ctx, m.Chat.ID, b.Gateway.Render.QueueListing(snap))
	case "cancel":
		if !b.Service.IsReviewer(m.From.ID) {
			return nil
		}
		if b.Service.CancelEdit(m.From.ID) {
			return b.Gateway.Reply(ctx, m.Chat.ID, "❌ Edit cancelled.")
		}
		return b.Gateway.Reply(ctx, m.Chat.ID, "Nothing to cancel.")
	}
	logger.Debug("ignoring unknown command", "command", cmd)
	return nil
}

func (b *Bot) handleCallback(ctx context.Context, q *CallbackQuery) error {
	logger := b.Logger.With("from", q.From.ID, "callback", q.ID)
	answer := func(text string) {
		if err := b.Gateway.Client.AnswerCallbackQuery(ctx, AnswerCallbackQueryParams{CallbackQueryID: q.ID, Text: text}); err != nil {
			logger.Warn("failed to answer callback query", "err", err)
		}
	}

	action, itemID, err := ParseCallbackData(q.Data)
	if err != nil {
		logger.Info("bad callback data", "data", q.Data, "err", err)
		answer("Bad callback data.")
		return nil
	}

	ev := modqueue.ReviewerActionEvent{
		Reviewer: identityOf(&q.From),
		ItemID:   itemID,
		Action:   action,
	}
	if q.Message != nil {
		ev.Notice = modqueue.NoticeRef{
			ReviewerID: q.Message.Chat.ID,
			MessageID:  q.Message.MessageID,
			HasMedia:   q.Message.HasMedia(),
		}
	}

	res, err := b.Service.OnReviewerAction(ctx, ev)
	if errors.Is(err, modqueue.ErrUnauthorized) {
		answer("Not authorized.")
		return nil
	} else if err != nil {
		answer("Something went wrong.")
		return err
	}

	switch res.Outcome {
	case modqueue.OutcomeApproved:
		if res.PostErr != nil {
			answer("Approved, but posting failed.")
		} else {
			answer("Approved and posted.")
		}
	case modqueue.OutcomeRejected:
		answer("Rejected.")
	case modqueue.OutcomeAlreadyHandled:
		answer("Already handled.")
	case modqueue.OutcomeEditStarted:
		answer("Send the new text.")
	default:
		answer("")
	}
	return nil
}
