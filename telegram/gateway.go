package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/anonmod/anonmod/modqueue"
)

// Gateway delivers moderation events over the Bot API.
type Gateway struct {
	Client *Client
	// chat id of the distribution channel
	ChannelID int64
	Render    Renderer
	Logger    *slog.Logger
}

var _ modqueue.Gateway = (*Gateway)(nil)

func NewGateway(c *Client, channelID int64, render Renderer, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		Client:    c,
		ChannelID: channelID,
		Render:    render,
		Logger:    logger.With("component", "telegram-gateway"),
	}
}

func mediaParams(chatID int64, c modqueue.Content, caption string, kb *InlineKeyboardMarkup) (SendMediaParams, error) {
	p := SendMediaParams{ChatID: chatID, Caption: caption, ReplyMarkup: kb}
	switch c.Kind {
	case modqueue.KindPhoto:
		p.Photo = c.FileID
	case modqueue.KindVideo:
		p.Video = c.FileID
	case modqueue.KindDocument:
		p.Document = c.FileID
	case modqueue.KindVoice:
		p.Voice = c.FileID
	default:
		return p, fmt.Errorf("not a media kind: %s", c.Kind)
	}
	return p, nil
}

// NotifyReviewer sends the item itself (media re-sent by file id, with the notice as caption) so reviewers see exactly what would be posted.
func (g *Gateway) NotifyReviewer(ctx context.Context, reviewerID int64, n modqueue.ReviewerNotice) (modqueue.NoticeRef, error) {
	text := g.Render.ReviewerNotice(n.Item)
	kb := Keyboard(n.Item.ID, n.Actions)
	if n.Item.Content.HasMedia() {
		p, err := mediaParams(reviewerID, n.Item.Content, clip(text, maxCaptionLength), kb)
		if err != nil {
			return modqueue.NoticeRef{}, err
		}
		msg, err := g.Client.SendMedia(ctx, p)
		if err != nil {
			return modqueue.NoticeRef{}, err
		}
		return modqueue.NoticeRef{ReviewerID: reviewerID, MessageID: msg.MessageID, HasMedia: true}, nil
	}
	msg, err := g.Client.SendMessage(ctx, SendMessageParams{
		ChatID:      reviewerID,
		Text:        clip(text, maxTextLength),
		ReplyMarkup: kb,
	})
	if err != nil {
		return modqueue.NoticeRef{}, err
	}
	return modqueue.NoticeRef{ReviewerID: reviewerID, MessageID: msg.MessageID}, nil
}

func (g *Gateway) NotifySubmitter(ctx context.Context, submitter modqueue.SubmitterIdentity, m modqueue.SubmitterMessage) error {
	_, err := g.Client.SendMessage(ctx, SendMessageParams{
		ChatID: submitter.ID,
		Text:   g.Render.SubmitterMessage(m),
	})
	return err
}

// PostToChannel publishes content only; nothing about the submitter is ever passed in.
func (g *Gateway) PostToChannel(ctx context.Context, content modqueue.Content) error {
	if content.HasMedia() {
		p, err := mediaParams(g.ChannelID, content, content.Text, nil)
		if err != nil {
			return err
		}
		_, err = g.Client.SendMedia(ctx, p)
		return err
	}
	_, err := g.Client.SendMessage(ctx, SendMessageParams{
		ChatID: g.ChannelID,
		Text:   content.Text,
	})
	return err
}

// UpdateReviewerNotice edits a notice in place: the caption for media notices, the text otherwise. If the edit is refused, it falls back to the other edit method, and finally to a fresh message.
func (g *Gateway) UpdateReviewerNotice(ctx context.Context, ref modqueue.NoticeRef, u modqueue.NoticeUpdate) error {
	text := g.Render.NoticeUpdate(u)
	kb := Keyboard(u.ItemID, u.Actions)

	editCaption := func() error {
		return g.Client.EditMessageCaption(ctx, EditMessageCaptionParams{
			ChatID:      ref.ReviewerID,
			MessageID:   ref.MessageID,
			Caption:     clip(text, maxCaptionLength),
			ReplyMarkup: kb,
		})
	}
	editText := func() error {
		return g.Client.EditMessageText(ctx, EditMessageTextParams{
			ChatID:      ref.ReviewerID,
			MessageID:   ref.MessageID,
			Text:        clip(text, maxTextLength),
			ReplyMarkup: kb,
		})
	}
	first, second := editText, editCaption
	if ref.HasMedia {
		first, second = editCaption, editText
	}

	err := first()
	if err == nil || isNotModified(err) {
		return nil
	}
	if !isBadRequest(err) {
		return err
	}
	g.Logger.Debug("notice edit refused, trying alternate edit", "message", ref.MessageID, "err", err)
	editFallbackCount.WithLabelValues("alternate_edit").Inc()
	err = second()
	if err == nil || isNotModified(err) {
		return nil
	}
	if !isBadRequest(err) {
		return err
	}
	// message too old to edit, or deleted by the reviewer
	g.Logger.Info("notice edit refused, sending new message", "message", ref.MessageID, "err", err)
	editFallbackCount.WithLabelValues("new_message").Inc()
	_, err = g.Client.SendMessage(ctx, SendMessageParams{
		ChatID:      ref.ReviewerID,
		Text:        clip(text, maxTextLength),
		ReplyMarkup: kb,
	})
	return err
}

// Reply sends a plain text message to a chat.
func (g *Gateway) Reply(ctx context.Context, chatID int64, text string) error {
	_, err := g.Client.SendMessage(ctx, SendMessageParams{
		ChatID: chatID,
		Text:   clip(text, maxTextLength),
	})
	return err
}

func isNotModified(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsNotModified()
}

func isBadRequest(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == 400
}
