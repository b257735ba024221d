package telegram

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Poller receives updates with getUpdates long polling and hands them to a Bot.
type Poller struct {
	Client  *Client
	Bot     *Bot
	Timeout time.Duration
	// wait after a failed poll before trying again
	Backoff time.Duration
	Logger  *slog.Logger

	offset int64
}

func NewPoller(c *Client, b *Bot, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{
		Client:  c,
		Bot:     b,
		Timeout: DefaultPollTimeout,
		Backoff: 3 * time.Second,
		Logger:  logger.With("component", "telegram-poller"),
	}
}

// Offset is the id of the next update the poller will ask for.
func (p *Poller) Offset() int64 {
	return p.offset
}

// Run polls until ctx is cancelled, then waits for in-flight updates to finish. Poll failures are logged and retried; Run only returns an error if polling cannot be started.
func (p *Poller) Run(ctx context.Context) error {
	// getUpdates is refused while a webhook is registered
	if err := p.Client.DeleteWebhook(ctx); err != nil {
		return err
	}
	p.Logger.Info("starting long polling", "timeout", p.Timeout)
	defer p.Bot.Wait()

	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			wait := p.Backoff
			var apiErr *APIError
			if errors.As(err, &apiErr) && apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
			p.Logger.Warn("polling for updates failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(wait):
			}
			continue
		}
		if n > 0 {
			p.Logger.Debug("received updates", "count", n, "offset", p.offset)
		}
	}
}

// PollOnce fetches one batch of updates and dispatches them, advancing the offset past every update received.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	updates, err := p.Client.GetUpdates(ctx, p.offset, p.Timeout)
	if err != nil {
		return 0, err
	}
	for _, u := range updates {
		if u.UpdateID >= p.offset {
			p.offset = u.UpdateID + 1
		}
		p.Bot.Dispatch(ctx, u, "poll")
	}
	return len(updates), nil
}
