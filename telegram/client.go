package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/anonmod/anonmod/util"

	"github.com/carlmjohnson/versioninfo"
	"golang.org/x/time/rate"
)

const DefaultHost = "https://api.telegram.org"

// how long getUpdates may wait server-side for new updates
const DefaultPollTimeout = 30 * time.Second

// APIError is a failed Bot API call, as reported by the API itself.
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("telegram %s: %d %s (retry after %s)", e.Method, e.Code, e.Description, e.RetryAfter)
	}
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

func (e *APIError) IsThrottled() bool {
	return e.Code == http.StatusTooManyRequests
}

// editing a message to identical content is reported as an error by the API
func (e *APIError) IsNotModified() bool {
	return e.Code == http.StatusBadRequest && strings.Contains(e.Description, "message is not modified")
}

// Client is a minimal Bot API client. Requests are JSON POSTs. Reads such as getUpdates go through Client, which retries transport failures and 5xx. Sends and edits go through SendClient, which only retries failed connects, so a post the API may already have accepted is never repeated. Throttled sends are retried by the client itself, honoring retry_after.
type Client struct {
	Host  string
	Token string
	// throttles outbound sends and edits; getUpdates is not throttled
	SendLimiter *rate.Limiter
	// throttled sends asking for a longer wait than this fail immediately
	MaxThrottleWait time.Duration
	Client          *http.Client
	SendClient      *http.Client
	UserAgent       string
	Logger          *slog.Logger
}

// NewClient configures a client for the given bot token. sendRate is the max number of outbound messages per second; non-positive means unlimited.
func NewClient(host, token string, sendRate int, logger *slog.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	if logger == nil {
		logger = slog.Default()
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if sendRate > 0 {
		lim = rate.NewLimiter(rate.Limit(sendRate), 1)
	}
	return &Client{
		Host:            strings.TrimSuffix(host, "/"),
		Token:           token,
		SendLimiter:     lim,
		MaxThrottleWait: 10 * time.Second,
		Client:          util.LongPollHTTPClient(logger, DefaultPollTimeout),
		SendClient:      util.SendHTTPClient(logger),
		UserAgent:       "anonmod/" + versioninfo.Short(),
		Logger:          logger.With("component", "telegram"),
	}
}

func (c *Client) getClient() *http.Client {
	if c.Client == nil {
		return util.RobustHTTPClient(c.Logger)
	}
	return c.Client
}

func (c *Client) getSendClient() *http.Client {
	if c.SendClient == nil {
		return util.SendHTTPClient(c.Logger)
	}
	return c.SendClient
}

// Call invokes a Bot API method with a JSON body and decodes the result into out (if non-nil). It is for idempotent methods; see Client.
func (c *Client) Call(ctx context.Context, method string, params any, out any) error {
	return c.call(ctx, c.getClient(), method, params, out)
}

func (c *Client) call(ctx context.Context, hc *http.Client, method string, params any, out any) error {
	start := time.Now()
	status := "ok"
	defer func() {
		apiRequestCount.WithLabelValues(method, status).Inc()
		apiRequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	b, err := json.Marshal(params)
	if err != nil {
		status = "encode"
		return fmt.Errorf("encoding %s params: %w", method, err)
	}

	// the token is part of the path; never log the URL
	uri := c.Host + "/bot" + c.Token + "/" + method
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(b))
	if err != nil {
		status = "request"
		return fmt.Errorf("building %s request: %s", method, redact(err.Error(), c.Token))
	}
	req.Header.Set("Content-Type", "application/json")
	if c.UserAgent != "" {
		req.Header.Set("User-Agent", c.UserAgent)
	}

	resp, err := hc.Do(req)
	if err != nil {
		status = "transport"
		return fmt.Errorf("telegram %s request failed: %s", method, redact(err.Error(), c.Token))
	}
	defer resp.Body.Close()

	var env apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		status = "decode"
		return fmt.Errorf("decoding %s response (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !env.OK {
		status = fmt.Sprintf("%d", env.ErrorCode)
		apiErr := &APIError{
			Method:      method,
			Code:        env.ErrorCode,
			Description: env.Description,
		}
		if apiErr.Code == 0 {
			apiErr.Code = resp.StatusCode
		}
		if env.Parameters != nil && env.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(env.Parameters.RetryAfter) * time.Second
		}
		return apiErr
	}
	if out == nil || len(env.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		status = "decode"
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}

// url.Error embeds the full request URL, which contains the bot token
func redact(s, token string) string {
	if token == "" {
		return s
	}
	return strings.ReplaceAll(s, token, "<token>")
}

func (c *Client) send(ctx context.Context, method string, params any, out any) error {
	const maxAttempts = 3
	for attempt := 1; ; attempt++ {
		if err := c.SendLimiter.Wait(ctx); err != nil {
			return err
		}
		err := c.call(ctx, c.getSendClient(), method, params, out)
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !apiErr.IsThrottled() || attempt >= maxAttempts || apiErr.RetryAfter > c.MaxThrottleWait {
			return err
		}
		c.Logger.Warn("bot API throttled us, waiting", "method", method, "retry_after", apiErr.RetryAfter, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(apiErr.RetryAfter):
		}
	}
}

// GetUpdates long-polls for updates with id >= offset.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var out []Update
	err := c.Call(ctx, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout.Seconds()),
		AllowedUpdates: []string{"message", "callback_query"},
	}, &out)
	return out, err
}

func (c *Client) SendMessage(ctx context.Context, p SendMessageParams) (*Message, error) {
	var out Message
	if err := c.send(ctx, "sendMessage", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMedia dispatches to sendPhoto, sendVideo, sendDocument or sendVoice depending on which media field is set.
func (c *Client) SendMedia(ctx context.Context, p SendMediaParams) (*Message, error) {
	var method string
	switch {
	case p.Photo != "":
		method = "sendPhoto"
	case p.Video != "":
		method = "sendVideo"
	case p.Document != "":
		method = "sendDocument"
	case p.Voice != "":
		method = "sendVoice"
	default:
		return nil, fmt.Errorf("send media: no media handle set")
	}
	var out Message
	if err := c.send(ctx, method, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) EditMessageText(ctx context.Context, p EditMessageTextParams) error {
	return c.send(ctx, "editMessageText", p, nil)
}

func (c *Client) EditMessageCaption(ctx context.Context, p EditMessageCaptionParams) error {
	return c.send(ctx, "editMessageCaption", p, nil)
}

func (c *Client) AnswerCallbackQuery(ctx context.Context, p AnswerCallbackQueryParams) error {
	return c.Call(ctx, "answerCallbackQuery", p, nil)
}

// SetWebhook switches the bot to webhook delivery. Telegram echoes secret in the X-Telegram-Bot-Api-Secret-Token header of every delivery.
func (c *Client) SetWebhook(ctx context.Context, url, secret string) error {
	return c.Call(ctx, "setWebhook", setWebhookParams{
		URL:            url,
		SecretToken:    secret,
		AllowedUpdates: []string{"message", "callback_query"},
	}, nil)
}

// DeleteWebhook switches the bot back to getUpdates delivery.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.Call(ctx, "deleteWebhook", deleteWebhookParams{}, nil)
}
