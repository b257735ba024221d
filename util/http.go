package util

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// LeveledSlog adapts a slog.Logger to the retryablehttp.LeveledLogger interface.
type LeveledSlog struct {
	inner *slog.Logger
}

// re-writes HTTP client ERROR to WARN level (because of retries)
func (l LeveledSlog) Error(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Warn(msg string, keysAndValues ...interface{}) {
	l.inner.Warn(msg, keysAndValues...)
}

func (l LeveledSlog) Info(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// re-writes HTTP client DEBUG to INFO level (this is where retry is logged)
func (l LeveledSlog) Debug(msg string, keysAndValues ...interface{}) {
	l.inner.Info(msg, keysAndValues...)
}

// Generates an HTTP client with decent general-purpose defaults around
// timeouts and retries. The returned client has the stdlib http.Client
// interface, but has Hashicorp retryablehttp logic internally, and an
// OpenTelemetry instrumented transport.
//
// This client will retry on connection errors and 5xx status (except 501).
// 429 responses are returned to the caller, which knows how the remote
// service reports its backoff. Intermediate failures are logged at WARN.
//
// A nil logger means slog.Default().
func RobustHTTPClient(logger *slog.Logger) *http.Client {
	return robustHTTPClient(logger, 3, 20*time.Second, RetryPolicy)
}

// LongPollHTTPClient is RobustHTTPClient with a request timeout that leaves room for a server-side wait of up to poll.
func LongPollHTTPClient(logger *slog.Logger, poll time.Duration) *http.Client {
	return robustHTTPClient(logger, 3, poll+20*time.Second, RetryPolicy)
}

// SendHTTPClient is for requests that must not be repeated once the server may have seen them, such as posting a message. Only failures to connect are retried; 5xx responses are returned to the caller as is.
func SendHTTPClient(logger *slog.Logger) *http.Client {
	return robustHTTPClient(logger, 3, 20*time.Second, DialRetryPolicy)
}

func robustHTTPClient(logger *slog.Logger, retries int, timeout time.Duration, policy retryablehttp.CheckRetry) *http.Client {
	if logger == nil {
		logger = slog.Default()
	}
	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient.Transport = otelhttp.NewTransport(cleanhttp.DefaultPooledTransport())
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 1 * time.Second
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(LeveledSlog{logger.With("component", "http")})
	retryClient.CheckRetry = policy
	client := retryClient.StandardClient()
	client.Timeout = timeout
	return client
}

// RetryPolicy is retryablehttp.DefaultRetryPolicy, except that 429 Too Many Requests is not retried.
func RetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// DialRetryPolicy retries only when no connection could be made, so the request was never sent.
func DialRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	var opErr *net.OpError
	if err != nil && errors.As(err, &opErr) && opErr.Op == "dial" {
		return true, nil
	}
	return false, nil
}
