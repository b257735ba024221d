package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/anonmod/anonmod/modqueue"
	"github.com/anonmod/anonmod/telegram"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stand-in Bot API that accepts every call
func okTelegram(t *testing.T) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok": true, "result": {"message_id": 1, "chat": {"id": 1, "type": "private"}, "date": 0}}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testServer(t *testing.T, mod func(*Config)) *Server {
	t.Helper()
	config := Config{
		BotToken:      "1:abc",
		TelegramHost:  okTelegram(t).URL,
		ChannelID:     -100,
		Reviewers:     []int64{1001},
		AdminToken:    "admin-secret",
		WebhookSecret: "hook-secret",
	}
	if mod != nil {
		mod(&config)
	}
	srv, err := NewServer(config)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.cancel()
		srv.bot.Wait()
	})
	return srv
}

func TestNewServerValidation(t *testing.T) {
	assert := assert.New(t)

	_, err := NewServer(Config{ChannelID: -100, Reviewers: []int64{1}})
	assert.Error(err)
	_, err = NewServer(Config{BotToken: "1:abc", Reviewers: []int64{1}})
	assert.Error(err)
	_, err = NewServer(Config{BotToken: "1:abc", ChannelID: -100})
	assert.Error(err)
}

func TestHealthCheck(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/_health", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	assert.Equal(http.StatusOK, rec.Code)
	var status GenericStatus
	assert.NoError(json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal("ok", status.Status)
	assert.Equal("anonmod", status.Daemon)
}

func TestQueueEndpointAuth(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, nil)

	for _, header := range []string{"", "admin-secret", "Bearer wrong"} {
		req := httptest.NewRequest(http.MethodGet, "/queue", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)
		assert.Equal(http.StatusForbidden, rec.Code, header)
	}

	// no admin token configured disables the endpoint
	open := testServer(t, func(c *Config) { c.AdminToken = "" })
	req := httptest.NewRequest(http.MethodGet, "/queue", nil)
	req.Header.Set("Authorization", "Bearer ")
	rec := httptest.NewRecorder()
	open.ServeHTTP(rec, req)
	assert.Equal(http.StatusForbidden, rec.Code)
}

func TestQueueEndpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	srv := testServer(t, nil)
	ctx := context.Background()

	for i, text := range []string{"first", "second", "third"} {
		_, err := srv.service.OnSubmission(ctx, modqueue.SubmissionEvent{
			Submitter: modqueue.SubmitterIdentity{ID: int64(500 + i), DisplayName: "Sub"},
			Content:   modqueue.Content{Kind: modqueue.KindText, Text: text},
		})
		require.NoError(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/queue?offset=1&limit=5", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	require.Equal(http.StatusOK, rec.Code)

	var out QueueOutput
	require.NoError(json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(3, out.Total)
	assert.Equal(50, out.Capacity)
	require.Len(out.Items, 2)
	assert.Equal(2, out.Items[0].Position)
	assert.Equal("second", out.Items[0].Content.Text)
	assert.Equal(int64(501), out.Items[0].Submitter.ID)
	assert.Equal(3, out.Items[1].Position)

	req = httptest.NewRequest(http.MethodGet, "/queue?offset=-2", nil)
	req.Header.Set("Authorization", "Bearer admin-secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusBadRequest, rec.Code)
	assert.True(strings.Contains(rec.Body.String(), "invalid offset parameter"))
}

func TestWebhookRoute(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, nil)

	body := `{"update_id": 1, "message": {"message_id": 3, "from": {"id": 77, "first_name": "Alice"}, "chat": {"id": 77, "type": "private"}, "date": 1700000000, "text": "hello"}}`
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(telegram.SecretTokenHeader, "hook-secret")
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusOK, rec.Code)

	srv.bot.Wait()
	assert.Equal(1, srv.service.Snapshot(0, 0).Total)

	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(http.StatusUnauthorized, rec.Code)

	// polling mode has no webhook route
	polling := testServer(t, func(c *Config) { c.WebhookSecret = "" })
	req = httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	rec = httptest.NewRecorder()
	polling.ServeHTTP(rec, req)
	assert.Equal(http.StatusNotFound, rec.Code)
}

func TestSweeper(t *testing.T) {
	assert := assert.New(t)
	srv := testServer(t, func(c *Config) { c.RateLimitWindow = time.Millisecond })

	_, err := srv.memLimiter.Admit(context.Background(), 5, time.Now())
	assert.NoError(err)
	assert.Equal(1, srv.memLimiter.Size())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.RunSweeper(ctx, 5*time.Millisecond)
	assert.Eventually(func() bool { return srv.memLimiter.Size() == 0 }, time.Second, 5*time.Millisecond)
}
