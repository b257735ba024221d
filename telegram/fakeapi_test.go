package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/anonmod/anonmod/modqueue"
	"github.com/anonmod/anonmod/modqueue/ratelimit"

	"github.com/stretchr/testify/require"
)

const testToken = "123456:TESTTOKEN"

type apiCall struct {
	Method string
	Params map[string]any
}

func (c apiCall) ChatID() int64 {
	v, _ := c.Params["chat_id"].(float64)
	return int64(v)
}

func (c apiCall) Str(key string) string {
	v, _ := c.Params[key].(string)
	return v
}

// fakeAPI is an in-process stand-in for the Bot API, recording every call.
type fakeAPI struct {
	mu          sync.Mutex
	calls       []apiCall
	nextMessage int64
	// canned failures per method, consumed in order
	failures map[string][]apiResponse
	// batches returned by successive getUpdates calls
	updates [][]Update
	srv     *httptest.Server
}

func newFakeAPI(t *testing.T) *fakeAPI {
	f := &fakeAPI{
		nextMessage: 500,
		failures:    make(map[string][]apiResponse),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAPI) client() *Client {
	c := NewClient(f.srv.URL, testToken, 0, nil)
	// no read retries in tests; sends keep the production client, which never repeats a request the server answered
	c.Client = f.srv.Client()
	return c
}

func (f *fakeAPI) fail(method string, code int, desc string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = append(f.failures[method], apiResponse{OK: false, ErrorCode: code, Description: desc})
}

func (f *fakeAPI) Calls() []apiCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]apiCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeAPI) CallsTo(method string) []apiCall {
	var out []apiCall
	for _, c := range f.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (f *fakeAPI) serve(w http.ResponseWriter, r *http.Request) {
	prefix := "/bot" + testToken + "/"
	if !strings.HasPrefix(r.URL.Path, prefix) {
		f.writeJSON(w, http.StatusNotFound, apiResponse{OK: false, ErrorCode: 404, Description: "Not Found"})
		return
	}
	method := strings.TrimPrefix(r.URL.Path, prefix)
	var params map[string]any
	json.NewDecoder(r.Body).Decode(&params)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: params})
	if queued := f.failures[method]; len(queued) > 0 {
		resp := queued[0]
		f.failures[method] = queued[1:]
		f.mu.Unlock()
		f.writeJSON(w, resp.ErrorCode, resp)
		return
	}

	var result any = true
	switch method {
	case "sendMessage", "sendPhoto", "sendVideo", "sendDocument", "sendVoice":
		f.nextMessage++
		chatID, _ := params["chat_id"].(float64)
		result = Message{MessageID: f.nextMessage, Chat: Chat{ID: int64(chatID), Type: "private"}}
	case "getUpdates":
		batch := []Update{}
		if len(f.updates) > 0 {
			batch = f.updates[0]
			f.updates = f.updates[1:]
		}
		result = batch
	}
	f.mu.Unlock()

	raw, _ := json.Marshal(result)
	f.writeJSON(w, http.StatusOK, apiResponse{OK: true, Result: raw})
}

const (
	testChannel  = int64(-100777)
	testReviewer = int64(1001)
	otherReview  = int64(1002)
)

func testBot(t *testing.T, f *fakeAPI) (*Bot, *modqueue.Service) {
	t.Helper()
	cfg := modqueue.DefaultConfig()
	cfg.Reviewers = []int64{testReviewer, otherReview}
	gw := NewGateway(f.client(), testChannel, Renderer{PreviewLength: cfg.PreviewLength, ListPreviewLength: cfg.ListPreviewLength}, nil)
	svc, err := modqueue.NewService(cfg, gw, ratelimit.NewMemLimiter(cfg.RateLimitCount, cfg.RateLimitWindow))
	require.NoError(t, err)
	return NewBot(svc, gw, 4, nil), svc
}

func privateMessage(id int64, from User, text string) *Message {
	return &Message{
		MessageID: id,
		From:      &from,
		Chat:      Chat{ID: from.ID, Type: "private"},
		Date:      1700000000,
		Text:      text,
	}
}
