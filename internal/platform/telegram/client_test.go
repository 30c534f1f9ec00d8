package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeAPI serves canned Bot API responses keyed by method name.
type fakeAPI struct {
	mu    map[string]string
	calls []string
}

func (f *fakeAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(r.URL.Path, "/")
		method := parts[len(parts)-1]
		f.calls = append(f.calls, method)
		body, ok := f.mu[method]
		if !ok {
			body = `{"ok":true,"result":{}}`
		}
		w.Header().Set("Content-Type", "application/json")
		if strings.Contains(body, `"ok":false`) {
			var e struct {
				ErrorCode int `json:"error_code"`
			}
			_ = json.Unmarshal([]byte(body), &e)
			w.WriteHeader(e.ErrorCode)
		}
		_, _ = w.Write([]byte(body))
	})
}

func newTestClient(t *testing.T, api *fakeAPI) *Client {
	t.Helper()
	srv := httptest.NewServer(api.handler())
	t.Cleanup(srv.Close)
	return NewClient(zerolog.Nop(), WithAPIURL(srv.URL), WithHTTPClient(srv.Client()))
}

func TestSendTextOK(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"sendMessage": `{"ok":true,"result":{"message_id":42}}`,
	}}
	c := newTestClient(t, api)

	res, err := c.Send(context.Background(), "tok", 100, Payload{Body: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.MessageID != 42 {
		t.Fatalf("message_id = %d, want 42", res.MessageID)
	}
	if len(api.calls) != 1 || api.calls[0] != "sendMessage" {
		t.Fatalf("calls = %v", api.calls)
	}
}

func TestSendMediaPicksEndpoint(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"sendPhoto":    `{"ok":true,"result":{"message_id":1}}`,
		"sendVideo":    `{"ok":true,"result":{"message_id":2}}`,
		"sendDocument": `{"ok":true,"result":{"message_id":3}}`,
	}}
	c := newTestClient(t, api)

	for _, tc := range []struct {
		kind MediaKind
		want string
	}{
		{MediaPhoto, "sendPhoto"},
		{MediaVideo, "sendVideo"},
		{MediaDocument, "sendDocument"},
	} {
		api.calls = nil
		_, err := c.Send(context.Background(), "tok", 100, Payload{Body: "cap", Media: tc.kind, MediaURL: "https://x/y"})
		if err != nil {
			t.Fatalf("%s: %v", tc.kind, err)
		}
		if len(api.calls) != 1 || api.calls[0] != tc.want {
			t.Fatalf("%s: calls = %v", tc.kind, api.calls)
		}
	}
}

func TestSendRateLimited(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"sendMessage": `{"ok":false,"error_code":429,"description":"Too Many Requests: retry after 7","parameters":{"retry_after":7}}`,
	}}
	c := newTestClient(t, api)

	_, err := c.Send(context.Background(), "tok", 100, Payload{Body: "x"})
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("want RateLimitedError, got %T: %v", err, err)
	}
	if rl.RetryAfter != 7*time.Second {
		t.Fatalf("retry_after = %s, want 7s", rl.RetryAfter)
	}
}

func TestSendPermanentReject(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"sendMessage": `{"ok":false,"error_code":403,"description":"Forbidden: bot was blocked by the user"}`,
	}}
	c := newTestClient(t, api)

	_, err := c.Send(context.Background(), "tok", 100, Payload{Body: "x"})
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Fatalf("want PermanentError, got %T: %v", err, err)
	}
	if !strings.Contains(perm.Reason, "blocked") {
		t.Fatalf("reason = %q", perm.Reason)
	}
}

func TestSendServerErrorIsTransient(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"sendMessage": `{"ok":false,"error_code":502,"description":"Bad Gateway"}`,
	}}
	c := newTestClient(t, api)

	_, err := c.Send(context.Background(), "tok", 100, Payload{Body: "x"})
	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("want TransientError, got %T: %v", err, err)
	}
}

func TestNetworkErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close() // connection refused from here on

	c := NewClient(zerolog.Nop(), WithAPIURL(url), WithHTTPClient(&http.Client{Timeout: time.Second}))
	_, err := c.Send(context.Background(), "tok", 100, Payload{Body: "x"})
	var tr *TransientError
	if !errors.As(err, &tr) {
		t.Fatalf("want TransientError, got %T: %v", err, err)
	}
}

func TestGetUpdatesDecodesMessagesAndCallbacks(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"getUpdates": `{"ok":true,"result":[
			{"update_id":10,"message":{"message_id":1,"date":1700000000,"text":"/start",
				"from":{"id":55,"username":"u","first_name":"First","last_name":"Last"},
				"chat":{"id":55,"type":"private"}}},
			{"update_id":11,"callback_query":{"id":"cb1","data":"resume",
				"from":{"id":55,"username":"u","first_name":"First"},
				"message":{"message_id":2,"date":1700000001,"chat":{"id":55,"type":"private"}}}}
		]}`,
	}}
	c := newTestClient(t, api)

	ups, err := c.GetUpdates(context.Background(), "tok", 0, 0)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if len(ups) != 2 {
		t.Fatalf("updates = %d, want 2", len(ups))
	}
	if ups[0].Kind != UpdateMessage || ups[0].Text != "/start" || ups[0].From.ID != 55 {
		t.Fatalf("message update = %+v", ups[0])
	}
	if ups[1].Kind != UpdateCallback || ups[1].Data != "resume" || ups[1].CallbackID != "cb1" {
		t.Fatalf("callback update = %+v", ups[1])
	}
}

func TestPin(t *testing.T) {
	api := &fakeAPI{mu: map[string]string{
		"pinChatMessage": `{"ok":true,"result":true}`,
	}}
	c := newTestClient(t, api)
	if err := c.Pin(context.Background(), "tok", -100123, 42); err != nil {
		t.Fatalf("pin: %v", err)
	}
}
