package server

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"platewatch/internal/app"
	"platewatch/pkg/poller"
	"platewatch/pkg/registry"
	"platewatch/pkg/store"
)

type sentMessage struct {
	ChatID int64
	Text   string
}

type captureMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (m *captureMessenger) SendMessage(_ context.Context, chatID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{ChatID: chatID, Text: text})
	return nil
}

func (m *captureMessenger) last(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("no message was sent")
	}
	return m.sent[len(m.sent)-1]
}

type fakeScheduler struct {
	mu        sync.Mutex
	scheduled map[string]bool
}

func (f *fakeScheduler) Schedule(_ context.Context, plate string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.scheduled == nil {
		f.scheduled = make(map[string]bool)
	}
	added := !f.scheduled[plate]
	f.scheduled[plate] = true
	return added, nil
}

func (f *fakeScheduler) Remove(_ context.Context, plate string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.scheduled, plate)
	return nil
}

type neverFoundChecker struct{}

func (neverFoundChecker) CheckFound(context.Context, string) (time.Time, error) {
	return time.Time{}, registry.ErrNotFound
}

type denyAllLimiter struct{}

func (denyAllLimiter) Allow(string) bool { return false }

func newTestServer(t *testing.T, cfg Config) (*Server, *store.MemoryStore, *captureMessenger) {
	t.Helper()
	st := store.NewMemoryStore()
	sc := &fakeScheduler{}
	messenger := &captureMessenger{}
	p := poller.New(st, neverFoundChecker{}, messenger, sc)
	cfg.App = app.New(st, sc, p)
	cfg.Messenger = messenger
	return New(cfg), st, messenger
}

func postUpdate(t *testing.T, s *Server, secret, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body))
	if secret != "" {
		req.Header.Set(secretTokenHeader, secret)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func commandUpdate(chatID int64, text string) string {
	return fmt.Sprintf(`{"update_id":1,"message":{"message_id":10,"from":{"username":"alice"},"chat":{"id":%d},"text":%q}}`, chatID, text)
}

func TestWebhookRejectsBadSecret(t *testing.T) {
	s, _, messenger := newTestServer(t, Config{WebhookSecret: "shh"})
	rec := postUpdate(t, s, "wrong", commandUpdate(1, "/start"))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(messenger.sent) != 0 {
		t.Fatal("no reply should be sent for an unauthorized update")
	}
}

func TestWebhookRejectsMalformedJSON(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})
	rec := postUpdate(t, s, "", "{not json")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestWebhookIgnoresNonMessageUpdate(t *testing.T) {
	s, _, messenger := newTestServer(t, Config{})
	rec := postUpdate(t, s, "", `{"update_id":2}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(messenger.sent) != 0 {
		t.Fatal("non-message updates should not trigger replies")
	}
}

func TestWebhookAddFlow(t *testing.T) {
	s, st, messenger := newTestServer(t, Config{WebhookSecret: "shh"})
	ctx := context.Background()

	rec := postUpdate(t, s, "shh", commandUpdate(7, "/add ab-123"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	reply := messenger.last(t)
	if reply.ChatID != 7 || !strings.Contains(reply.Text, "AB123") {
		t.Fatalf("reply = %+v, want tracking confirmation for AB123", reply)
	}

	vehicles, err := st.SubscriptionsByChat(ctx, 7)
	if err != nil {
		t.Fatalf("subscriptions: %v", err)
	}
	if len(vehicles) != 1 || vehicles[0].Plate != "AB123" {
		t.Fatalf("subscriptions = %+v, want exactly AB123", vehicles)
	}

	postUpdate(t, s, "shh", commandUpdate(7, "/add AB123"))
	if reply := messenger.last(t); !strings.Contains(reply.Text, "already tracking") {
		t.Fatalf("duplicate add reply = %q", reply.Text)
	}
}

func TestWebhookInvalidPlate(t *testing.T) {
	s, _, messenger := newTestServer(t, Config{})
	postUpdate(t, s, "", commandUpdate(3, "/add ,,,"))
	if reply := messenger.last(t); !strings.Contains(reply.Text, "valid plate") {
		t.Fatalf("reply = %q, want plate validation message", reply.Text)
	}
}

func TestWebhookUnknownCommand(t *testing.T) {
	s, _, messenger := newTestServer(t, Config{})
	postUpdate(t, s, "", commandUpdate(4, "/frobnicate"))
	if reply := messenger.last(t); !strings.Contains(reply.Text, "Unknown command") {
		t.Fatalf("reply = %q", reply.Text)
	}
}

func TestWebhookRateLimited(t *testing.T) {
	s, _, messenger := newTestServer(t, Config{Limiter: denyAllLimiter{}})
	postUpdate(t, s, "", commandUpdate(5, "/list"))
	if reply := messenger.last(t); !strings.Contains(reply.Text, "slow down") {
		t.Fatalf("reply = %q, want rate limit message", reply.Text)
	}
}

func TestParseCommand(t *testing.T) {
	s := &Server{botName: "platewatch_bot"}
	cases := []struct {
		text    string
		command string
		arg     string
	}{
		{"/add AB123", "/add", "AB123"},
		{"  /list  ", "/list", ""},
		{"/add@platewatch_bot AB123", "/add", "AB123"},
		{"/add@other_bot AB123", "", ""},
		{"hello there", "", ""},
		{"", "", ""},
	}
	for _, tc := range cases {
		command, arg := s.parseCommand(tc.text)
		if command != tc.command || arg != tc.arg {
			t.Fatalf("parseCommand(%q) = (%q, %q), want (%q, %q)", tc.text, command, arg, tc.command, tc.arg)
		}
	}
}

func TestHealthz(t *testing.T) {
	s, _, _ := newTestServer(t, Config{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}
