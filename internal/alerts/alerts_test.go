package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ilpnet/connector/internal/reputation"
)

type fakeChannel struct {
	name string
	fail int // fail this many sends before succeeding

	mu    sync.Mutex
	calls int
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(ctx context.Context, a Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.fail {
		return errors.New("send failed")
	}
	return nil
}

func (f *fakeChannel) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestNotifier(email, chat Channel) *Notifier {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNotifier(DefaultConfig(), email, chat, logger)
	n.sleep = func(time.Duration) {}
	return n
}

func TestCriticalRoutesToAllChannels(t *testing.T) {
	email := &fakeChannel{name: "email"}
	chat := &fakeChannel{name: "chat"}
	n := newTestNotifier(email, chat)

	n.Notify(context.Background(), Alert{Severity: reputation.SeverityCritical, Title: "double spend"})

	if email.sendCount() != 1 {
		t.Errorf("email sends = %d, want 1", email.sendCount())
	}
	if chat.sendCount() != 1 {
		t.Errorf("chat sends = %d, want 1", chat.sendCount())
	}
}

func TestHighRoutesToChatOnly(t *testing.T) {
	email := &fakeChannel{name: "email"}
	chat := &fakeChannel{name: "chat"}
	n := newTestNotifier(email, chat)

	n.Notify(context.Background(), Alert{Severity: reputation.SeverityHigh, Title: "rapid closures"})

	if email.sendCount() != 0 {
		t.Errorf("email sends = %d, want 0", email.sendCount())
	}
	if chat.sendCount() != 1 {
		t.Errorf("chat sends = %d, want 1", chat.sendCount())
	}
}

func TestLowStaysInLog(t *testing.T) {
	email := &fakeChannel{name: "email"}
	chat := &fakeChannel{name: "chat"}
	n := newTestNotifier(email, chat)

	n.Notify(context.Background(), Alert{Severity: reputation.SeverityLow, Title: "minor"})
	n.Notify(context.Background(), Alert{Severity: reputation.SeverityMedium, Title: "moderate"})

	if email.sendCount() != 0 || chat.sendCount() != 0 {
		t.Error("medium/low alerts must not leave the process")
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	chat := &fakeChannel{name: "chat", fail: 2}
	n := newTestNotifier(nil, chat)

	var delays []time.Duration
	n.sleep = func(d time.Duration) { delays = append(delays, d) }

	n.Notify(context.Background(), Alert{Severity: reputation.SeverityHigh, Title: "flaky"})

	if chat.sendCount() != 3 {
		t.Errorf("sends = %d, want 3", chat.sendCount())
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(delays) != len(want) {
		t.Fatalf("delays = %v, want %v", delays, want)
	}
	for i := range want {
		if delays[i] != want[i] {
			t.Errorf("delay %d = %v, want %v", i, delays[i], want[i])
		}
	}
}

func TestExhaustedRetriesDoNotPanic(t *testing.T) {
	chat := &fakeChannel{name: "chat", fail: 100}
	n := newTestNotifier(nil, chat)

	n.Notify(context.Background(), Alert{Severity: reputation.SeverityHigh, Title: "down"})

	if chat.sendCount() != 3 {
		t.Errorf("sends = %d, want 3 (default retry attempts)", chat.sendCount())
	}
}

func TestNilChannelsAreSkipped(t *testing.T) {
	n := newTestNotifier(nil, nil)
	// Must not panic.
	n.Notify(context.Background(), Alert{Severity: reputation.SeverityCritical, Title: "no channels"})
}

func TestWebhookChannelSend(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("unexpected content type %q", r.Header.Get("Content-Type"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), Alert{
		Severity:  reputation.SeverityCritical,
		Rule:      "double_spend_detection",
		PeerID:    "peer-a",
		Title:     "double spend",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if got["text"] != "[CRITICAL] double spend" {
		t.Errorf("unexpected text %q", got["text"])
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL)
	if err := ch.Send(context.Background(), Alert{Title: "x"}); err == nil {
		t.Fatal("expected error on non-2xx response")
	}
}

func TestEmailChannelBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	ch := NewEmailChannel(EmailConfig{
		Host: "mail.example.com",
		Port: 587,
		From: "alerts@example.com",
		To:   []string{"ops@example.com"},
	})
	ch.send = func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := ch.Send(context.Background(), Alert{
		Severity:  reputation.SeverityCritical,
		Title:     "key compromise",
		Details:   "rotate immediately",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if gotAddr != "mail.example.com:587" {
		t.Errorf("addr = %q", gotAddr)
	}
	if gotFrom != "alerts@example.com" || len(gotTo) != 1 {
		t.Errorf("from = %q, to = %v", gotFrom, gotTo)
	}
	body := string(gotMsg)
	if !strings.Contains(body, "Subject: [CRITICAL] key compromise") {
		t.Errorf("missing subject in message: %s", body)
	}
	if !strings.Contains(body, "rotate immediately") {
		t.Errorf("missing details in message: %s", body)
	}
}
