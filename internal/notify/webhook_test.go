package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

func failedEvent() []transition.Event {
	return []transition.Event{{Service: "feed", Kind: "feed-generator", From: state.PhaseHealthy, To: state.PhaseFailed}}
}

func TestWebhookNotifierTemplateRendering(t *testing.T) {
	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(string(data))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, `{"deployment":"{{ .Deployment }}","count":{{ len .Events }}}`)
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	if err := notifier.Notify(context.Background(), "alpha", failedEvent()); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	got := body.Load().(string)
	if !strings.Contains(got, `"deployment":"alpha"`) {
		t.Fatalf("expected deployment in payload, got %s", got)
	}
	if !strings.Contains(got, `"count":1`) {
		t.Fatalf("expected count in payload, got %s", got)
	}
}

func TestWebhookNotifierDefaultTemplateIsJSON(t *testing.T) {
	var body atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		body.Store(data)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "")
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}
	notifier.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	if err := notifier.Notify(context.Background(), "", failedEvent()); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	var decoded struct {
		Deployment  string             `json:"deployment"`
		GeneratedAt string             `json:"generated_at"`
		Events      []transition.Event `json:"events"`
	}
	if err := json.Unmarshal(body.Load().([]byte), &decoded); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if decoded.Deployment != "default" || decoded.GeneratedAt != "2026-03-01T12:00:00Z" {
		t.Fatalf("unexpected payload %+v", decoded)
	}
	if len(decoded.Events) != 1 || decoded.Events[0].To != state.PhaseFailed {
		t.Fatalf("unexpected events %+v", decoded.Events)
	}
}

func TestWebhookNotifierRetriesOnServerError(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		count := atomic.AddInt32(&calls, 1)
		if count <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier, err := NewWebhookNotifier(zerolog.Nop(), server.URL, "", WithWebhookRetries(3, time.Millisecond))
	if err != nil {
		t.Fatalf("NewWebhookNotifier error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	if err := notifier.Notify(ctx, "alpha", failedEvent()); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestWebhookNotifierInvalidTemplate(t *testing.T) {
	_, err := NewWebhookNotifier(zerolog.Nop(), "http://example.com", "{{")
	if err == nil {
		t.Fatalf("expected template error")
	}
}

func TestWebhookNotifierEmptyURL(t *testing.T) {
	notifier, err := NewWebhookNotifier(zerolog.Nop(), "", "")
	if err != nil || notifier != nil {
		t.Fatalf("expected nil notifier, got %v, %v", notifier, err)
	}
	if err := notifier.Notify(context.Background(), "alpha", failedEvent()); err != nil {
		t.Fatalf("nil notifier should be a no-op, got %v", err)
	}
}
