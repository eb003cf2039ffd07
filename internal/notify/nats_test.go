package notify

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

type published struct {
	subject string
	data    []byte
}

type fakeNATS struct {
	messages   []published
	flushes    int
	publishErr error
	drained    bool
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.messages = append(f.messages, published{subject: subject, data: data})
	return nil
}

func (f *fakeNATS) FlushWithContext(ctx context.Context) error {
	f.flushes++
	return ctx.Err()
}

func (f *fakeNATS) Drain() error {
	f.drained = true
	return nil
}

func TestNATSNotifierPublishesOneMessagePerEvent(t *testing.T) {
	conn := &fakeNATS{}
	notifier := newNATSNotifier(zerolog.Nop(), conn, "")

	events := []transition.Event{
		{Service: "pds", Kind: "pds", From: state.PhaseVerifying, To: state.PhaseHealthy},
		{Service: "feed", Kind: "feed-generator", From: state.PhaseHealthy, To: state.PhaseDegraded, Causes: []string{"health probe failed"}},
	}
	if err := notifier.Notify(context.Background(), "demo.prod", events); err != nil {
		t.Fatalf("Notify error: %v", err)
	}

	if len(conn.messages) != 2 || conn.flushes != 1 {
		t.Fatalf("expected 2 messages and one flush, got %d / %d", len(conn.messages), conn.flushes)
	}
	if conn.messages[0].subject != "skyward.transitions.demo_prod" {
		t.Fatalf("unexpected subject %q", conn.messages[0].subject)
	}

	var msg NATSMessage
	if err := json.Unmarshal(conn.messages[1].data, &msg); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if msg.Deployment != "demo.prod" || msg.Service != "feed" || msg.To != state.PhaseDegraded {
		t.Fatalf("unexpected message %+v", msg)
	}
}

func TestNATSNotifierPublishError(t *testing.T) {
	conn := &fakeNATS{publishErr: errors.New("nats: connection closed")}
	notifier := newNATSNotifier(zerolog.Nop(), conn, "ops.events.")

	err := notifier.Notify(context.Background(), "demo", []transition.Event{{Service: "pds"}})
	if err == nil || conn.flushes != 0 {
		t.Fatalf("expected publish error without flush, got %v", err)
	}
	if got := notifier.Subject("demo"); got != "ops.events.demo" {
		t.Fatalf("unexpected subject %q", got)
	}
	if err := notifier.Close(); err != nil || !conn.drained {
		t.Fatalf("expected drain on close")
	}
}

func TestNewNATSNotifierWithoutURLIsNoop(t *testing.T) {
	notifier, err := NewNATSNotifier(zerolog.Nop(), "", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := notifier.(*NoopNotifier); !ok {
		t.Fatalf("expected noop notifier, got %T", notifier)
	}
}
