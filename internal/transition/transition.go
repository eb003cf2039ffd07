package transition

import (
	"context"
	"sync"
	"time"

	"github.com/nholik/skyward/internal/metrics"
	"github.com/nholik/skyward/internal/state"
	"github.com/rs/zerolog"
)

// Event is a structured record of one service phase change.
type Event struct {
	Service    string      `json:"service"`
	Kind       string      `json:"kind"`
	From       state.Phase `json:"from"`
	To         state.Phase `json:"to"`
	Causes     []string    `json:"causes,omitempty"`
	Generation string      `json:"generation"`
	At         time.Time   `json:"at"`
}

// FromChange converts a registry change into an Event.
func FromChange(c state.Change) Event {
	return Event{
		Service:    c.Service,
		Kind:       string(c.Kind),
		From:       c.From,
		To:         c.To,
		Causes:     append([]string(nil), c.Causes...),
		Generation: c.Generation,
		At:         c.At,
	}
}

// Publisher delivers batches of events to external systems.
type Publisher interface {
	Notify(ctx context.Context, deployment string, events []Event) error
}

// Recorder logs every change as it happens and batches events for publishing.
type Recorder struct {
	logger     zerolog.Logger
	deployment string
	metrics    *metrics.Metrics
	publisher  Publisher

	mu      sync.Mutex
	pending []Event
	history []Event
	limit   int
}

const defaultHistoryLimit = 256

// NewRecorder builds a Recorder. metrics and publisher may be nil.
func NewRecorder(logger zerolog.Logger, deployment string, m *metrics.Metrics, publisher Publisher) *Recorder {
	return &Recorder{
		logger:     logger,
		deployment: deployment,
		metrics:    m,
		publisher:  publisher,
		limit:      defaultHistoryLimit,
	}
}

// Observe is a state.Observer.
func (r *Recorder) Observe(c state.Change) {
	event := FromChange(c)

	logEvent := r.logger.Info()
	switch event.To {
	case state.PhaseFailed:
		logEvent = r.logger.Error()
	case state.PhaseDegraded:
		logEvent = r.logger.Warn()
	}
	logEvent.
		Str("service", event.Service).
		Str("kind", event.Kind).
		Str("previous_phase", string(event.From)).
		Str("current_phase", string(event.To)).
		Strs("causes", event.Causes).
		Str("generation", event.Generation).
		Msg("service transition detected")

	r.metrics.IncTransitions(string(event.To))

	r.mu.Lock()
	r.pending = append(r.pending, event)
	r.history = append(r.history, event)
	if len(r.history) > r.limit {
		r.history = append([]Event(nil), r.history[len(r.history)-r.limit:]...)
	}
	r.mu.Unlock()
}

// Flush publishes buffered events. Events are dropped from the buffer even if
// delivery fails; the failure is logged and returned.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 || r.publisher == nil {
		return nil
	}
	if err := r.publisher.Notify(ctx, r.deployment, batch); err != nil {
		r.logger.Error().Err(err).Int("events", len(batch)).Msg("failed to publish transitions")
		return err
	}
	return nil
}

// Recent returns up to n of the most recent events, oldest first.
func (r *Recorder) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.history) {
		n = len(r.history)
	}
	return append([]Event(nil), r.history[len(r.history)-n:]...)
}
