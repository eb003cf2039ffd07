package notify

import (
	"context"

	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

// DryRunNotifier logs transitions without sending notifications.
type DryRunNotifier struct {
	logger zerolog.Logger
	inner  Notifier
}

// NewDryRunNotifier returns a notifier that suppresses delivery to inner and
// logs instead.
func NewDryRunNotifier(logger zerolog.Logger, inner Notifier) *DryRunNotifier {
	return &DryRunNotifier{logger: logger, inner: inner}
}

// Notify implements Notifier.
func (n *DryRunNotifier) Notify(_ context.Context, deployment string, events []transition.Event) error {
	for _, event := range events {
		n.logger.Info().
			Str("deployment", deploymentKey(deployment)).
			Str("service", event.Service).
			Str("previous_phase", string(event.From)).
			Str("current_phase", string(event.To)).
			Strs("causes", event.Causes).
			Msg("[DRY-RUN] Would notify")
	}
	return nil
}
