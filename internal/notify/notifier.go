// Package notify delivers batches of service transitions to external systems.
package notify

import (
	"context"

	"github.com/nholik/skyward/internal/transition"
)

// Notifier delivers transition alerts to external systems. It satisfies
// transition.Publisher.
type Notifier interface {
	Notify(ctx context.Context, deployment string, events []transition.Event) error
}

var _ transition.Publisher = Notifier(nil)

func deploymentKey(deployment string) string {
	if deployment == "" {
		return "default"
	}
	return deployment
}
