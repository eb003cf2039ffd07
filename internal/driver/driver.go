// Package driver implements the per-kind service drivers the orchestrator
// sequences. There is exactly one driver per service kind.
package driver

import (
	"context"
	"fmt"

	"github.com/nholik/skyward/internal/spec"
)

// Status is the coarse result of a probe.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthSignal is what a single probe observed.
type HealthSignal struct {
	Status Status
	Detail string
	Err    error
}

// Healthy reports whether the probe succeeded.
func (h HealthSignal) Healthy() bool {
	return h.Status == StatusHealthy
}

// Driver brings one kind of service up and reports on it. Implementations
// must be safe for concurrent use across different services.
type Driver interface {
	Kind() spec.Kind
	Apply(ctx context.Context, svc spec.ServiceSpec) error
	Verify(ctx context.Context, svc spec.ServiceSpec) error
	Probe(ctx context.Context, svc spec.ServiceSpec) HealthSignal
}

// Remover is implemented by drivers that can tear a service down.
type Remover interface {
	Remove(ctx context.Context, svc spec.ServiceSpec) error
}

// Set holds the driver of every kind.
type Set struct {
	PDS           Driver
	RelayConsumer Driver
	Moderation    Driver
	FeedGenerator Driver
}

// NewSet wires the four container drivers onto one runtime and prober.
// secrets feeds the PDS credentials and may be nil.
func NewSet(runtime Runtime, prober *HTTPProber, secrets Secrets) Set {
	return Set{
		PDS:           NewPDSDriver(runtime, prober, secrets),
		RelayConsumer: NewRelayConsumerDriver(runtime, prober),
		Moderation:    NewModerationDriver(runtime, prober),
		FeedGenerator: NewFeedGeneratorDriver(runtime, prober),
	}
}

// For returns the driver for kind.
func (s Set) For(kind spec.Kind) (Driver, error) {
	var d Driver
	switch kind {
	case spec.KindPDS:
		d = s.PDS
	case spec.KindRelayConsumer:
		d = s.RelayConsumer
	case spec.KindModeration:
		d = s.Moderation
	case spec.KindFeedGenerator:
		d = s.FeedGenerator
	default:
		return nil, fmt.Errorf("unknown service kind %q", kind)
	}
	if d == nil {
		return nil, fmt.Errorf("no driver configured for kind %q", kind)
	}
	return d, nil
}
