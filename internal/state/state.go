package state

import (
	"context"
	"time"

	"github.com/nholik/skyward/internal/spec"
)

// Phase is the lifecycle phase of a running service.
type Phase string

const (
	PhasePending      Phase = "Pending"
	PhaseProvisioning Phase = "Provisioning"
	PhaseVerifying    Phase = "Verifying"
	PhaseHealthy      Phase = "Healthy"
	PhaseDegraded     Phase = "Degraded"
	PhaseFailed       Phase = "Failed"
	PhaseRemoved      Phase = "Removed"
)

// Phases lists every phase in lifecycle order.
var Phases = []Phase{
	PhasePending, PhaseProvisioning, PhaseVerifying,
	PhaseHealthy, PhaseDegraded, PhaseFailed, PhaseRemoved,
}

// ServiceState is the runtime record of one service.
type ServiceState struct {
	ID                  string    `json:"id"`
	Kind                spec.Kind `json:"kind"`
	Phase               Phase     `json:"phase"`
	LastProbe           time.Time `json:"last_probe,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastError           string    `json:"last_error,omitempty"`
	Causes              []string  `json:"causes,omitempty"`
	CertificateID       string    `json:"certificate_id,omitempty"`
	Generation          string    `json:"generation"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (s ServiceState) clone() ServiceState {
	s.Causes = append([]string(nil), s.Causes...)
	return s
}

// Snapshot captures the persisted state of one deployment.
type Snapshot struct {
	Generation string         `json:"generation"`
	Services   []ServiceState `json:"services"`
	SavedAt    time.Time      `json:"saved_at"`
}

// State stores snapshots for all deployments by name.
type State struct {
	Deployments map[string]Snapshot `json:"deployments"`
}

// Store defines the interface for persisting state.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
}
