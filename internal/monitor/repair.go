package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/state"
)

type repairSchedule struct {
	bo       *backoff.ExponentialBackOff
	next     time.Time
	attempts int
}

// RepairDue reports whether a repair of id may run at now.
func (m *Monitor) RepairDue(id string, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.repairs[id]
	return s == nil || !now.Before(s.next)
}

func (m *Monitor) scheduleRepair(id string, now time.Time) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.repairs[id]
	if s == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.repairInitial
		bo.MaxInterval = m.repairMax
		bo.MaxElapsedTime = 0
		bo.RandomizationFactor = 0
		bo.Reset()
		s = &repairSchedule{bo: bo}
		m.repairs[id] = s
	}
	s.attempts++
	s.next = now.Add(s.bo.NextBackOff())
	return s.next
}

func (m *Monitor) resetRepair(id string) {
	m.mu.Lock()
	delete(m.repairs, id)
	m.mu.Unlock()
}

// repair re-runs the orchestrator for a Failed service when its backoff is
// due. The probe lease is already released here: Repair takes its own.
func (m *Monitor) repair(ctx context.Context, d *orchestrator.Deployment, id string) error {
	if m.reconciler == nil {
		return nil
	}
	if st, ok := d.Registry.Get(id); !ok || st.Phase != state.PhaseFailed {
		// An upstream repair earlier in this cycle already covered it.
		return nil
	}
	now := m.now()
	if !m.RepairDue(id, now) {
		m.logger.Debug().Str("service", id).Msg("repair backing off")
		return nil
	}

	m.logger.Info().Str("service", id).Msg("repair started")
	report, err := m.reconciler.Repair(ctx, d, id)
	if err != nil {
		next := m.scheduleRepair(id, now)
		return wrapRuntime("repair "+id, errors.Join(err, errors.New("next attempt at "+next.Format(time.RFC3339))))
	}

	out, _ := report.Outcome(id)
	if out.Phase == state.PhaseHealthy {
		m.resetRepair(id)
		m.logger.Info().Str("service", id).Msg("repair succeeded")
		return nil
	}
	next := m.scheduleRepair(id, now)
	m.logger.Warn().
		Str("service", id).
		Str("phase", string(out.Phase)).
		Strs("causes", out.Causes).
		Time("next_attempt", next).
		Msg("repair did not restore service")
	return nil
}
