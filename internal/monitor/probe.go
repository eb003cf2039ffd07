package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"golang.org/x/sync/errgroup"
)

// CauseProbeFailed leads the cause chain of a service degraded or failed by
// its health probe.
const CauseProbeFailed = "health probe failed"

// CauseRenewalFailed leads the cause chain of a service degraded because its
// certificate could not be renewed.
const CauseRenewalFailed = "certificate renewal failed"

type verdict struct {
	id     string
	from   state.Phase
	to     state.Phase
	repair bool
}

func monitored(p state.Phase) bool {
	return p == state.PhaseHealthy || p == state.PhaseDegraded || p == state.PhaseFailed
}

func (m *Monitor) probeCycle(ctx context.Context) error {
	d := m.deployment()
	if d == nil {
		m.logger.Debug().Msg("no deployment to monitor")
		return nil
	}
	start := m.now()

	var (
		mu       sync.Mutex
		verdicts []verdict
		g        errgroup.Group
	)
	for _, st := range d.Registry.Snapshot() {
		if !monitored(st.Phase) {
			continue
		}
		// A held lease means an apply or repair owns the service right now.
		lease, ok := d.Registry.TryAcquire(st.ID)
		if !ok {
			m.logger.Debug().Str("service", st.ID).Msg("service busy, probe skipped")
			continue
		}
		g.Go(func() error {
			defer lease.Release()
			v := m.evaluate(ctx, d, lease)
			mu.Lock()
			verdicts = append(verdicts, v)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	order := make(map[string]int)
	for i, id := range d.Graph.Order() {
		order[id] = i
	}
	sort.Slice(verdicts, func(i, j int) bool { return order[verdicts[i].id] < order[verdicts[j].id] })

	var errs []error
	for _, v := range verdicts {
		if !v.repair {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		if err := m.repair(ctx, d, v.id); err != nil {
			errs = append(errs, err)
		}
	}

	unhealthy := 0
	for _, st := range d.Registry.Snapshot() {
		if monitored(st.Phase) && st.Phase != state.PhaseHealthy {
			unhealthy++
		}
	}
	for phase, n := range d.Registry.Counts() {
		m.metrics.SetServicesTotal(string(phase), n)
	}

	if m.flusher != nil {
		if err := m.flusher.Flush(ctx); err != nil {
			errs = append(errs, wrapRuntime("publish transitions", err))
		}
	}

	finished := m.now()
	duration := finished.Sub(start)
	m.tracker.RecordCycle(d.Generation(), duration, len(verdicts), unhealthy)
	m.metrics.ObserveCycleDuration(duration)
	if len(errs) == 0 {
		m.metrics.SetLastSuccessfulCycleTimestamp(finished)
	}

	m.logger.Debug().
		Str("generation", d.Generation()).
		Int("probed", len(verdicts)).
		Int("unhealthy", unhealthy).
		Dur("duration", duration).
		Msg("monitor cycle complete")
	return errors.Join(errs...)
}

// evaluate probes the leased service and applies the phase rules:
// Healthy degrades after degradeAfter consecutive failures, Degraded fails
// after failAfter further failures, and a passing probe promotes Degraded or
// Failed back to Healthy once the preconditions hold again.
func (m *Monitor) evaluate(ctx context.Context, d *orchestrator.Deployment, lease *state.Lease) verdict {
	st := lease.State()
	v := verdict{id: st.ID, from: st.Phase, to: st.Phase}
	svc, ok := d.Spec.Service(st.ID)
	if !ok {
		return v
	}

	signal := m.probe(ctx, svc)
	probeErr := signalError(signal)
	failures := lease.RecordProbe(m.now(), probeErr)
	if probeErr != nil {
		m.metrics.IncProbeFailures(st.ID)
	}
	logger := m.logger.With().Str("service", st.ID).Str("phase", string(st.Phase)).Logger()

	switch st.Phase {
	case state.PhaseHealthy:
		if probeErr != nil && failures >= m.degradeAfter {
			lease.Transition(state.PhaseDegraded, probeErr, CauseProbeFailed, fmt.Sprintf("%d consecutive probe failures", failures), probeErr.Error())
			// The counter restarts so Degraded counts only further failures.
			lease.ResetFailures()
		} else if probeErr != nil {
			logger.Warn().Err(probeErr).Int("failures", failures).Msg("health probe failed")
		}
	case state.PhaseDegraded:
		switch {
		case probeErr == nil:
			m.promote(ctx, d, lease, svc)
		case failures >= m.failAfter:
			lease.Transition(state.PhaseFailed, probeErr, CauseProbeFailed, fmt.Sprintf("%d consecutive probe failures while degraded", failures), probeErr.Error())
			v.repair = true
		default:
			logger.Warn().Err(probeErr).Int("failures", failures).Msg("health probe failed")
		}
	case state.PhaseFailed:
		if probeErr == nil {
			m.promote(ctx, d, lease, svc)
		}
		v.repair = lease.State().Phase == state.PhaseFailed
	}

	v.to = lease.State().Phase
	return v
}

// promote moves a recovered service to Healthy once every direct dependency
// is Healthy and its certificate and DNS preconditions hold again.
func (m *Monitor) promote(ctx context.Context, d *orchestrator.Deployment, lease *state.Lease, svc spec.ServiceSpec) {
	current := lease.State().Phase
	if blocked := unhealthyDependencies(d, svc.ID); len(blocked) > 0 {
		lease.Transition(current, nil, orchestrator.CauseUpstreamUnhealthy, "waiting on "+strings.Join(blocked, ", "))
		m.logger.Info().Str("service", svc.ID).Strs("dependencies", blocked).Msg("probe passed but dependencies are not healthy")
		return
	}
	if m.reconciler == nil {
		lease.Transition(state.PhaseHealthy, nil)
		m.resetRepair(svc.ID)
		return
	}

	certID, renewal, err := m.reconciler.CheckPreconditions(ctx, d, svc)
	if certID != "" {
		lease.SetCertificate(certID)
	}
	switch {
	case err != nil:
		lease.Transition(current, err, "promotion blocked", err.Error())
		m.logger.Info().Str("service", svc.ID).Err(err).Msg("probe passed but preconditions do not hold")
	case renewal != nil:
		lease.Transition(state.PhaseDegraded, renewal, CauseRenewalFailed, renewal.Error())
	default:
		lease.Transition(state.PhaseHealthy, nil)
		m.resetRepair(svc.ID)
	}
}

func unhealthyDependencies(d *orchestrator.Deployment, id string) []string {
	var out []string
	for _, dep := range d.Graph.Dependencies(id) {
		if st, ok := d.Registry.Get(dep); !ok || st.Phase != state.PhaseHealthy {
			out = append(out, dep)
		}
	}
	return out
}

func (m *Monitor) probe(ctx context.Context, svc spec.ServiceSpec) driver.HealthSignal {
	if m.drivers == nil {
		return driver.HealthSignal{Status: driver.StatusUnhealthy, Err: errors.New("no drivers configured")}
	}
	drv, err := m.drivers.For(svc.Kind)
	if err != nil {
		return driver.HealthSignal{Status: driver.StatusUnhealthy, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	defer cancel()

	done := make(chan driver.HealthSignal, 1)
	go func() {
		done <- drv.Probe(ctx, svc)
	}()
	select {
	case signal := <-done:
		return signal
	case <-ctx.Done():
		return driver.HealthSignal{Status: driver.StatusUnhealthy, Err: fmt.Errorf("probe timed out after %s", m.probeTimeout)}
	}
}

func signalError(s driver.HealthSignal) error {
	if s.Healthy() {
		return nil
	}
	if s.Err != nil {
		return s.Err
	}
	if s.Detail != "" {
		return errors.New(s.Detail)
	}
	return fmt.Errorf("probe reported %s", s.Status)
}
