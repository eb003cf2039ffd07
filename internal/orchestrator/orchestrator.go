// Package orchestrator walks the service graph and drives every service
// through its preconditions and driver calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/dns"
	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/graph"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultApplyTimeout        = 5 * time.Minute
	defaultVerifyTimeout       = 2 * time.Minute
	defaultPreconditionTimeout = 2 * time.Minute
	defaultLeaseTimeout        = 30 * time.Second
)

// CertificateEnsurer is the certificate manager as seen by the orchestrator.
type CertificateEnsurer interface {
	Ensure(ctx context.Context, domain string, mode spec.CertMode) (*certs.Certificate, error)
}

// DNSChecker is the DNS validator as seen by the orchestrator.
type DNSChecker interface {
	Check(ctx context.Context, domain spec.DomainSpec) dns.Result
}

// Drivers resolves the driver of a kind.
type Drivers interface {
	For(kind spec.Kind) (driver.Driver, error)
}

// Deployment is one prepared generation: the document, its graph and the
// state registry the apply and monitor loops share.
type Deployment struct {
	Spec     *spec.DeploymentSpec
	Graph    *graph.Graph
	Registry *state.Registry

	mu   sync.RWMutex
	last *Report
}

// Generation returns the generation id.
func (d *Deployment) Generation() string {
	return d.Registry.Generation()
}

// LastReport returns the most recent apply report, if any.
func (d *Deployment) LastReport() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.last
}

func (d *Deployment) setLast(r *Report) {
	d.mu.Lock()
	d.last = r
	d.mu.Unlock()
}

// Orchestrator applies deployments.
type Orchestrator struct {
	logger  zerolog.Logger
	drivers Drivers
	certs   CertificateEnsurer
	dns     DNSChecker
	metrics *metrics.Metrics

	observer            state.Observer
	applyTimeout        time.Duration
	verifyTimeout       time.Duration
	preconditionTimeout time.Duration
	leaseTimeout        time.Duration
	now                 func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithCertificates enables the certificate precondition.
func WithCertificates(c CertificateEnsurer) Option {
	return func(o *Orchestrator) {
		o.certs = c
	}
}

// WithDNS enables the DNS precondition.
func WithDNS(d DNSChecker) Option {
	return func(o *Orchestrator) {
		o.dns = d
	}
}

// WithMetrics records apply durations and phase counts.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithObserver is attached to every registry Prepare builds.
func WithObserver(observer state.Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithTimeouts sets the driver Apply and Verify deadlines.
func WithTimeouts(apply, verify time.Duration) Option {
	return func(o *Orchestrator) {
		if apply > 0 {
			o.applyTimeout = apply
		}
		if verify > 0 {
			o.verifyTimeout = verify
		}
	}
}

// WithPreconditionTimeout bounds certificate and DNS preconditions together.
func WithPreconditionTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.preconditionTimeout = d
		}
	}
}

// WithLeaseTimeout bounds how long a service waits for its ownership token.
func WithLeaseTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.leaseTimeout = d
		}
	}
}

// WithClock overrides the orchestrator clock.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// New constructs an Orchestrator. Without WithCertificates or WithDNS the
// corresponding precondition is treated as satisfied.
func New(logger zerolog.Logger, drivers Drivers, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		logger:              logger,
		drivers:             drivers,
		applyTimeout:        defaultApplyTimeout,
		verifyTimeout:       defaultVerifyTimeout,
		preconditionTimeout: defaultPreconditionTimeout,
		leaseTimeout:        defaultLeaseTimeout,
		now:                 func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Prepare builds the graph and the state registry of a new generation. A
// cycle is fatal. State is carried over from previous when given.
func (o *Orchestrator) Prepare(s *spec.DeploymentSpec, previous *Deployment) (*Deployment, error) {
	if s == nil {
		return nil, errors.New("deployment spec is nil")
	}
	g, err := graph.Build(s)
	if err != nil {
		return nil, err
	}

	generation := s.Fingerprint
	if generation == "" {
		generation = uuid.NewString()
	}

	var prev *state.Registry
	if previous != nil {
		prev = previous.Registry
	}
	opts := []state.RegistryOption{state.WithClock(o.now)}
	if o.observer != nil {
		opts = append(opts, state.WithObserver(o.observer))
	}

	return &Deployment{
		Spec:     s,
		Graph:    g,
		Registry: state.NewRegistry(generation, s.Services, prev, opts...),
	}, nil
}

// Apply walks the graph level by level. Services within a level run
// concurrently; levels run in order. Cancellation is honoured only between
// levels: a service that started always runs to a recorded outcome.
func (o *Orchestrator) Apply(ctx context.Context, d *Deployment) (*Report, error) {
	if d == nil {
		return nil, errors.New("deployment is nil")
	}

	report := &Report{
		Deployment: d.Spec.Name,
		Generation: d.Generation(),
		Started:    o.now(),
		Order:      d.Graph.Order(),
		Levels:     d.Graph.Levels(),
	}
	o.logger.Info().Str("generation", report.Generation).Int("services", len(report.Order)).Int("levels", len(report.Levels)).Msg("apply started")

	outcomes := make(map[string]Outcome, len(report.Order))
	var mu sync.Mutex

	for i, level := range report.Levels {
		if ctx.Err() != nil {
			report.Cancelled = true
			for _, remaining := range report.Levels[i:] {
				for _, id := range remaining {
					outcomes[id] = o.skipped(d, id)
				}
			}
			o.logger.Warn().Int("level", i).Msg("apply cancelled between levels")
			break
		}

		var g errgroup.Group
		for _, id := range level {
			g.Go(func() error {
				out := o.applyService(ctx, d, id)
				mu.Lock()
				outcomes[id] = out
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, id := range report.Order {
		report.Outcomes = append(report.Outcomes, outcomes[id])
	}
	report.Outcomes = append(report.Outcomes, o.removedOutcomes(ctx, d, !report.Cancelled)...)
	report.Finished = o.now()

	o.metrics.ObserveApplyDuration(report.Duration())
	o.recordCounts(d)
	d.setLast(report)

	o.logger.Info().
		Str("generation", report.Generation).
		Bool("successful", report.Successful()).
		Bool("cancelled", report.Cancelled).
		Dur("duration", report.Duration()).
		Msg("apply finished")
	return report, nil
}

// Repair re-runs the per-service path for id and for every downstream
// dependent that is not Healthy, in topological order.
func (o *Orchestrator) Repair(ctx context.Context, d *Deployment, id string) (*Report, error) {
	if d == nil {
		return nil, errors.New("deployment is nil")
	}
	if !d.Graph.Has(id) {
		return nil, fmt.Errorf("%w %q", state.ErrUnknownService, id)
	}

	targets := []string{id}
	for _, dep := range d.Graph.Downstream(id) {
		st, ok := d.Registry.Get(dep)
		if ok && st.Phase != state.PhaseHealthy && st.Phase != state.PhaseRemoved {
			targets = append(targets, dep)
		}
	}

	report := &Report{
		Deployment: d.Spec.Name,
		Generation: d.Generation(),
		Started:    o.now(),
		Order:      targets,
	}
	for i, target := range targets {
		if ctx.Err() != nil {
			report.Cancelled = true
			for _, rest := range targets[i:] {
				report.Outcomes = append(report.Outcomes, o.skipped(d, rest))
			}
			break
		}
		report.Outcomes = append(report.Outcomes, o.applyService(ctx, d, target))
	}
	report.Finished = o.now()
	o.recordCounts(d)

	o.logger.Info().Str("service", id).Strs("targets", targets).Bool("successful", report.Successful()).Msg("repair finished")
	return report, nil
}

// CheckPreconditions runs the certificate and DNS preconditions of svc. A
// failed renewal with a still valid certificate is returned as renewal and
// is not a precondition failure.
func (o *Orchestrator) CheckPreconditions(ctx context.Context, d *Deployment, svc spec.ServiceSpec) (certID string, renewal error, err error) {
	if svc.Domain == "" {
		return "", nil, nil
	}
	domain, ok := d.Spec.Domain(svc.Domain)
	if !ok {
		return "", nil, &PreconditionError{Check: CheckDNS, Domain: svc.Domain, Err: errors.New("domain is not declared")}
	}

	ctx, cancel := context.WithTimeout(ctx, o.preconditionTimeout)
	defer cancel()

	if o.certs != nil {
		cert, err := o.certs.Ensure(ctx, domain.Hostname, domain.CertMode)
		var renewalErr *certs.RenewalError
		switch {
		case errors.As(err, &renewalErr):
			renewal = err
			certID = renewalErr.Current.ID
		case err != nil:
			return "", nil, &PreconditionError{Check: CheckCertificate, Domain: domain.Hostname, Err: err}
		default:
			certID = cert.ID
		}
	}

	if o.dns != nil {
		result := o.dns.Check(ctx, domain)
		if !result.Satisfied {
			return certID, renewal, &PreconditionError{Check: CheckDNS, Domain: domain.Hostname, Err: result.Err()}
		}
	}
	return certID, renewal, nil
}

func (o *Orchestrator) applyService(ctx context.Context, d *Deployment, id string) Outcome {
	start := o.now()
	svc, _ := d.Spec.Service(id)
	logger := o.logger.With().Str("service", id).Str("kind", string(svc.Kind)).Logger()

	// Service operations are never interrupted by apply cancellation; the
	// per-call deadlines bound them instead.
	opCtx := context.WithoutCancel(ctx)

	leaseCtx, cancel := context.WithTimeout(opCtx, o.leaseTimeout)
	lease, err := d.Registry.Acquire(leaseCtx, id)
	cancel()
	if err != nil {
		st, _ := d.Registry.Get(id)
		logger.Warn().Err(err).Msg("service ownership unavailable")
		return Outcome{Service: id, Kind: svc.Kind, Phase: st.Phase, Causes: []string{"ownership unavailable: " + err.Error()}, Skipped: true}
	}
	defer lease.Release()

	finish := func() Outcome {
		st := lease.State()
		return Outcome{
			Service:       id,
			Kind:          svc.Kind,
			Phase:         st.Phase,
			Causes:        st.Causes,
			Error:         st.LastError,
			Duration:      o.now().Sub(start),
			CertificateID: st.CertificateID,
		}
	}
	fail := func(err error) Outcome {
		lease.Transition(state.PhaseFailed, err, causes(err)...)
		logger.Error().Err(err).Msg("service failed")
		return finish()
	}

	certID, renewal, err := o.CheckPreconditions(opCtx, d, svc)
	if certID != "" {
		lease.SetCertificate(certID)
	}
	if err != nil {
		return fail(err)
	}

	var blocked []string
	for _, dep := range d.Graph.Dependencies(id) {
		if st, ok := d.Registry.Get(dep); !ok || st.Phase != state.PhaseHealthy {
			blocked = append(blocked, dep)
		}
	}
	if len(blocked) > 0 {
		return fail(&UpstreamError{Dependencies: blocked})
	}

	drv, err := o.drivers.For(svc.Kind)
	if err != nil {
		return fail(&DriverError{Op: "lookup", Service: id, Err: err})
	}

	lease.Transition(state.PhaseProvisioning, nil)
	if err := o.call(opCtx, "apply", o.applyTimeout, func(ctx context.Context) error { return drv.Apply(ctx, svc) }); err != nil {
		o.metrics.IncDriverErrors(string(svc.Kind))
		return fail(&DriverError{Op: "apply", Service: id, Err: err})
	}

	lease.Transition(state.PhaseVerifying, nil)
	if err := o.call(opCtx, "verify", o.verifyTimeout, func(ctx context.Context) error { return drv.Verify(ctx, svc) }); err != nil {
		o.metrics.IncDriverErrors(string(svc.Kind))
		return fail(&DriverError{Op: "verify", Service: id, Err: err})
	}

	lease.ResetFailures()
	if renewal != nil {
		lease.Transition(state.PhaseDegraded, renewal, "certificate renewal failed", renewal.Error())
		logger.Warn().Err(renewal).Msg("service running on a certificate that failed to renew")
		return finish()
	}
	lease.Transition(state.PhaseHealthy, nil)
	logger.Info().Dur("duration", o.now().Sub(start)).Msg("service healthy")
	return finish()
}

// call runs fn with a deadline. A driver that ignores its context is
// abandoned once the deadline passes.
func (o *Orchestrator) call(ctx context.Context, op string, timeout time.Duration, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: op, After: timeout}
		}
		return err
	case <-callCtx.Done():
		return &TimeoutError{Op: op, After: timeout}
	}
}

func (o *Orchestrator) skipped(d *Deployment, id string) Outcome {
	st, _ := d.Registry.Get(id)
	return Outcome{Service: id, Kind: st.Kind, Phase: st.Phase, Causes: []string{CauseApplyCancelled}, Skipped: true}
}

// removedOutcomes reports services dropped from the document and, when
// teardown is set, removes their containers. Data directories are kept.
func (o *Orchestrator) removedOutcomes(ctx context.Context, d *Deployment, teardown bool) []Outcome {
	var out []Outcome
	for _, st := range d.Registry.Snapshot() {
		if st.Phase != state.PhaseRemoved {
			continue
		}
		outcome := Outcome{Service: st.ID, Kind: st.Kind, Phase: st.Phase, Causes: st.Causes}
		if teardown {
			start := o.now()
			if err := o.teardown(ctx, d, st); err != nil {
				outcome.Error = err.Error()
				o.logger.Warn().Err(err).Str("service", st.ID).Msg("removed service teardown failed")
			}
			outcome.Duration = o.now().Sub(start)
		}
		out = append(out, outcome)
	}
	return out
}

func (o *Orchestrator) teardown(ctx context.Context, d *Deployment, st state.ServiceState) error {
	drv, err := o.drivers.For(st.Kind)
	if err != nil {
		return err
	}
	remover, ok := drv.(driver.Remover)
	if !ok {
		return nil
	}

	opCtx := context.WithoutCancel(ctx)
	leaseCtx, cancel := context.WithTimeout(opCtx, o.leaseTimeout)
	lease, err := d.Registry.Acquire(leaseCtx, st.ID)
	cancel()
	if err != nil {
		return fmt.Errorf("ownership unavailable: %w", err)
	}
	defer lease.Release()

	removeCtx, cancel := context.WithTimeout(opCtx, o.applyTimeout)
	defer cancel()
	if err := remover.Remove(removeCtx, spec.ServiceSpec{ID: st.ID, Kind: st.Kind}); err != nil {
		return fmt.Errorf("remove containers: %w", err)
	}
	return nil
}

func (o *Orchestrator) recordCounts(d *Deployment) {
	for phase, n := range d.Registry.Counts() {
		o.metrics.SetServicesTotal(string(phase), n)
	}
}
