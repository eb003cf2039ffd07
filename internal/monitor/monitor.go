// Package monitor probes running services on a schedule, moves them between
// Healthy, Degraded and Failed, and triggers repairs.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/healthcheck"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
)

const (
	DefaultDegradeAfter   = 3
	DefaultFailAfter      = 3
	defaultProbeTimeout   = 10 * time.Second
	defaultRepairInitial  = 30 * time.Second
	defaultRepairMax      = 10 * time.Minute
	defaultRevalidateWait = 2 * time.Minute
)

// Ticker is the minimal interface needed for driving the monitor loop.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

// Reconciler is the orchestrator as seen by the monitor.
type Reconciler interface {
	Repair(ctx context.Context, d *orchestrator.Deployment, id string) (*orchestrator.Report, error)
	CheckPreconditions(ctx context.Context, d *orchestrator.Deployment, svc spec.ServiceSpec) (string, error, error)
}

// Certificates is the certificate manager as seen by the monitor.
type Certificates interface {
	Domains() []string
	Revalidate(ctx context.Context, domain string) (*certs.Certificate, error)
}

// Flusher publishes buffered transition events.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Monitor runs the probe and certificate schedules.
type Monitor struct {
	logger        zerolog.Logger
	probeInterval time.Duration
	certInterval  time.Duration
	tickerFactory func(time.Duration) Ticker
	runOnce       func(context.Context) error

	current    func() *orchestrator.Deployment
	drivers    orchestrator.Drivers
	reconciler Reconciler
	certs      Certificates
	tracker    *healthcheck.Tracker
	metrics    *metrics.Metrics
	flusher    Flusher

	degradeAfter   int
	failAfter      int
	probeTimeout   time.Duration
	revalidateWait time.Duration
	repairInitial  time.Duration
	repairMax      time.Duration
	now            func() time.Time

	mu      sync.Mutex
	repairs map[string]*repairSchedule
}

// Option customizes monitor behavior.
type Option func(*Monitor)

// WithTickerFactory overrides how tickers are created.
func WithTickerFactory(factory func(time.Duration) Ticker) Option {
	return func(m *Monitor) {
		m.tickerFactory = factory
	}
}

// WithRunOnce overrides the single probe cycle.
func WithRunOnce(runOnce func(context.Context) error) Option {
	return func(m *Monitor) {
		m.runOnce = runOnce
	}
}

// WithDeployment sets the source of the deployment currently in effect. It is
// called once per cycle so a new generation is picked up without a restart.
func WithDeployment(current func() *orchestrator.Deployment) Option {
	return func(m *Monitor) {
		m.current = current
	}
}

// WithDrivers sets the drivers used to probe services.
func WithDrivers(drivers orchestrator.Drivers) Option {
	return func(m *Monitor) {
		m.drivers = drivers
	}
}

// WithReconciler enables repairs and precondition checks before promotion.
func WithReconciler(r Reconciler) Option {
	return func(m *Monitor) {
		m.reconciler = r
	}
}

// WithCertificates enables the certificate revalidation schedule.
func WithCertificates(c Certificates, interval time.Duration) Option {
	return func(m *Monitor) {
		m.certs = c
		m.certInterval = interval
	}
}

// WithTracker records cycle timing for the health endpoints.
func WithTracker(tracker *healthcheck.Tracker) Option {
	return func(m *Monitor) {
		m.tracker = tracker
	}
}

// WithMetrics records cycle durations and probe failures.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = collector
	}
}

// WithFlusher publishes transition events at the end of every cycle.
func WithFlusher(f Flusher) Option {
	return func(m *Monitor) {
		m.flusher = f
	}
}

// WithThresholds sets the consecutive failure counts for Healthy to Degraded
// and for Degraded to Failed.
func WithThresholds(degradeAfter, failAfter int) Option {
	return func(m *Monitor) {
		if degradeAfter > 0 {
			m.degradeAfter = degradeAfter
		}
		if failAfter > 0 {
			m.failAfter = failAfter
		}
	}
}

// WithProbeTimeout bounds one probe.
func WithProbeTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.probeTimeout = d
		}
	}
}

// WithRepairBackoff sets the exponential backoff between repair attempts.
func WithRepairBackoff(initial, max time.Duration) Option {
	return func(m *Monitor) {
		if initial > 0 {
			m.repairInitial = initial
		}
		if max > 0 {
			m.repairMax = max
		}
	}
}

// WithClock overrides the monitor clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New constructs a Monitor with the given logger and probe interval.
func New(logger zerolog.Logger, probeInterval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		logger:        logger,
		probeInterval: probeInterval,
		tickerFactory: func(d time.Duration) Ticker {
			return timeTicker{ticker: time.NewTicker(d)}
		},
		degradeAfter:   DefaultDegradeAfter,
		failAfter:      DefaultFailAfter,
		probeTimeout:   defaultProbeTimeout,
		revalidateWait: defaultRevalidateWait,
		repairInitial:  defaultRepairInitial,
		repairMax:      defaultRepairMax,
		now:            func() time.Time { return time.Now().UTC() },
		repairs:        make(map[string]*repairSchedule),
	}
	m.runOnce = m.probeCycle

	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run starts the probe and certificate schedules and blocks until the
// context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	if m.probeInterval <= 0 {
		return errors.New("probe interval must be greater than zero")
	}

	// Run immediately on startup
	if err := m.RunOnce(ctx); err != nil {
		m.logger.Error().Err(err).Msg("initial monitor cycle failed")
	}

	ticker := m.tickerFactory(m.probeInterval)
	defer ticker.Stop()

	var certC <-chan time.Time
	if m.certs != nil && m.certInterval > 0 {
		certTicker := m.tickerFactory(m.certInterval)
		defer certTicker.Stop()
		certC = certTicker.C()
	}

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("monitor stopped")
			return nil
		case <-ticker.C():
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error().Err(err).Msg("monitor cycle failed")
			}
		case <-certC:
			if err := m.RevalidateCertificates(ctx); err != nil {
				m.logger.Error().Err(err).Msg("certificate revalidation failed")
			}
		}
	}
}

// RunOnce executes a single probe cycle.
func (m *Monitor) RunOnce(ctx context.Context) error {
	return m.runOnce(ctx)
}

func (m *Monitor) deployment() *orchestrator.Deployment {
	if m.current == nil {
		return nil
	}
	return m.current()
}
