package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

var (
	// ErrApplyInProgress is returned when an apply is requested while another runs.
	ErrApplyInProgress = errors.New("an apply is already in progress")
	// ErrNoDeployment is returned before the first document has been loaded.
	ErrNoDeployment = errors.New("no deployment loaded")
)

// Engine prepares and applies deployments. Implemented by *orchestrator.Orchestrator.
type Engine interface {
	Prepare(s *spec.DeploymentSpec, previous *orchestrator.Deployment) (*orchestrator.Deployment, error)
	Apply(ctx context.Context, d *orchestrator.Deployment) (*orchestrator.Report, error)
}

// Journal buffers transitions for publishing. Implemented by *transition.Recorder.
type Journal interface {
	Flush(ctx context.Context) error
	Recent(n int) []transition.Event
}

// CertificateRevalidator revalidates one domain on demand.
type CertificateRevalidator interface {
	RevalidateDomain(ctx context.Context, domain string) (*certs.Certificate, error)
}

// Task is a long-running component started by Run.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Coordinator owns the live deployment. It reloads the document when it
// changes, serializes applies and persists state after every change.
type Coordinator struct {
	logger  zerolog.Logger
	source  Source
	engine  Engine
	store   state.Store
	journal Journal
	certs   CertificateRevalidator
	now     func() time.Time

	watchPath    string
	debounce     time.Duration
	pollInterval time.Duration

	applyMu   sync.Mutex
	persistMu sync.Mutex

	mu         sync.RWMutex
	current    *orchestrator.Deployment
	taskErrors map[string]error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithStore persists service state after each apply and probe cycle.
func WithStore(store state.Store) Option {
	return func(c *Coordinator) {
		c.store = store
	}
}

// WithJournal sets the transition journal flushed after each change.
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		c.journal = j
	}
}

// WithCertificates enables on-demand certificate revalidation.
func WithCertificates(r CertificateRevalidator) Option {
	return func(c *Coordinator) {
		c.certs = r
	}
}

// WithFileWatch reloads the document when the file at path changes.
// Bursts of events within debounce collapse into one reload.
func WithFileWatch(path string, debounce time.Duration) Option {
	return func(c *Coordinator) {
		c.watchPath = path
		if debounce > 0 {
			c.debounce = debounce
		}
	}
}

// WithPollInterval re-reads the source on a fixed interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		c.pollInterval = d
	}
}

// WithClock overrides the timestamp used for persisted snapshots.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Coordinator reading from source and applying through engine.
func New(logger zerolog.Logger, source Source, engine Engine, opts ...Option) *Coordinator {
	c := &Coordinator{
		logger:     logger,
		source:     source,
		engine:     engine,
		now:        func() time.Time { return time.Now().UTC() },
		debounce:   500 * time.Millisecond,
		taskErrors: make(map[string]error),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Deployment returns the live deployment, or nil before the first load.
func (c *Coordinator) Deployment() *orchestrator.Deployment {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Reload reads the source and applies the document if it changed. A nil
// report with a nil error means nothing changed. An invalid document leaves
// the live deployment untouched.
func (c *Coordinator) Reload(ctx context.Context) (*orchestrator.Report, error) {
	doc, err := c.source.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	if doc.Unchanged {
		c.logger.Debug().Msg("spec not modified")
		return nil, nil
	}
	s, err := spec.Load(doc.Raw, doc.Format)
	if err != nil {
		return nil, err
	}
	return c.Deploy(ctx, s)
}

// Deploy makes s the live generation and applies it, unless it matches the
// live generation already.
func (c *Coordinator) Deploy(ctx context.Context, s *spec.DeploymentSpec) (*orchestrator.Report, error) {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	previous := c.Deployment()
	if previous != nil && previous.Spec.Fingerprint == s.Fingerprint {
		c.logger.Debug().Str("generation", previous.Generation()).Msg("spec unchanged")
		return nil, nil
	}
	if previous == nil {
		previous = c.restore(ctx, s.Name)
	}

	d, err := c.engine.Prepare(s, previous)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.current = d
	c.mu.Unlock()

	c.logger.Info().
		Str("deployment", s.Name).
		Str("generation", d.Generation()).
		Int("services", len(s.Services)).
		Msg("spec loaded")

	return c.apply(ctx, d)
}

// Apply re-applies the live deployment. It fails fast with
// ErrApplyInProgress rather than queueing behind a running apply.
func (c *Coordinator) Apply(ctx context.Context) (*orchestrator.Report, error) {
	if !c.applyMu.TryLock() {
		return nil, ErrApplyInProgress
	}
	defer c.applyMu.Unlock()

	d := c.Deployment()
	if d == nil {
		return nil, ErrNoDeployment
	}
	return c.apply(ctx, d)
}

func (c *Coordinator) apply(ctx context.Context, d *orchestrator.Deployment) (*orchestrator.Report, error) {
	report, err := c.engine.Apply(ctx, d)
	if flushErr := c.Flush(context.WithoutCancel(ctx)); flushErr != nil {
		c.logger.Warn().Err(flushErr).Msg("post-apply flush failed")
	}
	if err != nil {
		return report, err
	}
	c.logger.Info().Msg(report.Summary())
	return report, nil
}

// RevalidateCertificate forces revalidation of one domain.
func (c *Coordinator) RevalidateCertificate(ctx context.Context, domain string) (*certs.Certificate, error) {
	if c.certs == nil {
		return nil, certs.ErrUnmanaged
	}
	cert, err := c.certs.RevalidateDomain(ctx, domain)
	if flushErr := c.Flush(context.WithoutCancel(ctx)); flushErr != nil {
		c.logger.Warn().Err(flushErr).Msg("post-revalidate flush failed")
	}
	return cert, err
}

// Events returns up to n recent transitions, oldest first.
func (c *Coordinator) Events(n int) []transition.Event {
	if c.journal == nil {
		return nil
	}
	return c.journal.Recent(n)
}

// Flush publishes buffered transitions and persists the live state.
func (c *Coordinator) Flush(ctx context.Context) error {
	var errs []error
	if c.journal != nil {
		if err := c.journal.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.persist(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Coordinator) persist(ctx context.Context) error {
	d := c.Deployment()
	if c.store == nil || d == nil {
		return nil
	}

	c.persistMu.Lock()
	defer c.persistMu.Unlock()

	st, err := c.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load state: %w", err)
	}
	if st.Deployments == nil {
		st.Deployments = map[string]state.Snapshot{}
	}
	st.Deployments[d.Spec.Name] = state.Snapshot{
		Generation: d.Generation(),
		Services:   d.Registry.Snapshot(),
		SavedAt:    c.now(),
	}
	if err := c.store.Save(ctx, st); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// restore seeds the first generation with the persisted state of the
// named deployment so phases and certificate bindings survive a restart.
func (c *Coordinator) restore(ctx context.Context, name string) *orchestrator.Deployment {
	if c.store == nil {
		return nil
	}
	st, err := c.store.Load(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("failed to load persisted state")
		return nil
	}
	snapshot, ok := st.Deployments[name]
	if !ok || len(snapshot.Services) == 0 {
		return nil
	}
	c.logger.Info().
		Str("deployment", name).
		Str("generation", snapshot.Generation).
		Int("services", len(snapshot.Services)).
		Msg("restored persisted state")
	return &orchestrator.Deployment{Registry: state.Restore(snapshot)}
}

// Run starts the watcher and every task in parallel and blocks until all of
// them exit. Task errors are logged and returned together.
func (c *Coordinator) Run(ctx context.Context, tasks ...Task) error {
	if c.watchPath != "" || c.pollInterval > 0 {
		tasks = append(tasks, Task{Name: "watcher", Run: c.Watch})
	}

	c.logger.Info().Int("tasks", len(tasks)).Msg("starting coordinator")

	var wg sync.WaitGroup
	for _, task := range tasks {
		wg.Add(1)
		go c.spawn(ctx, &wg, task)
	}
	wg.Wait()
	c.logger.Info().Msg("all tasks stopped")

	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for name, err := range c.taskErrors {
		c.logger.Error().Err(err).Str("task", name).Msg("task error")
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
	}
	return errors.Join(errs...)
}

func (c *Coordinator) spawn(ctx context.Context, wg *sync.WaitGroup, task Task) {
	defer wg.Done()

	logger := c.logger.With().Str("task", task.Name).Logger()
	logger.Info().Msg("task started")

	err := task.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("task exited with error")
		c.recordError(task.Name, err)
		return
	}
	logger.Info().Msg("task exited cleanly")
}

func (c *Coordinator) recordError(name string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.taskErrors[name] = err
}
