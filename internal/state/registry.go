package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nholik/skyward/internal/spec"
)

// ErrUnknownService is returned when a lease is requested for an id the registry does not track.
var ErrUnknownService = errors.New("unknown service")

// Change describes a phase change made through a Lease.
type Change struct {
	Service    string
	Kind       spec.Kind
	From       Phase
	To         Phase
	Causes     []string
	Generation string
	At         time.Time
}

// Observer receives every phase change.
type Observer func(Change)

type entry struct {
	state ServiceState
	token chan struct{}
	// carried is the previous generation's entry; its state is folded in on
	// the first acquisition, once any older lease holder has let go.
	carried   *entry
	carriedBy *Registry
}

// Registry is the ServiceState collection of one deployment generation.
// Each service has an ownership token; state changes only through a Lease.
type Registry struct {
	mu         sync.RWMutex
	generation string
	order      []string
	entries    map[string]*entry
	observer   Observer
	now        func() time.Time
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithObserver registers the observer notified of phase changes.
func WithObserver(observer Observer) RegistryOption {
	return func(r *Registry) {
		r.observer = observer
	}
}

// WithClock overrides the registry clock.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry builds the state collection for a generation. Services carried
// over from prev keep their runtime state and their ownership token, so a
// lease held in the old generation still excludes the new one. New services
// start Pending, and services missing from the new generation are kept as
// Removed.
func NewRegistry(generation string, services []spec.ServiceSpec, prev *Registry, opts ...RegistryOption) *Registry {
	r := &Registry{
		generation: generation,
		entries:    make(map[string]*entry, len(services)),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}

	var previous map[string]ServiceState
	var previousOrder []string
	var previousEntries map[string]*entry
	if prev != nil {
		previous = make(map[string]ServiceState)
		for _, st := range prev.Snapshot() {
			previous[st.ID] = st
			previousOrder = append(previousOrder, st.ID)
		}
		prev.mu.RLock()
		previousEntries = make(map[string]*entry, len(prev.entries))
		for id, e := range prev.entries {
			previousEntries[id] = e
		}
		prev.mu.RUnlock()
	}

	now := r.now()
	for _, svc := range services {
		e := &entry{token: make(chan struct{}, 1)}
		if old, ok := previousEntries[svc.ID]; ok {
			e.token = old.token
		}
		st, kept := previous[svc.ID]
		if !kept || st.Phase == PhaseRemoved || st.Kind != svc.Kind {
			st = ServiceState{ID: svc.ID, Kind: svc.Kind, Phase: PhasePending, UpdatedAt: now}
		} else {
			e.carried, e.carriedBy = previousEntries[svc.ID], prev
		}
		st.Generation = generation
		e.state = st
		r.order = append(r.order, svc.ID)
		r.entries[svc.ID] = e
	}

	var removed []Change
	for _, id := range previousOrder {
		if _, ok := r.entries[id]; ok {
			continue
		}
		st := previous[id]
		from := st.Phase
		if from != PhaseRemoved {
			removed = append(removed, Change{
				Service: id, Kind: st.Kind, From: from, To: PhaseRemoved,
				Causes: []string{"service removed from deployment spec"}, Generation: generation, At: now,
			})
		}
		st.Phase = PhaseRemoved
		st.Causes = []string{"service removed from deployment spec"}
		st.Generation = generation
		st.UpdatedAt = now
		r.order = append(r.order, id)
		r.entries[id] = &entry{state: st, token: previousEntries[id].token}
	}

	for _, c := range removed {
		r.notify(c)
	}
	return r
}

// Restore seeds a registry from a persisted snapshot, used by read-only tooling.
func Restore(snapshot Snapshot, opts ...RegistryOption) *Registry {
	r := &Registry{
		generation: snapshot.Generation,
		entries:    make(map[string]*entry, len(snapshot.Services)),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, st := range snapshot.Services {
		r.order = append(r.order, st.ID)
		r.entries[st.ID] = &entry{state: st.clone(), token: make(chan struct{}, 1)}
	}
	return r
}

// Generation returns the generation id of the registry.
func (r *Registry) Generation() string {
	return r.generation
}

// Get returns a copy of a service's state.
func (r *Registry) Get(id string) (ServiceState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return ServiceState{}, false
	}
	return e.state.clone(), true
}

// Snapshot returns copies of every state, in declaration order with removed services last.
func (r *Registry) Snapshot() []ServiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ServiceState, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].state.clone())
	}
	return out
}

// Counts returns the number of services per phase.
func (r *Registry) Counts() map[Phase]int {
	counts := make(map[Phase]int, len(Phases))
	for _, p := range Phases {
		counts[p] = 0
	}
	for _, st := range r.Snapshot() {
		counts[st.Phase]++
	}
	return counts
}

// Acquire blocks until the caller owns id or ctx is done.
func (r *Registry) Acquire(ctx context.Context, id string) (*Lease, error) {
	e, err := r.entry(id)
	if err != nil {
		return nil, err
	}
	select {
	case e.token <- struct{}{}:
		r.adopt(e)
		return &Lease{reg: r, id: id, entry: e}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryAcquire takes ownership of id only if nobody else holds it.
func (r *Registry) TryAcquire(id string) (*Lease, bool) {
	e, err := r.entry(id)
	if err != nil {
		return nil, false
	}
	select {
	case e.token <- struct{}{}:
		r.adopt(e)
		return &Lease{reg: r, id: id, entry: e}, true
	default:
		return nil, false
	}
}

// adopt folds in whatever the previous generation recorded after this
// registry was built. It runs on the first acquisition, before anything in
// this generation has written to e, and the caller holds the shared token,
// so no older lease can still be writing.
func (r *Registry) adopt(e *entry) {
	r.mu.Lock()
	old, from := e.carried, e.carriedBy
	e.carried, e.carriedBy = nil, nil
	r.mu.Unlock()
	if old == nil {
		return
	}
	from.adopt(old)

	from.mu.RLock()
	latest := old.state.clone()
	from.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	latest.Generation = e.state.Generation
	e.state = latest
}

func (r *Registry) entry(id string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownService, id)
	}
	return e, nil
}

func (r *Registry) notify(c Change) {
	if r.observer != nil {
		r.observer(c)
	}
}

// Lease is exclusive ownership of one service's state.
type Lease struct {
	reg      *Registry
	id       string
	entry    *entry
	released bool
}

// ID returns the leased service id.
func (l *Lease) ID() string {
	return l.id
}

// State returns a copy of the leased service's state.
func (l *Lease) State() ServiceState {
	l.reg.mu.RLock()
	defer l.reg.mu.RUnlock()
	return l.entry.state.clone()
}

// Transition moves the service to phase. Entering Healthy clears the error
// and cause chain; other phases record err and causes as given.
func (l *Lease) Transition(phase Phase, err error, causes ...string) {
	l.mustHold()
	l.reg.mu.Lock()
	st := &l.entry.state
	from := st.Phase
	st.Phase = phase
	st.UpdatedAt = l.reg.now()
	if phase == PhaseHealthy {
		st.LastError = ""
		st.Causes = nil
	} else {
		if err != nil {
			st.LastError = err.Error()
		}
		if len(causes) > 0 {
			st.Causes = append([]string(nil), causes...)
		}
	}
	change := Change{
		Service: l.id, Kind: st.Kind, From: from, To: phase,
		Causes: append([]string(nil), st.Causes...), Generation: st.Generation, At: st.UpdatedAt,
	}
	l.reg.mu.Unlock()

	if from != phase {
		l.reg.notify(change)
	}
}

// RecordProbe stores a probe result and returns the consecutive failure count.
func (l *Lease) RecordProbe(at time.Time, err error) int {
	l.mustHold()
	l.reg.mu.Lock()
	defer l.reg.mu.Unlock()
	st := &l.entry.state
	st.LastProbe = at
	if err == nil {
		st.ConsecutiveFailures = 0
	} else {
		st.ConsecutiveFailures++
		st.LastError = err.Error()
	}
	return st.ConsecutiveFailures
}

// ResetFailures zeroes the consecutive failure counter.
func (l *Lease) ResetFailures() {
	l.mustHold()
	l.reg.mu.Lock()
	l.entry.state.ConsecutiveFailures = 0
	l.reg.mu.Unlock()
}

// SetCertificate records the certificate bound to the service.
func (l *Lease) SetCertificate(id string) {
	l.mustHold()
	l.reg.mu.Lock()
	l.entry.state.CertificateID = id
	l.reg.mu.Unlock()
}

// Release returns ownership. Releasing twice is a no-op.
func (l *Lease) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true
	<-l.entry.token
}

func (l *Lease) mustHold() {
	if l.released {
		panic("state: lease for " + l.id + " used after release")
	}
}
