package certs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	// DefaultRenewalWindow renews once less than a third of validity remains.
	DefaultRenewalWindow  = 1.0 / 3.0
	defaultIssueTimeout   = 5 * time.Minute
	defaultBackoffInitial = 30 * time.Second
	defaultBackoffMax     = 30 * time.Minute
)

type issueFailure struct {
	err  error
	next time.Time
	bo   *backoff.ExponentialBackOff
}

// Manager owns the certificate of every domain and coalesces concurrent
// issuance for the same domain.
type Manager struct {
	logger         zerolog.Logger
	store          Store
	issuers        map[spec.CertMode]Issuer
	window         float64
	issueTimeout   time.Duration
	backoffInitial time.Duration
	backoffMax     time.Duration
	now            func() time.Time
	metrics        *metrics.Metrics

	flight singleflight.Group

	mu       sync.RWMutex
	current  map[string]*Certificate
	modes    map[string]spec.CertMode
	failures map[string]*issueFailure
}

// Option customizes a Manager.
type Option func(*Manager)

// WithIssuer registers the issuer used for mode.
func WithIssuer(mode spec.CertMode, issuer Issuer) Option {
	return func(m *Manager) {
		m.issuers[mode] = issuer
	}
}

// WithRenewalWindow sets the remaining-validity fraction that triggers renewal.
func WithRenewalWindow(fraction float64) Option {
	return func(m *Manager) {
		if fraction > 0 && fraction < 1 {
			m.window = fraction
		}
	}
}

// WithIssueTimeout bounds a single issuance.
func WithIssueTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.issueTimeout = d
		}
	}
}

// WithBackoff sets the retry backoff applied after a failed issuance.
func WithBackoff(initial, max time.Duration) Option {
	return func(m *Manager) {
		if initial > 0 {
			m.backoffInitial = initial
		}
		if max > 0 {
			m.backoffMax = max
		}
	}
}

// WithClock overrides the manager clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics records issuance outcomes and expiry times.
func WithMetrics(collector *metrics.Metrics) Option {
	return func(m *Manager) {
		m.metrics = collector
	}
}

// NewManager constructs a Manager backed by store.
func NewManager(logger zerolog.Logger, store Store, opts ...Option) *Manager {
	m := &Manager{
		logger:         logger,
		store:          store,
		issuers:        make(map[spec.CertMode]Issuer),
		window:         DefaultRenewalWindow,
		issueTimeout:   defaultIssueTimeout,
		backoffInitial: defaultBackoffInitial,
		backoffMax:     defaultBackoffMax,
		now:            time.Now,
		current:        make(map[string]*Certificate),
		modes:          make(map[string]spec.CertMode),
		failures:       make(map[string]*issueFailure),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ensure returns a valid certificate for domain, issuing one only when none
// exists, the current one expired, or it is due for renewal. If renewal fails
// while the current certificate is still valid, the current certificate is
// returned together with a *RenewalError.
func (m *Manager) Ensure(ctx context.Context, domain string, mode spec.CertMode) (*Certificate, error) {
	domain = normalize(domain)
	m.mu.Lock()
	m.modes[domain] = mode
	cur := m.current[domain]
	m.mu.Unlock()

	if cur != nil && cur.Mode == mode && !cur.DueForRenewal(m.now(), m.window) {
		return cur, nil
	}
	return m.refresh(ctx, domain, mode, false)
}

// Revalidate re-reads the stored certificate for domain, verifies it, and
// renews it when it is missing, corrupt, or due.
func (m *Manager) Revalidate(ctx context.Context, domain string) (*Certificate, error) {
	domain = normalize(domain)
	m.mu.RLock()
	mode, ok := m.modes[domain]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnmanaged, domain)
	}
	return m.refresh(ctx, domain, mode, true)
}

// Current returns the certificate bound to domain without any I/O.
func (m *Manager) Current(domain string) *Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current[normalize(domain)]
}

// Domains lists managed domains in sorted order.
func (m *Manager) Domains() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.modes))
	for domain := range m.modes {
		out = append(out, domain)
	}
	sort.Strings(out)
	return out
}

// Certificates returns the current certificate of every domain.
func (m *Manager) Certificates() []Certificate {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Certificate, 0, len(m.current))
	for _, cert := range m.current {
		out = append(out, *cert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

type refreshResult struct {
	cert *Certificate
}

func (m *Manager) refresh(ctx context.Context, domain string, mode spec.CertMode, force bool) (*Certificate, error) {
	// Issuance runs detached from the first caller so that one caller giving
	// up does not fail everyone waiting on the same flight.
	ch := m.flight.DoChan(domain, func() (any, error) {
		issueCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.issueTimeout)
		defer cancel()
		cert, err := m.refreshOnce(issueCtx, domain, mode, force)
		return refreshResult{cert: cert}, err
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		out, _ := res.Val.(refreshResult)
		return out.cert, res.Err
	}
}

func (m *Manager) refreshOnce(ctx context.Context, domain string, mode spec.CertMode, force bool) (*Certificate, error) {
	now := m.now()
	cur := m.Current(domain)

	// Another flight may have renewed while this one was queued.
	if !force && cur != nil && cur.Mode == mode && !cur.DueForRenewal(now, m.window) {
		return cur, nil
	}

	if cur == nil || force {
		stored, err := m.loadStored(domain)
		switch {
		case err == nil && stored.Mode == mode && !stored.DueForRenewal(now, m.window):
			if cur == nil || cur.ID != stored.ID {
				m.swap(domain, stored)
				m.logger.Info().Str("domain", domain).Str("certificate_id", stored.ID).Msg("loaded stored certificate")
			}
			return stored, nil
		case err == nil:
			// Stored material is usable as a fallback while renewing.
			if cur == nil && !stored.Expired(now) && stored.Mode == mode {
				m.swap(domain, stored)
				cur = stored
			}
		case errors.Is(err, ErrNotStored):
			if force && cur != nil {
				m.logger.Warn().Str("domain", domain).Msg("stored certificate missing, reissuing")
				cur = nil
			}
		default:
			m.logger.Warn().Err(err).Str("domain", domain).Msg("stored certificate unusable, reissuing")
			if force {
				cur = nil
			}
		}
	}

	m.mu.RLock()
	failure := m.failures[domain]
	m.mu.RUnlock()
	if failure != nil && now.Before(failure.next) {
		return m.failed(domain, cur, failure, now)
	}

	cert, err := m.issue(ctx, domain, mode)
	if err != nil {
		failure = m.recordFailure(domain, err, now)
		m.metrics.IncCertIssuance(domain, "failed")
		m.logger.Error().Err(err).Str("domain", domain).Time("retry_at", failure.next).Msg("certificate issuance failed")
		return m.failed(domain, cur, failure, now)
	}

	m.mu.Lock()
	delete(m.failures, domain)
	m.mu.Unlock()
	m.swap(domain, cert)
	m.metrics.IncCertIssuance(domain, "issued")

	event := m.logger.Info().Str("domain", domain).Str("mode", string(mode)).Str("certificate_id", cert.ID).Time("not_after", cert.NotAfter)
	if cur != nil {
		event.Str("previous_certificate_id", cur.ID).Msg("certificate renewed")
	} else {
		event.Msg("certificate issued")
	}
	return cert, nil
}

func (m *Manager) issue(ctx context.Context, domain string, mode spec.CertMode) (*Certificate, error) {
	issuer, ok := m.issuers[mode]
	if !ok {
		return nil, fmt.Errorf("no issuer configured for mode %q", mode)
	}
	material, err := issuer.Issue(ctx, domain)
	if err != nil {
		return nil, err
	}
	stored, err := m.store.Save(domain, mode, material)
	if err != nil {
		return nil, fmt.Errorf("store certificate: %w", err)
	}
	return describe(domain, mode, stored.Material, stored.CertPath, stored.KeyPath)
}

func (m *Manager) loadStored(domain string) (*Certificate, error) {
	stored, err := m.store.Load(domain)
	if err != nil {
		return nil, err
	}
	return describe(domain, stored.Mode, stored.Material, stored.CertPath, stored.KeyPath)
}

func (m *Manager) swap(domain string, cert *Certificate) {
	m.mu.Lock()
	m.current[domain] = cert
	m.mu.Unlock()
	m.metrics.SetCertificateExpiry(domain, cert.NotAfter)
}

func (m *Manager) recordFailure(domain string, err error, now time.Time) *issueFailure {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.failures[domain]
	if f == nil {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = m.backoffInitial
		bo.MaxInterval = m.backoffMax
		bo.MaxElapsedTime = 0
		bo.Reset()
		f = &issueFailure{bo: bo}
		m.failures[domain] = f
	}
	f.err = err
	f.next = now.Add(f.bo.NextBackOff())
	return f
}

func (m *Manager) failed(domain string, cur *Certificate, f *issueFailure, now time.Time) (*Certificate, error) {
	if cur != nil && !cur.Expired(now) {
		return cur, &RenewalError{Domain: domain, Current: cur, RetryAt: f.next, Err: f.err}
	}
	return nil, &IssueError{Domain: domain, RetryAt: f.next, Err: f.err}
}

func normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}
