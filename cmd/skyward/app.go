package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/config"
	"github.com/nholik/skyward/internal/coordinator"
	"github.com/nholik/skyward/internal/dns"
	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/logging"
	"github.com/nholik/skyward/internal/metrics"
	"github.com/nholik/skyward/internal/notify"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/secrets"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"github.com/nholik/skyward/internal/transition"
	"github.com/rs/zerolog"
)

// app is the fully wired engine shared by serve and apply.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics

	source coordinator.Source
	spec   *spec.DeploymentSpec

	certs    *certs.Manager
	acme     *certs.ACMEIssuer
	dns      *dns.Validator
	drivers  driver.Set
	runtime  driver.Runtime
	secrets  *secrets.Store
	engine   *orchestrator.Orchestrator
	recorder *transition.Recorder
	store    state.Store

	closers []func() error
}

func newSource(cfg config.Config) (coordinator.Source, error) {
	if cfg.SpecURL == "" {
		return coordinator.FileSource{Path: cfg.SpecPath}, nil
	}
	fetcher, err := spec.NewHTTPFetcher(cfg.SpecURL, cfg.SpecTimeout, 0)
	if err != nil {
		return nil, err
	}
	return coordinator.NewURLSource(cfg.SpecURL, fetcher), nil
}

// loadSpec reads and validates the document once through source.
func loadSpec(ctx context.Context, source coordinator.Source) (*spec.DeploymentSpec, error) {
	doc, err := source.Read(ctx)
	if err != nil {
		return nil, err
	}
	if doc.Unchanged {
		return nil, errors.New("spec source returned no document")
	}
	return spec.Load(doc.Raw, doc.Format)
}

func newResolver(cfg config.Config) (dns.Resolver, error) {
	if cfg.CloudflareAPIToken != "" {
		r, err := dns.NewCloudflareResolver(cfg.CloudflareAPIToken, cfg.CloudflareZoneID)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
	return dns.NewSystemResolver(cfg.DNSNameserver), nil
}

func newValidator(cfg config.Config, logger zerolog.Logger) (*dns.Validator, error) {
	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, fmt.Errorf("dns resolver: %w", err)
	}
	return dns.NewValidator(logging.Component(logger, "dns"), resolver, dns.WithTimeout(cfg.DNSTimeout)), nil
}

func newNotifier(cfg config.Config, logger zerolog.Logger) (notify.Notifier, []func() error, error) {
	logger = logging.Component(logger, "notify")

	var (
		notifiers []notify.Notifier
		closers   []func() error
	)
	if cfg.SlackWebhookURL != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(logger, cfg.SlackWebhookURL))
	}
	webhook, err := notify.NewWebhookNotifier(logger, cfg.WebhookURL, cfg.WebhookTemplate)
	if err != nil {
		return nil, nil, err
	}
	if webhook != nil {
		notifiers = append(notifiers, webhook)
	}
	if cfg.NATSURL != "" {
		n, err := notify.NewNATSNotifier(logger, cfg.NATSURL, cfg.NATSSubject)
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, n)
		if closer, ok := n.(interface{ Close() error }); ok {
			closers = append(closers, closer.Close)
		}
	}

	var out notify.Notifier
	switch len(notifiers) {
	case 0:
		out = notify.NewNoop(logger, "no notification channel configured")
	case 1:
		out = notifiers[0]
	default:
		out = notify.NewMultiNotifier(notifiers...)
	}
	if cfg.DryRun {
		out = notify.NewDryRunNotifier(logger, out)
	}
	return out, closers, nil
}

// newApp wires every component for the document at the configured source.
func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	source, err := newSource(cfg)
	if err != nil {
		return nil, err
	}
	s, err := loadSpec(ctx, source)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		source:  source,
		spec:    s,
		store:   state.NewFileStore(cfg.StatePath, logging.Component(logger, "state")),
	}

	a.acme = certs.NewACMEIssuer(logging.Component(logger, "acme"), certs.ACMEConfig{
		DirectoryURL:   cfg.ACMEDirectoryURL,
		Email:          cfg.ACMEEmail,
		AccountKeyPath: filepath.Join(s.StorageRoot, "acme", "account.key"),
	})
	a.certs = certs.NewManager(
		logging.Component(logger, "certs"),
		certs.NewFileStore(filepath.Join(s.StorageRoot, "certs")),
		certs.WithIssuer(spec.CertSelfSigned, certs.NewSelfSignedIssuer(filepath.Join(s.StorageRoot, "ca"), certs.WithValidity(cfg.SelfSignedValidity))),
		certs.WithIssuer(spec.CertACME, a.acme),
		certs.WithRenewalWindow(cfg.RenewalFraction),
		certs.WithBackoff(cfg.CertBackoffInitial, cfg.CertBackoffMax),
		certs.WithMetrics(a.metrics),
	)

	if a.dns, err = newValidator(cfg, logger); err != nil {
		return nil, err
	}

	runtime, err := driver.NewDockerRuntime(logging.Component(logger, "docker"), cfg.DockerHost, 0)
	if err != nil {
		return nil, fmt.Errorf("docker runtime: %w", err)
	}
	a.closers = append(a.closers, runtime.Close)
	a.runtime = runtime
	a.secrets = secrets.NewStore(logging.Component(logger, "secrets"), filepath.Join(s.StorageRoot, "secrets"))
	a.drivers = driver.NewSet(runtime, driver.NewHTTPProber(driver.WithProbeTimeout(cfg.ProbeTimeout)), a.secrets)

	notifier, closers, err := newNotifier(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	a.closers = append(a.closers, closers...)
	a.recorder = transition.NewRecorder(logging.Component(logger, "transitions"), s.Name, a.metrics, notifier)

	a.engine = orchestrator.New(
		logging.Component(logger, "orchestrator"),
		a.drivers,
		orchestrator.WithCertificates(a.certs),
		orchestrator.WithDNS(a.dns),
		orchestrator.WithMetrics(a.metrics),
		orchestrator.WithObserver(a.recorder.Observe),
		orchestrator.WithTimeouts(cfg.ApplyTimeout, cfg.VerifyTimeout),
	)
	return a, nil
}

func (a *app) coordinator(opts ...coordinator.Option) *coordinator.Coordinator {
	base := []coordinator.Option{
		coordinator.WithStore(a.store),
		coordinator.WithJournal(a.recorder),
	}
	return coordinator.New(logging.Component(a.logger, "coordinator"), a.source, a.engine, append(base, opts...)...)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("close failed")
		}
	}
}
