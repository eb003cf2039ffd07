package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/config"
	"github.com/nholik/skyward/internal/coordinator"
	"github.com/nholik/skyward/internal/healthcheck"
	"github.com/nholik/skyward/internal/logging"
	"github.com/nholik/skyward/internal/monitor"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/server"
	"github.com/spf13/cobra"
)

// revalidateFunc adapts a function to coordinator.CertificateRevalidator.
type revalidateFunc func(ctx context.Context, domain string) (*certs.Certificate, error)

func (f revalidateFunc) RevalidateDomain(ctx context.Context, domain string) (*certs.Certificate, error) {
	return f(ctx, domain)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Apply the deployment, then monitor, repair and watch for changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger := logging.NewWithLevel(cfg.LogLevel)
	logger.Info().Msg("skyward starting")

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	watch := coordinator.WithPollInterval(cfg.ProbeInterval)
	if cfg.SpecPath != "" {
		watch = coordinator.WithFileWatch(cfg.SpecPath, 0)
	}

	var mon *monitor.Monitor
	coord := a.coordinator(watch, coordinator.WithCertificates(revalidateFunc(func(ctx context.Context, domain string) (*certs.Certificate, error) {
		return mon.RevalidateDomain(ctx, domain)
	})))

	tracker := healthcheck.NewTracker()
	mon = monitor.New(
		logging.Component(logger, "monitor"),
		cfg.ProbeInterval,
		monitor.WithDeployment(func() *orchestrator.Deployment { return coord.Deployment() }),
		monitor.WithDrivers(a.drivers),
		monitor.WithReconciler(a.engine),
		monitor.WithCertificates(a.certs, cfg.CertInterval),
		monitor.WithTracker(tracker),
		monitor.WithMetrics(a.metrics),
		monitor.WithFlusher(coord),
		monitor.WithThresholds(cfg.DegradeAfter, cfg.FailAfter),
		monitor.WithProbeTimeout(cfg.ProbeTimeout),
		monitor.WithRepairBackoff(cfg.RepairBackoffInitial, cfg.RepairBackoffMax),
	)

	serverCfg := server.Config{
		HealthPort:    cfg.HealthPort,
		MetricsPort:   cfg.MetricsPort,
		APIPort:       cfg.APIPort,
		ChallengePort: challengePort(cfg, a),
		ProbeInterval: cfg.ProbeInterval,
	}
	deps := server.Deps{
		Tracker:   tracker,
		Metrics:   a.metrics,
		API:       server.NewHandlers(coord, logging.Component(logger, "api")),
		Challenge: a.acme.ChallengeHandler(),
	}
	// Bound before the first apply so ACME authorities can reach the challenge.
	listeners, err := server.Listen(logging.Component(logger, "server"), serverCfg, deps)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = coord.Run(ctx,
		coordinator.Task{Name: "server", Run: listeners.Serve},
		coordinator.Task{Name: "initial-apply", Run: func(ctx context.Context) error {
			report, err := coord.Deploy(ctx, a.spec)
			if err != nil {
				cancel()
				return fmt.Errorf("initial apply: %w", err)
			}
			if report != nil && !report.Successful() {
				logger.Warn().Msg("initial apply incomplete; the monitor will repair failed services")
			}
			return nil
		}},
		coordinator.Task{Name: "monitor", Run: mon.Run},
	)
	logger.Info().Msg("skyward stopped")
	return err
}

// challengePort keeps port 80 closed for deployments that issue no ACME
// certificates; the challenge route then rides on the API listener.
func challengePort(cfg config.Config, a *app) int {
	if len(a.spec.ACMEDomains()) == 0 {
		return 0
	}
	return cfg.ChallengePort
}
