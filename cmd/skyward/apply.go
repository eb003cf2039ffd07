package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/nholik/skyward/internal/logging"
	"github.com/nholik/skyward/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func newApplyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "apply",
		Short: "Apply the deployment once and print the report",
		Long: `apply walks the dependency graph once and exits. The exit code is 0 when
every service reached Healthy and 2 when the apply was partial.

Deployments with ACME domains answer HTTP-01 challenges on
SKYWARD_ACME_CHALLENGE_PORT for the duration of the apply.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := cliLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			a, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer a.close()

			stopChallenge, err := startChallenge(cmd.Context(), logging.Component(logger, "acme"), cfg.ChallengePort, a.spec.ACMEDomains(), a.acme.ChallengeHandler())
			if err != nil {
				return err
			}
			defer stopChallenge()

			report, err := a.coordinator().Deploy(cmd.Context(), a.spec)
			if err != nil {
				return err
			}
			if report == nil {
				return nil
			}
			printReport(cmd.OutOrStdout(), report)
			if !report.Successful() {
				return &exitError{code: 2, msg: "apply incomplete"}
			}
			return nil
		},
	}
}

// startChallenge serves HTTP-01 tokens until the returned stop is called.
// It is a no-op when no domain needs ACME.
func startChallenge(ctx context.Context, logger zerolog.Logger, port int, domains []string, handler http.Handler) (func(), error) {
	if len(domains) == 0 {
		return func() {}, nil
	}
	if port == 0 {
		return nil, fmt.Errorf("ACME domains %s need an HTTP-01 listener during apply; set SKYWARD_ACME_CHALLENGE_PORT (usually 80) or switch them to self-signed",
			strings.Join(domains, ", "))
	}
	l, err := server.Listen(logger, server.Config{ChallengePort: port}, server.Deps{Challenge: handler})
	if err != nil {
		return nil, fmt.Errorf("acme challenge listener: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Serve(ctx); err != nil {
			logger.Error().Err(err).Msg("acme challenge listener failed")
		}
	}()
	return func() {
		cancel()
		<-done
	}, nil
}
