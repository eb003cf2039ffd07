package main

import (
	"io"

	"github.com/nholik/skyward/internal/config"
	"github.com/nholik/skyward/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	specPath string
	logLevel string
}

// loadConfig reads the environment and applies the persistent flags on top.
func (o *rootOptions) loadConfig() (config.Config, error) {
	return config.LoadWith(func(c *config.Config) {
		if o.specPath != "" {
			c.SpecPath = o.specPath
			c.SpecURL = ""
		}
		if o.logLevel != "" {
			c.LogLevel = o.logLevel
		}
	})
}

// cliLogger writes human-readable logs to stderr so stdout stays parseable.
func cliLogger(w io.Writer, level string) zerolog.Logger {
	return logging.NewConsole(w, level)
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	root := &cobra.Command{
		Use:   "skyward",
		Short: "Deploy and reconcile a self-hosted AT Protocol stack",
		Long: `skyward applies a declarative deployment of PDS, relay consumer,
moderation and feed generator services, keeps their certificates and DNS
preconditions satisfied, and repairs services that become unhealthy.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.specPath, "spec", "", "path to the deployment document (overrides SKYWARD_SPEC_PATH and SKYWARD_SPEC_URL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level (overrides SKYWARD_LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(opts),
		newApplyCmd(opts),
		newStopCmd(opts),
		newStatusCmd(opts),
		newCheckCmd(opts),
		newCertsCmd(opts),
		newComposeCmd(opts),
	)
	return root
}
