package main

import (
	"fmt"
	"os"

	"github.com/nholik/skyward/internal/compose"
	"github.com/spf13/cobra"
)

func newComposeCmd(opts *rootOptions) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compose",
		Short: "Render the deployment as a docker-compose document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := cliLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			source, err := newSource(cfg)
			if err != nil {
				return err
			}
			s, err := loadSpec(cmd.Context(), source)
			if err != nil {
				return err
			}
			body, err := compose.Render(s)
			if err != nil {
				return err
			}
			if _, err := compose.Validate(cmd.Context(), body); err != nil {
				return fmt.Errorf("rendered compose is invalid: %w", err)
			}
			fingerprint, err := compose.Fingerprint(body)
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = cmd.OutOrStdout().Write(body)
				return err
			}
			if err := os.WriteFile(output, body, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			logger.Info().Str("path", output).Str("fingerprint", fingerprint).Msg("compose written")
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of stdout")
	return cmd
}
