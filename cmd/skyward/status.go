package main

import (
	"encoding/json"
	"fmt"

	"github.com/nholik/skyward/internal/state"
	"github.com/spf13/cobra"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var (
		deployment string
		asJSON     bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the last persisted state of every service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := cliLogger(cmd.ErrOrStderr(), cfg.LogLevel)

			st, err := state.NewFileStore(cfg.StatePath, logger).Load(cmd.Context())
			if err != nil {
				return fmt.Errorf("load state: %w", err)
			}
			if deployment != "" {
				snap, ok := st.Deployments[deployment]
				if !ok {
					return fmt.Errorf("no persisted state for deployment %q", deployment)
				}
				st.Deployments = map[string]state.Snapshot{deployment: snap}
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}
			if len(st.Deployments) == 0 {
				fmt.Fprintln(out, styleMuted.Render("no persisted state at "+cfg.StatePath))
				return nil
			}
			for i, name := range sortedKeys(st.Deployments) {
				if i > 0 {
					fmt.Fprintln(out)
				}
				printSnapshot(out, name, st.Deployments[name])
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&deployment, "deployment", "", "only show this deployment")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw state as JSON")
	return cmd
}
