package main

import (
	"fmt"
	"strings"

	"github.com/nholik/skyward/internal/graph"
	"github.com/spf13/cobra"
)

func newCheckCmd(opts *rootOptions) *cobra.Command {
	var skipDNS bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the deployment document and its DNS preconditions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger := cliLogger(cmd.ErrOrStderr(), cfg.LogLevel)
			out := cmd.OutOrStdout()

			source, err := newSource(cfg)
			if err != nil {
				return err
			}
			s, err := loadSpec(cmd.Context(), source)
			if err != nil {
				return err
			}
			g, err := graph.Build(s)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "%s %s\n", styleTitle.Render("Deployment "+s.Name), styleMuted.Render(fmt.Sprintf("%d services, %d domains", len(s.Services), len(s.Domains))))
			for i, level := range g.Levels() {
				fmt.Fprintf(out, "  level %d  %s\n", i, strings.Join(level, ", "))
			}
			if skipDNS || len(s.Domains) == 0 {
				return nil
			}

			validator, err := newValidator(cfg, logger)
			if err != nil {
				return err
			}
			failed := 0
			for _, domain := range s.Domains {
				result := validator.Check(cmd.Context(), domain)
				if result.Satisfied {
					fmt.Fprintf(out, "  %s %s\n", styleOK.Render("ok  "), domain.Hostname)
					continue
				}
				failed++
				fmt.Fprintf(out, "  %s %s: %v\n", styleFail.Render("fail"), domain.Hostname, result.Err())
			}
			if failed > 0 {
				return &exitError{code: 1, msg: fmt.Sprintf("%d domain(s) unsatisfied", failed)}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipDNS, "skip-dns", false, "only validate the document and its graph")
	return cmd
}
