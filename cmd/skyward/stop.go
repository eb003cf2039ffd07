package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/secrets"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"github.com/spf13/cobra"
)

// containerRemover is the slice of driver.Runtime stop needs.
type containerRemover interface {
	Remove(ctx context.Context, name string) (int, error)
}

type stopTarget struct {
	id      string
	kind    spec.Kind
	dataDir string
}

func newStopCmd(opts *rootOptions) *cobra.Command {
	var clean bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Remove the containers of every service in the deployment",
		Long: `stop removes the containers of every declared service and of services
still recorded in the state file. Stop a running "skyward serve" first or its
monitor will bring them back.

--clean also deletes service data directories, generated PDS secrets and the
deployment's persisted state. Certificates are kept.`,
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

			store := state.NewFileStore(cfg.StatePath, logger)
			st, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			targets := stopTargets(a.spec, st.Deployments[a.spec.Name])
			if err := stopServices(cmd.Context(), cmd.OutOrStdout(), a.runtime, a.secrets, targets, clean); err != nil {
				return err
			}
			if !clean {
				return nil
			}
			delete(st.Deployments, a.spec.Name)
			return store.Save(cmd.Context(), st)
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "also delete data directories, generated secrets and persisted state")
	return cmd
}

// stopTargets lists declared services first, then those only the snapshot knows.
func stopTargets(s *spec.DeploymentSpec, snap state.Snapshot) []stopTarget {
	seen := make(map[string]bool, len(s.Services))
	out := make([]stopTarget, 0, len(s.Services)+len(snap.Services))
	for _, svc := range s.Services {
		seen[svc.ID] = true
		out = append(out, stopTarget{id: svc.ID, kind: svc.Kind, dataDir: svc.DataDir})
	}
	for _, st := range snap.Services {
		if seen[st.ID] {
			continue
		}
		seen[st.ID] = true
		out = append(out, stopTarget{id: st.ID, kind: st.Kind, dataDir: s.ServiceDataDir(st.ID)})
	}
	return out
}

func stopServices(ctx context.Context, w io.Writer, rt containerRemover, store *secrets.Store, targets []stopTarget, clean bool) error {
	for _, t := range targets {
		n, err := rt.Remove(ctx, driver.ContainerName(t.id))
		if err != nil {
			fmt.Fprintf(w, "  %-12s %s\n", t.id, styleFail.Render("failed"))
			return err
		}
		detail := fmt.Sprintf("%d container(s) removed", n)
		if clean {
			if err := removeDataDir(t.dataDir); err != nil {
				return err
			}
			if t.kind == spec.KindPDS {
				if err := store.Remove(t.id); err != nil {
					return err
				}
			}
			detail += ", data deleted"
		}
		fmt.Fprintf(w, "  %-12s %s %s\n", t.id, styleOK.Render("stopped"), styleMuted.Render(detail))
	}
	return nil
}

func removeDataDir(dir string) error {
	clean := filepath.Clean(dir)
	if dir == "" || clean == "/" || clean == "." {
		return fmt.Errorf("refusing to delete data directory %q", dir)
	}
	if err := os.RemoveAll(clean); err != nil {
		return fmt.Errorf("delete %s: %w", clean, err)
	}
	return nil
}
