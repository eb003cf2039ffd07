package state

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nholik/skyward/internal/spec"
	"github.com/rs/zerolog"
)

func newTestFileStore(t *testing.T, name string) (*FileStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	return NewFileStore(path, zerolog.Nop()), path
}

func TestFileStore_SaveThenLoad(t *testing.T) {
	store, path := newTestFileStore(t, filepath.Join("nested", "state.json"))
	saved := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	in := State{Deployments: map[string]Snapshot{
		"prod": {
			Generation: "abc123",
			SavedAt:    saved,
			Services: []ServiceState{
				{ID: "pds", Kind: spec.KindPDS, Phase: PhaseDegraded, ConsecutiveFailures: 3, Causes: []string{"probe failed: 503"}},
				{ID: "feed", Kind: spec.KindFeedGenerator, Phase: PhaseHealthy, CertificateID: "cert-9"},
			},
		},
		"staging": {Generation: "def456"},
	}}
	if err := store.Save(context.Background(), in); err != nil {
		t.Fatalf("save: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if !strings.Contains(string(raw), `"version": 1`) {
		t.Fatalf("expected a versioned document, got %s", raw)
	}

	out, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	prod := out.Deployments["prod"]
	if prod.Generation != "abc123" || !prod.SavedAt.Equal(saved) {
		t.Fatalf("unexpected prod snapshot: %+v", prod)
	}
	if len(prod.Services) != 2 {
		t.Fatalf("expected 2 services, got %+v", prod.Services)
	}
	pds := prod.Services[0]
	if pds.Phase != PhaseDegraded || pds.ConsecutiveFailures != 3 || pds.Causes[0] != "probe failed: 503" {
		t.Fatalf("unexpected pds state: %+v", pds)
	}
	if prod.Services[1].CertificateID != "cert-9" {
		t.Fatalf("certificate binding lost: %+v", prod.Services[1])
	}
	if out.Deployments["staging"].Generation != "def456" {
		t.Fatalf("unexpected staging snapshot: %+v", out.Deployments["staging"])
	}
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	store, _ := newTestFileStore(t, "missing.json")

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if st.Deployments == nil || len(st.Deployments) != 0 {
		t.Fatalf("expected an empty, non-nil map, got %v", st.Deployments)
	}
}

func TestFileStore_CorruptFileIsMovedAside(t *testing.T) {
	store, path := newTestFileStore(t, "state.json")
	store.now = func() time.Time { return time.Unix(1700000000, 0) }
	if err := os.WriteFile(path, []byte("{not-json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	st, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(st.Deployments) != 0 {
		t.Fatalf("expected empty state, got %v", st.Deployments)
	}
	if _, err := os.Stat(path + ".corrupt-1700000000"); err != nil {
		t.Fatalf("expected the corrupt file to be kept aside: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected the original path to be free, got %v", err)
	}
}

func TestFileStore_RejectsNewerVersion(t *testing.T) {
	store, path := newTestFileStore(t, "state.json")
	if err := os.WriteFile(path, []byte(`{"version": 9, "deployments": {}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := store.Load(context.Background()); err == nil || !strings.Contains(err.Error(), "version 9") {
		t.Fatalf("expected a version error, got %v", err)
	}
}

func TestFileStore_CanceledContext(t *testing.T) {
	store, _ := newTestFileStore(t, "state.json")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := store.Save(ctx, State{}); err == nil {
		t.Fatal("expected canceled save to fail")
	}
	if _, err := store.Load(ctx); err == nil {
		t.Fatal("expected canceled load to fail")
	}
}
