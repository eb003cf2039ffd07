package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nholik/skyward/internal/certs"
	"github.com/nholik/skyward/internal/orchestrator"
	"github.com/nholik/skyward/internal/secrets"
	"github.com/nholik/skyward/internal/spec"
	"github.com/nholik/skyward/internal/state"
	"github.com/rs/zerolog"
)

const testStack = `
name: demo
tier: development
storage_root: /srv/skyward
services:
  - id: pds
    kind: pds
  - id: jetstream
    kind: relay-consumer
    depends_on: [pds]
`

func writeTestSpec(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stack.yaml")
	if err := os.WriteFile(path, []byte(testStack), 0o600); err != nil {
		t.Fatalf("write spec: %v", err)
	}
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPrintReport(t *testing.T) {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	report := &orchestrator.Report{
		Deployment: "demo",
		Generation: "0123456789abcdef",
		Started:    started,
		Finished:   started.Add(1500 * time.Millisecond),
		Outcomes: []orchestrator.Outcome{
			{Service: "pds", Kind: spec.KindPDS, Phase: state.PhaseHealthy, Duration: time.Second},
			{Service: "jetstream", Kind: spec.KindRelayConsumer, Phase: state.PhaseFailed, Causes: []string{"dependency pds unhealthy"}},
		},
	}

	var buf bytes.Buffer
	printReport(&buf, report)
	got := buf.String()

	for _, want := range []string{"Deployment demo", "0123456789ab", "incomplete", "Healthy", "Failed", "dependency pds unhealthy", "1 healthy, 1 failed"} {
		if !strings.Contains(got, want) {
			t.Fatalf("report output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "0123456789abcdef") {
		t.Fatalf("expected generation to be shortened:\n%s", got)
	}
}

func TestStatusCommand(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "state.json")
	t.Setenv("SKYWARD_SPEC_PATH", filepath.Join(dir, "unused.yaml"))
	t.Setenv("SKYWARD_STATE_PATH", statePath)

	saved := state.State{Deployments: map[string]state.Snapshot{
		"demo": {
			Generation: "gen-1",
			SavedAt:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
			Services: []state.ServiceState{
				{ID: "pds", Kind: spec.KindPDS, Phase: state.PhaseHealthy, CertificateID: "cert-abc"},
				{ID: "jetstream", Kind: spec.KindRelayConsumer, Phase: state.PhaseDegraded, ConsecutiveFailures: 2, Causes: []string{"probe timeout"}},
			},
		},
	}}
	if err := state.NewFileStore(statePath, zerolog.Nop()).Save(context.Background(), saved); err != nil {
		t.Fatalf("save state: %v", err)
	}

	out, err := runCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Deployment demo", "gen-1", "pds", "cert cert-abc", "Degraded", "2 failed probe(s)", "probe timeout"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}

	if _, err := runCommand(t, "status", "--deployment", "other"); err == nil {
		t.Fatal("expected an error for an unknown deployment")
	}
}

func TestStatusCommandEmptyState(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SKYWARD_SPEC_PATH", filepath.Join(dir, "unused.yaml"))
	t.Setenv("SKYWARD_STATE_PATH", filepath.Join(dir, "missing.json"))

	out, err := runCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.Contains(out, "no persisted state") {
		t.Fatalf("unexpected output:\n%s", out)
	}
}

func TestCheckCommandSkipDNS(t *testing.T) {
	path := writeTestSpec(t)

	out, err := runCommand(t, "check", "--spec", path, "--skip-dns")
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !strings.Contains(out, "level 0  pds") || !strings.Contains(out, "level 1  jetstream") {
		t.Fatalf("unexpected levels:\n%s", out)
	}
}

func TestComposeCommand(t *testing.T) {
	path := writeTestSpec(t)

	out, err := runCommand(t, "compose", "--spec", path)
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	for _, want := range []string{"services:", "skyward-pds", "skyward-jetstream", "depends_on"} {
		if !strings.Contains(out, want) {
			t.Fatalf("compose output missing %q:\n%s", want, out)
		}
	}

	target := filepath.Join(t.TempDir(), "compose.yaml")
	if _, err := runCommand(t, "compose", "--spec", path, "-o", target); err != nil {
		t.Fatalf("compose -o: %v", err)
	}
	body, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Contains(body, []byte("skyward-pds")) {
		t.Fatalf("unexpected file contents:\n%s", body)
	}
}

func TestExitErrorCarriesCode(t *testing.T) {
	var err error = &exitError{code: 2, msg: "apply incomplete"}
	var ee *exitError
	if !errors.As(err, &ee) || ee.code != 2 {
		t.Fatalf("expected exit code 2, got %v", err)
	}
}

func TestStartChallenge(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("tok.key"))
	})

	stop, err := startChallenge(context.Background(), zerolog.Nop(), 0, nil, handler)
	if err != nil {
		t.Fatalf("no acme domains: %v", err)
	}
	stop()

	if _, err := startChallenge(context.Background(), zerolog.Nop(), 0, []string{"pds.example.com"}, handler); err == nil ||
		!strings.Contains(err.Error(), "SKYWARD_ACME_CHALLENGE_PORT") {
		t.Fatalf("expected an actionable error, got %v", err)
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()

	stop, err = startChallenge(context.Background(), zerolog.Nop(), port, []string{"pds.example.com"}, handler)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer stop()
	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%stok", port, certs.ChallengePathPrefix))
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "tok.key" {
		t.Fatalf("unexpected challenge response %d %q", resp.StatusCode, body)
	}
}

type recordingRemover struct{ names []string }

func (r *recordingRemover) Remove(ctx context.Context, name string) (int, error) {
	r.names = append(r.names, name)
	return 1, nil
}

func TestStopServices(t *testing.T) {
	root := t.TempDir()
	s, err := spec.Load([]byte(strings.Replace(testStack, "/srv/skyward", root, 1)), spec.FormatYAML)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	snap := state.Snapshot{Services: []state.ServiceState{
		{ID: "pds", Kind: spec.KindPDS, Phase: state.PhaseHealthy},
		{ID: "ozone", Kind: spec.KindModeration, Phase: state.PhaseRemoved},
	}}
	targets := stopTargets(s, snap)
	if len(targets) != 3 || targets[2].id != "ozone" || targets[2].dataDir != filepath.Join(root, "services", "ozone") {
		t.Fatalf("unexpected targets %+v", targets)
	}

	store := secrets.NewStore(zerolog.Nop(), filepath.Join(root, "secrets"))
	if _, err := store.PDS("pds"); err != nil {
		t.Fatalf("seed secrets: %v", err)
	}
	for _, target := range targets {
		if err := os.MkdirAll(target.dataDir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}

	rt := &recordingRemover{}
	var out bytes.Buffer
	if err := stopServices(context.Background(), &out, rt, store, targets, false); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if strings.Join(rt.names, ",") != "skyward-pds,skyward-jetstream,skyward-ozone" {
		t.Fatalf("unexpected removals %v", rt.names)
	}
	if _, err := os.Stat(targets[0].dataDir); err != nil {
		t.Fatalf("plain stop must keep data: %v", err)
	}

	if err := stopServices(context.Background(), &out, rt, store, targets, true); err != nil {
		t.Fatalf("stop --clean: %v", err)
	}
	for _, target := range targets {
		if _, err := os.Stat(target.dataDir); !os.IsNotExist(err) {
			t.Fatalf("expected %s deleted, got %v", target.dataDir, err)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "secrets", "pds.toml")); !os.IsNotExist(err) {
		t.Fatalf("expected pds secrets deleted, got %v", err)
	}
	if !strings.Contains(out.String(), "data deleted") {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestRemoveDataDirRefusesRoot(t *testing.T) {
	for _, dir := range []string{"", "/", "."} {
		if err := removeDataDir(dir); err == nil {
			t.Fatalf("expected refusal for %q", dir)
		}
	}
}
