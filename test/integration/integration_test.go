//go:build integration

package integration

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nholik/skyward/internal/compose"
	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/logging"
	"github.com/nholik/skyward/internal/spec"
)

const stack = `
name: integration
tier: development
storage_root: /tmp/skyward-integration
services:
  - id: pds
    kind: pds
  - id: jetstream
    kind: relay-consumer
    depends_on: [pds]
`

// TestIntegrationDockerRuntime verifies the container runtime against a
// real Docker daemon.
//
// Prerequisites:
//   - Docker daemon reachable at TEST_DOCKER_HOST (default unix:///var/run/docker.sock)
//
// Run with: go test -tags=integration -v ./test/integration/...
func TestIntegrationDockerRuntime(t *testing.T) {
	host := getEnv("TEST_DOCKER_HOST", "unix:///var/run/docker.sock")
	logger := logging.New()

	runtime, err := driver.NewDockerRuntime(logger, host, 10*time.Second)
	if err != nil {
		t.Fatalf("create docker runtime: %v", err)
	}
	defer runtime.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := runtime.Ping(ctx); err != nil {
		t.Skipf("docker not reachable: %v", err)
	}

	t.Run("InspectMissing", func(t *testing.T) {
		status, err := runtime.Inspect(context.Background(), driver.ContainerSpec{Name: "skyward-integration-absent"})
		if err != nil {
			t.Fatalf("inspect: %v", err)
		}
		if status.Exists || status.Running {
			t.Fatalf("expected a missing container, got %+v", status)
		}
	})

	t.Run("RenderedComposeLoads", func(t *testing.T) {
		s, err := spec.Load([]byte(stack), spec.FormatYAML)
		if err != nil {
			t.Fatalf("load spec: %v", err)
		}
		body, err := compose.Render(s)
		if err != nil {
			t.Fatalf("render compose: %v", err)
		}
		project, err := compose.Validate(context.Background(), body)
		if err != nil {
			t.Fatalf("validate compose: %v", err)
		}
		if len(project.Services) != 2 {
			t.Fatalf("expected 2 compose services, got %d", len(project.Services))
		}
	})
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
