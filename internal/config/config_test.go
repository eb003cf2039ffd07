package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func withDefaults(mutate func(*Config)) Config {
	cfg := Defaults()
	mutate(&cfg)
	return cfg
}

func TestLoad_ValidationAndDefaults(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantErr bool
		want    Config
	}{
		{
			name:    "missing spec source",
			env:     map[string]string{},
			wantErr: true,
		},
		{
			name: "defaults applied",
			env: map[string]string{
				envSpecPath: "/etc/skyward/stack.yaml",
			},
			want: withDefaults(func(c *Config) { c.SpecPath = "/etc/skyward/stack.yaml" }),
		},
		{
			name: "spec path and url are exclusive",
			env: map[string]string{
				envSpecPath: "/etc/skyward/stack.yaml",
				envSpecURL:  "https://example.com/stack.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid spec url missing scheme",
			env: map[string]string{
				envSpecURL: "example.com/stack.yaml",
			},
			wantErr: true,
		},
		{
			name: "invalid probe interval",
			env: map[string]string{
				envSpecPath:      "stack.yaml",
				envProbeInterval: "nope",
			},
			wantErr: true,
		},
		{
			name: "zero probe interval",
			env: map[string]string{
				envSpecPath:      "stack.yaml",
				envProbeInterval: "0s",
			},
			wantErr: true,
		},
		{
			name: "negative dns timeout",
			env: map[string]string{
				envSpecPath:   "stack.yaml",
				envDNSTimeout: "-5s",
			},
			wantErr: true,
		},
		{
			name: "zero degrade threshold",
			env: map[string]string{
				envSpecPath:     "stack.yaml",
				envDegradeAfter: "0",
			},
			wantErr: true,
		},
		{
			name: "renewal fraction out of range",
			env: map[string]string{
				envSpecPath:        "stack.yaml",
				envRenewalFraction: "1.5",
			},
			wantErr: true,
		},
		{
			name: "backoff max below initial",
			env: map[string]string{
				envSpecPath:          "stack.yaml",
				envRepairBackoffInit: "5m",
				envRepairBackoffMax:  "1m",
			},
			wantErr: true,
		},
		{
			name: "cloudflare token without zone",
			env: map[string]string{
				envSpecPath:        "stack.yaml",
				envCloudflareToken: "secret",
			},
			wantErr: true,
		},
		{
			name: "invalid slack webhook url",
			env: map[string]string{
				envSpecPath:        "stack.yaml",
				envSlackWebhookURL: "not-a-url",
			},
			wantErr: true,
		},
		{
			name: "port out of range",
			env: map[string]string{
				envSpecPath: "stack.yaml",
				envAPIPort:  "70000",
			},
			wantErr: true,
		},
		{
			name: "invalid dry run",
			env: map[string]string{
				envSpecPath: "stack.yaml",
				envDryRun:   "maybe",
			},
			wantErr: true,
		},
		{
			name: "custom thresholds timings and outputs",
			env: map[string]string{
				envSpecURL:         "https://example.com/stack.yaml",
				envProbeInterval:   "45s",
				envDegradeAfter:    "2",
				envFailAfter:       "5",
				envRenewalFraction: "0.25",
				envCloudflareToken: "secret",
				envCloudflareZone:  "zone-1",
				envMetricsPort:     "0",
				envChallengePort:   "0",
				envNATSURL:         "nats://nats:4222",
				envDryRun:          "true",
			},
			want: withDefaults(func(c *Config) {
				c.SpecURL = "https://example.com/stack.yaml"
				c.ProbeInterval = 45 * time.Second
				c.DegradeAfter = 2
				c.FailAfter = 5
				c.RenewalFraction = 0.25
				c.CloudflareAPIToken = "secret"
				c.CloudflareZoneID = "zone-1"
				c.MetricsPort = 0
				c.ChallengePort = 0
				c.NATSURL = "nats://nats:4222"
				c.DryRun = true
			}),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			restoreDir := mustChdir(t, tmpDir)
			defer restoreDir()

			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			got, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if got != tc.want {
				t.Fatalf("unexpected config: %+v", got)
			}
		})
	}
}

func TestLoad_DotEnvAndEnvOverride(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	dotenv := []byte(`
# example .env
SKYWARD_SPEC_PATH=/from-dotenv.yaml
SKYWARD_SLACK_WEBHOOK_URL=https://hooks.slack.com/services/test
SKYWARD_DOCKER_HOST=unix:///dotenv.sock
`)

	if err := os.WriteFile(filepath.Join(tmpDir, ".env"), dotenv, 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv(envSpecPath, "/from-env.yaml")
	t.Setenv(envDockerHost, "unix:///var/run/docker.sock")

	got, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got.SpecPath != "/from-env.yaml" {
		t.Fatalf("spec path did not prefer env: %s", got.SpecPath)
	}
	if got.DockerHost != "unix:///var/run/docker.sock" {
		t.Fatalf("docker host did not prefer env: %s", got.DockerHost)
	}
	if got.SlackWebhookURL != "https://hooks.slack.com/services/test" {
		t.Fatalf("slack webhook url not loaded from .env: %s", got.SlackWebhookURL)
	}
	if got.ProbeInterval != defaultProbeInterval {
		t.Fatalf("unexpected probe interval: %s", got.ProbeInterval)
	}
}

func mustChdir(t *testing.T, dir string) func() {
	t.Helper()
	original, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	return func() {
		if err := os.Chdir(original); err != nil {
			t.Fatalf("restore dir: %v", err)
		}
	}
}

func TestLoadWith_OverridesBeforeValidation(t *testing.T) {
	tmpDir := t.TempDir()
	restoreDir := mustChdir(t, tmpDir)
	defer restoreDir()

	t.Setenv(envSpecURL, "https://example.com/stack.yaml")

	got, err := LoadWith(func(c *Config) {
		c.SpecURL = ""
		c.SpecPath = "local.yaml"
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.SpecPath != "local.yaml" || got.SpecURL != "" {
		t.Fatalf("override not applied: %+v", got)
	}

	if _, err := LoadWith(func(c *Config) { c.SpecURL = "" }); err == nil {
		t.Fatalf("expected validation to run after overrides")
	}
}
