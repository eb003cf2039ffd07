package driver

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/nholik/skyward/internal/spec"
)

const imageRegistry = "ghcr.io/bluesky-social/"

// Config keys consumed by the drivers themselves. Any other lowercase key is
// exported to the container as <PREFIX>_<KEY>; uppercase keys pass verbatim.
const (
	ConfigImage      = "image"
	ConfigPort       = "port"
	ConfigHostPort   = "host_port"
	ConfigHealthPath = "health_path"
	ConfigHealthURL  = "health_url"
)

var reservedKeys = map[string]bool{
	ConfigImage:      true,
	ConfigPort:       true,
	ConfigHostPort:   true,
	ConfigHealthPath: true,
	ConfigHealthURL:  true,
}

// profile captures what differs between kinds.
type profile struct {
	kind       spec.Kind
	image      string
	port       int
	healthPath string
	envPrefix  string
	env        func(svc spec.ServiceSpec, port int) map[string]string
}

var (
	pdsProfile = profile{
		kind:       spec.KindPDS,
		image:      imageRegistry + "pds:latest",
		port:       3000,
		healthPath: "/xrpc/_health",
		envPrefix:  "PDS",
		env: func(svc spec.ServiceSpec, port int) map[string]string {
			return map[string]string{
				"PDS_HOSTNAME":                svc.Domain,
				"PDS_PORT":                    strconv.Itoa(port),
				"PDS_DATA_DIRECTORY":          "/data",
				"PDS_BLOBSTORE_DISK_LOCATION": "/data/blocks",
			}
		},
	}

	relayConsumerProfile = profile{
		kind:       spec.KindRelayConsumer,
		image:      imageRegistry + "jetstream:latest",
		port:       6008,
		healthPath: "/health",
		envPrefix:  "JETSTREAM",
		env: func(svc spec.ServiceSpec, port int) map[string]string {
			return map[string]string{
				"JETSTREAM_LISTEN_ADDR":   ":" + strconv.Itoa(port),
				"JETSTREAM_DATA_DIR":      "/data",
				"JETSTREAM_WEBSOCKET_URL": "wss://bsky.network/xrpc/com.atproto.sync.subscribeRepos",
			}
		},
	}

	moderationProfile = profile{
		kind:       spec.KindModeration,
		image:      imageRegistry + "ozone:latest",
		port:       3000,
		healthPath: "/health",
		envPrefix:  "OZONE",
		env: func(svc spec.ServiceSpec, port int) map[string]string {
			env := map[string]string{
				"OZONE_PORT": strconv.Itoa(port),
			}
			if svc.Domain != "" {
				env["OZONE_PUBLIC_URL"] = "https://" + svc.Domain
			}
			return env
		},
	}

	feedGeneratorProfile = profile{
		kind:       spec.KindFeedGenerator,
		image:      imageRegistry + "feed-generator:latest",
		port:       3000,
		healthPath: "/health",
		envPrefix:  "FEEDGEN",
		env: func(svc spec.ServiceSpec, port int) map[string]string {
			return map[string]string{
				"FEEDGEN_HOSTNAME":        svc.Domain,
				"FEEDGEN_PORT":            strconv.Itoa(port),
				"FEEDGEN_LISTENHOST":      "0.0.0.0",
				"FEEDGEN_SQLITE_LOCATION": "/data/db.sqlite",
			}
		},
	}
)

// Secrets supplies generated credentials for a service. Values land in the
// environment below explicit service config, so an operator can pin them.
type Secrets interface {
	Env(svc spec.ServiceSpec) (map[string]string, error)
}

// containerDriver is the shared implementation behind the four kinds.
type containerDriver struct {
	profile profile
	runtime Runtime
	prober  *HTTPProber
	secrets Secrets
}

// PDSDriver runs a personal data server.
type PDSDriver struct{ containerDriver }

// RelayConsumerDriver runs jetstream against the firehose.
type RelayConsumerDriver struct{ containerDriver }

// ModerationDriver runs ozone.
type ModerationDriver struct{ containerDriver }

// FeedGeneratorDriver runs a feed generator.
type FeedGeneratorDriver struct{ containerDriver }

// NewPDSDriver returns the PDS driver. secrets may be nil when every
// credential comes from service config.
func NewPDSDriver(runtime Runtime, prober *HTTPProber, secrets Secrets) *PDSDriver {
	return &PDSDriver{containerDriver{profile: pdsProfile, runtime: runtime, prober: prober, secrets: secrets}}
}

func NewRelayConsumerDriver(runtime Runtime, prober *HTTPProber) *RelayConsumerDriver {
	return &RelayConsumerDriver{containerDriver{profile: relayConsumerProfile, runtime: runtime, prober: prober}}
}

func NewModerationDriver(runtime Runtime, prober *HTTPProber) *ModerationDriver {
	return &ModerationDriver{containerDriver{profile: moderationProfile, runtime: runtime, prober: prober}}
}

func NewFeedGeneratorDriver(runtime Runtime, prober *HTTPProber) *FeedGeneratorDriver {
	return &FeedGeneratorDriver{containerDriver{profile: feedGeneratorProfile, runtime: runtime, prober: prober}}
}

func (d *containerDriver) Kind() spec.Kind {
	return d.profile.kind
}

// Apply renders the container and converges the runtime to it.
func (d *containerDriver) Apply(ctx context.Context, svc spec.ServiceSpec) error {
	container, err := d.Render(svc)
	if err != nil {
		return err
	}
	if svc.DataDir != "" {
		if err := os.MkdirAll(svc.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	return d.runtime.Ensure(ctx, container)
}

// Verify checks that the containers run the rendered configuration and that
// the health endpoint answers, waiting for it to come up.
func (d *containerDriver) Verify(ctx context.Context, svc spec.ServiceSpec) error {
	container, err := d.Render(svc)
	if err != nil {
		return err
	}
	if err := d.checkContainer(ctx, container); err != nil {
		return err
	}
	return d.prober.Wait(ctx, d.HealthURL(svc))
}

// Probe reports the current health without retrying.
func (d *containerDriver) Probe(ctx context.Context, svc spec.ServiceSpec) HealthSignal {
	container, err := d.Render(svc)
	if err != nil {
		return HealthSignal{Status: StatusUnhealthy, Err: err}
	}
	if err := d.checkContainer(ctx, container); err != nil {
		return HealthSignal{Status: StatusUnhealthy, Err: err}
	}
	url := d.HealthURL(svc)
	if err := d.prober.Check(ctx, url); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			// The process is up but reports itself unwell.
			return HealthSignal{Status: StatusDegraded, Detail: url, Err: err}
		}
		return HealthSignal{Status: StatusUnhealthy, Detail: url, Err: err}
	}
	return HealthSignal{Status: StatusHealthy, Detail: url}
}

func (d *containerDriver) checkContainer(ctx context.Context, container ContainerSpec) error {
	status, err := d.runtime.Inspect(ctx, container)
	if err != nil {
		return err
	}
	if !status.Exists {
		return fmt.Errorf("container %s does not exist", container.Name)
	}
	if !status.Running {
		return fmt.Errorf("container %s is not running (%s)", container.Name, status.State)
	}
	if NormalizeImage(status.Image) != NormalizeImage(container.Image) {
		return fmt.Errorf("container %s runs %s, want %s", container.Name, status.Image, container.Image)
	}
	return nil
}

// Remove deletes the containers of svc. Its data directory is kept.
func (d *containerDriver) Remove(ctx context.Context, svc spec.ServiceSpec) error {
	_, err := d.runtime.Remove(ctx, ContainerName(svc.ID))
	return err
}

// Render produces the container spec for svc.
func (d *containerDriver) Render(svc spec.ServiceSpec) (ContainerSpec, error) {
	var generated map[string]string
	if d.secrets != nil {
		var err error
		if generated, err = d.secrets.Env(svc); err != nil {
			return ContainerSpec{}, fmt.Errorf("secrets for %s: %w", svc.ID, err)
		}
	}
	return render(d.profile, svc, generated)
}

// HealthURL is the endpoint probed for svc.
func (d *containerDriver) HealthURL(svc spec.ServiceSpec) string {
	return healthURL(d.profile, svc)
}

// RenderContainer renders svc with the defaults of its kind.
func RenderContainer(svc spec.ServiceSpec) (ContainerSpec, error) {
	p, err := profileFor(svc.Kind)
	if err != nil {
		return ContainerSpec{}, err
	}
	return render(p, svc, nil)
}

// HealthPath is the default health path of kind.
func HealthPath(kind spec.Kind) string {
	p, err := profileFor(kind)
	if err != nil {
		return ""
	}
	return p.healthPath
}

func profileFor(kind spec.Kind) (profile, error) {
	switch kind {
	case spec.KindPDS:
		return pdsProfile, nil
	case spec.KindRelayConsumer:
		return relayConsumerProfile, nil
	case spec.KindModeration:
		return moderationProfile, nil
	case spec.KindFeedGenerator:
		return feedGeneratorProfile, nil
	default:
		return profile{}, fmt.Errorf("unknown service kind %q", kind)
	}
}

func render(p profile, svc spec.ServiceSpec, generated map[string]string) (ContainerSpec, error) {
	port, err := intSetting(svc, ConfigPort, p.port)
	if err != nil {
		return ContainerSpec{}, err
	}
	hostPort, err := intSetting(svc, ConfigHostPort, port)
	if err != nil {
		return ContainerSpec{}, err
	}

	image := p.image
	if v := strings.TrimSpace(svc.Config[ConfigImage]); v != "" {
		image = v
	}

	env := p.env(svc, port)
	for key, value := range generated {
		env[key] = value
	}
	for key, value := range svc.Config {
		if reservedKeys[key] {
			continue
		}
		env[envName(p.envPrefix, key)] = value
	}

	var mounts []Mount
	if svc.DataDir != "" {
		mounts = append(mounts, Mount{Source: svc.DataDir, Target: "/data"})
	}
	if svc.CertDir != "" {
		mounts = append(mounts, Mount{Source: svc.CertDir, Target: "/certs", ReadOnly: true})
	}

	return ContainerSpec{
		Name:     ContainerName(svc.ID),
		Image:    image,
		Env:      env,
		Port:     port,
		HostPort: hostPort,
		Mounts:   mounts,
		Labels:   map[string]string{"dev.skyward.kind": string(p.kind)},
		Replicas: svc.Replicas,
	}, nil
}

// healthURL probes a domain-bound service through its public hostname and
// others through the published host port.
func healthURL(p profile, svc spec.ServiceSpec) string {
	if v := strings.TrimSpace(svc.Config[ConfigHealthURL]); v != "" {
		return v
	}
	path := p.healthPath
	if v := strings.TrimSpace(svc.Config[ConfigHealthPath]); v != "" {
		path = v
	}
	if svc.Domain != "" {
		return "https://" + svc.Domain + path
	}
	port := p.port
	if v, err := intSetting(svc, ConfigPort, port); err == nil {
		port = v
	}
	if v, err := intSetting(svc, ConfigHostPort, port); err == nil {
		port = v
	}
	return fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
}

// ContainerName is the container name of a service.
func ContainerName(id string) string {
	return "skyward-" + id
}

func intSetting(svc spec.ServiceSpec, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(svc.Config[key])
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value <= 0 || value > 65535 {
		return 0, fmt.Errorf("invalid %s %q for service %s", key, raw, svc.ID)
	}
	return value, nil
}

func envName(prefix, key string) string {
	if strings.ToUpper(key) == key {
		return key
	}
	return prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
}
