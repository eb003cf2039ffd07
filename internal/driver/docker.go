package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"
)

const (
	defaultAPITimeout = 5 * time.Second

	labelManaged    = "dev.skyward.managed"
	labelService    = "dev.skyward.service"
	labelConfigHash = "dev.skyward.config-hash"
)

// dockerAPI is the subset of the Docker SDK used by DockerRuntime, so tests
// can inject a fake daemon.
type dockerAPI interface {
	Ping(ctx context.Context) (dockertypes.Ping, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerInspect(ctx context.Context, name string) (dockertypes.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error)
	Close() error
}

var _ dockerAPI = (*dockerClientAdapter)(nil)

// dockerClientAdapter narrows *client.Client to dockerAPI. Networking and
// platform selection are left to the daemon defaults.
type dockerClientAdapter struct {
	client *client.Client
}

func (a *dockerClientAdapter) Ping(ctx context.Context) (dockertypes.Ping, error) {
	return a.client.Ping(ctx)
}

func (a *dockerClientAdapter) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	return a.client.ImagePull(ctx, ref, options)
}

func (a *dockerClientAdapter) ContainerInspect(ctx context.Context, name string) (dockertypes.ContainerJSON, error) {
	return a.client.ContainerInspect(ctx, name)
}

func (a *dockerClientAdapter) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, name string) (container.CreateResponse, error) {
	return a.client.ContainerCreate(ctx, config, hostConfig, nil, nil, name)
}

func (a *dockerClientAdapter) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return a.client.ContainerStart(ctx, id, options)
}

func (a *dockerClientAdapter) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	return a.client.ContainerRemove(ctx, id, options)
}

func (a *dockerClientAdapter) ContainerList(ctx context.Context, options container.ListOptions) ([]dockertypes.Container, error) {
	return a.client.ContainerList(ctx, options)
}

func (a *dockerClientAdapter) Close() error {
	return a.client.Close()
}

// DockerRuntime implements Runtime using the official Docker Go SDK.
type DockerRuntime struct {
	logger  zerolog.Logger
	api     dockerAPI
	timeout time.Duration
}

// NewDockerRuntime initializes a Docker client for the given API host. An
// empty host uses the default socket. timeout bounds Ping only; pulls and
// container operations follow the caller's context.
func NewDockerRuntime(logger zerolog.Logger, host string, timeout time.Duration) (*DockerRuntime, error) {
	if timeout <= 0 {
		timeout = defaultAPITimeout
	}

	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
		client.WithHTTPClient(&http.Client{}),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, err
	}

	return &DockerRuntime{
		logger:  logger,
		api:     &dockerClientAdapter{client: api},
		timeout: timeout,
	}, nil
}

// Ping validates connectivity to the Docker daemon.
func (r *DockerRuntime) Ping(ctx context.Context) error {
	if r == nil || r.api == nil {
		return errors.New("docker client is not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.api.Ping(ctx)
	return err
}

// Close releases the Docker client.
func (r *DockerRuntime) Close() error {
	if r == nil || r.api == nil {
		return nil
	}
	return r.api.Close()
}

// Ensure converges every replica to spec. Containers already running with the
// same configuration hash are left alone; containers with a different hash are
// replaced; stopped ones are started.
func (r *DockerRuntime) Ensure(ctx context.Context, spec ContainerSpec) error {
	hash := spec.Hash()
	pulled := false

	for i, name := range spec.ReplicaNames() {
		info, err := r.api.ContainerInspect(ctx, name)
		switch {
		case err == nil:
			if configHash(info) == hash {
				if running(info) {
					continue
				}
				if err := r.api.ContainerStart(ctx, info.ID, container.StartOptions{}); err != nil {
					return fmt.Errorf("start container %s: %w", name, err)
				}
				r.logger.Info().Str("container", name).Msg("started stopped container")
				continue
			}
			if err := r.api.ContainerRemove(ctx, info.ID, container.RemoveOptions{Force: true}); err != nil {
				return fmt.Errorf("remove container %s: %w", name, err)
			}
			r.logger.Info().Str("container", name).Msg("removed outdated container")
		case client.IsErrNotFound(err):
		default:
			return fmt.Errorf("inspect container %s: %w", name, err)
		}

		if !pulled {
			if err := r.pull(ctx, spec.Image); err != nil {
				return err
			}
			pulled = true
		}

		config, hostConfig, err := containerConfig(spec, hash, i == 0)
		if err != nil {
			return err
		}
		created, err := r.api.ContainerCreate(ctx, config, hostConfig, name)
		if err != nil {
			return fmt.Errorf("create container %s: %w", name, err)
		}
		if err := r.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
			return fmt.Errorf("start container %s: %w", name, err)
		}
		r.logger.Info().Str("container", name).Str("image", spec.Image).Msg("container started")
	}
	return nil
}

// Inspect aggregates the state of every replica. Running is true only when
// all replicas run with the rendered configuration.
func (r *DockerRuntime) Inspect(ctx context.Context, spec ContainerSpec) (ContainerStatus, error) {
	status := ContainerStatus{Exists: true, Running: true}
	for i, name := range spec.ReplicaNames() {
		info, err := r.api.ContainerInspect(ctx, name)
		if client.IsErrNotFound(err) {
			return ContainerStatus{State: "missing"}, nil
		}
		if err != nil {
			return ContainerStatus{}, fmt.Errorf("inspect container %s: %w", name, err)
		}
		if i == 0 {
			status.ConfigHash = configHash(info)
			if info.Config != nil {
				status.Image = info.Config.Image
			}
			if info.ContainerJSONBase != nil && info.State != nil {
				status.State = info.State.Status
			}
		}
		if !running(info) {
			status.Running = false
			if info.ContainerJSONBase != nil && info.State != nil {
				status.State = info.State.Status
			}
		}
	}
	return status, nil
}

// Remove force-removes every replica whose service label is name, running or
// not. Host directories mounted into them are untouched.
func (r *DockerRuntime) Remove(ctx context.Context, name string) (int, error) {
	list, err := r.api.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", labelManaged+"=true"),
			filters.Arg("label", labelService+"="+name),
		),
	})
	if err != nil {
		return 0, fmt.Errorf("list containers of %s: %w", name, err)
	}

	removed := 0
	for _, c := range list {
		err := r.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
		if err != nil && !client.IsErrNotFound(err) {
			return removed, fmt.Errorf("remove container %s: %w", containerLabel(c), err)
		}
		removed++
		r.logger.Info().Str("container", containerLabel(c)).Msg("container removed")
	}
	return removed, nil
}

func containerLabel(c dockertypes.Container) string {
	if len(c.Names) > 0 {
		return strings.TrimPrefix(c.Names[0], "/")
	}
	return c.ID
}

func (r *DockerRuntime) pull(ctx context.Context, ref string) error {
	body, err := r.api.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer body.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, body); err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	return nil
}

func containerConfig(spec ContainerSpec, hash string, primary bool) (*container.Config, *container.HostConfig, error) {
	labels := map[string]string{
		labelManaged:    "true",
		labelService:    spec.Name,
		labelConfigHash: hash,
	}
	for k, v := range spec.Labels {
		labels[k] = v
	}

	config := &container.Config{
		Image:  spec.Image,
		Env:    spec.EnvList(),
		Labels: labels,
	}
	hostConfig := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyUnlessStopped},
	}
	for _, m := range spec.Mounts {
		hostConfig.Binds = append(hostConfig.Binds, m.Bind())
	}

	if spec.Port > 0 {
		port, err := nat.NewPort("tcp", strconv.Itoa(spec.Port))
		if err != nil {
			return nil, nil, fmt.Errorf("container port: %w", err)
		}
		config.ExposedPorts = nat.PortSet{port: struct{}{}}
		if primary && spec.HostPort > 0 {
			hostConfig.PortBindings = nat.PortMap{
				port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)}},
			}
		}
	}
	return config, hostConfig, nil
}

func running(info dockertypes.ContainerJSON) bool {
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running
}

func configHash(info dockertypes.ContainerJSON) string {
	if info.Config == nil {
		return ""
	}
	return info.Config.Labels[labelConfigHash]
}
