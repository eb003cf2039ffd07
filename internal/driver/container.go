package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Mount binds a host directory into a container.
type Mount struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// Bind renders the mount in docker "src:dst[:ro]" form.
func (m Mount) Bind() string {
	if m.ReadOnly {
		return m.Source + ":" + m.Target + ":ro"
	}
	return m.Source + ":" + m.Target
}

// ContainerSpec is the rendered container of a service. Replica n > 1 runs as
// Name-n and does not publish the host port.
type ContainerSpec struct {
	Name     string            `json:"name"`
	Image    string            `json:"image"`
	Env      map[string]string `json:"env"`
	Port     int               `json:"port"`
	HostPort int               `json:"host_port,omitempty"`
	Mounts   []Mount           `json:"mounts,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
	Replicas int               `json:"replicas"`
}

// ReplicaNames lists the container names of every replica.
func (c ContainerSpec) ReplicaNames() []string {
	n := c.Replicas
	if n < 1 {
		n = 1
	}
	names := make([]string, 0, n)
	names = append(names, c.Name)
	for i := 2; i <= n; i++ {
		names = append(names, fmt.Sprintf("%s-%d", c.Name, i))
	}
	return names
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (c ContainerSpec) EnvList() []string {
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Hash identifies the rendered configuration; a change forces replacement.
func (c ContainerSpec) Hash() string {
	body, _ := json.Marshal(c)
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// ContainerStatus is the observed state of a service's containers.
type ContainerStatus struct {
	Exists     bool
	Running    bool
	State      string
	Image      string
	ConfigHash string
}

// Runtime runs containers. DockerRuntime is the production implementation.
type Runtime interface {
	Ping(ctx context.Context) error
	Ensure(ctx context.Context, spec ContainerSpec) error
	Inspect(ctx context.Context, spec ContainerSpec) (ContainerStatus, error)
	// Remove deletes every replica of the named service and reports how many went.
	Remove(ctx context.Context, name string) (int, error)
}

// NormalizeImage strips the @sha256:... digest suffix from an image reference.
// Docker appends the resolved digest after pulling, which would otherwise cause
// false mismatches when comparing the rendered image with the running one.
//
// Examples:
//   - "ghcr.io/bluesky-social/pds:latest@sha256:abc123..." → "ghcr.io/bluesky-social/pds:latest"
//   - "ghcr.io/bluesky-social/pds:latest" → unchanged
//   - "nginx@sha256:abc123..." → "nginx" (digest-only reference)
func NormalizeImage(image string) string {
	if idx := strings.Index(image, "@sha256:"); idx != -1 {
		return image[:idx]
	}
	return image
}
