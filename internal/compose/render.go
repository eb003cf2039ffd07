package compose

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/nholik/skyward/internal/driver"
	"github.com/nholik/skyward/internal/graph"
	"github.com/nholik/skyward/internal/spec"
	"gopkg.in/yaml.v3"
)

const restartPolicy = "unless-stopped"

type document struct {
	Name     string             `yaml:"name"`
	Services map[string]service `yaml:"services"`
}

type service struct {
	Image         string            `yaml:"image"`
	ContainerName string            `yaml:"container_name,omitempty"`
	Restart       string            `yaml:"restart"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Ports         []string          `yaml:"ports,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
	DependsOn     []string          `yaml:"depends_on,omitempty"`
	Deploy        *deploy           `yaml:"deploy,omitempty"`
}

type deploy struct {
	Replicas int `yaml:"replicas"`
}

// Render writes the deployment as a docker-compose document. Containers are
// rendered exactly as the drivers run them; depends_on follows the graph.
func Render(s *spec.DeploymentSpec) ([]byte, error) {
	g, err := graph.Build(s)
	if err != nil {
		return nil, err
	}

	doc := document{
		Name:     projectName(s.Name),
		Services: make(map[string]service, len(s.Services)),
	}
	for _, id := range g.Order() {
		svc, _ := s.Service(id)
		c, err := driver.RenderContainer(svc)
		if err != nil {
			return nil, fmt.Errorf("render %s: %w", id, err)
		}

		out := service{
			Image:       c.Image,
			Restart:     restartPolicy,
			Environment: escapeAll(c.Env),
			Labels:      c.Labels,
			DependsOn:   g.Dependencies(id),
		}
		for _, m := range c.Mounts {
			out.Volumes = append(out.Volumes, m.Bind())
		}
		if c.Replicas > 1 {
			// Replicas share the service name; only a single container
			// can own the container name and the host port.
			out.Deploy = &deploy{Replicas: c.Replicas}
		} else {
			out.ContainerName = c.Name
			if c.HostPort > 0 {
				out.Ports = []string{strconv.Itoa(c.HostPort) + ":" + strconv.Itoa(c.Port)}
			}
		}
		doc.Services[id] = out
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("encode compose: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode compose: %w", err)
	}
	return buf.Bytes(), nil
}

// projectName lowers name into the character set compose accepts.
func projectName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.TrimLeft(b.String(), "-_")
	if out == "" {
		return "skyward"
	}
	return out
}

// escapeAll doubles '$' so compose does not interpolate literal values.
func escapeAll(env map[string]string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = strings.ReplaceAll(v, "$", "$$")
	}
	return out
}
