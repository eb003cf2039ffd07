package spec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is the encoding of a deployment document.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

// FormatFromPath picks the format from a file extension, defaulting to YAML.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML
	case ".json":
		return FormatJSON
	default:
		return FormatYAML
	}
}

var structValidate = validator.New(validator.WithRequiredStructEnabled())

// LoadFile reads and loads a deployment document from disk.
func LoadFile(path string) (*DeploymentSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read spec: %w", err)
	}
	return Load(raw, FormatFromPath(path))
}

// Load parses and validates raw into a DeploymentSpec. Any problem with the
// document is reported as a *ValidationError carrying every violation found.
func Load(raw []byte, format Format) (*DeploymentSpec, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &ValidationError{Violations: []Violation{{Message: "document is empty"}}}
	}

	doc, err := decodeGeneric(raw, format)
	if err != nil {
		return nil, &ValidationError{Violations: []Violation{{Message: err.Error()}}}
	}

	canonical, err := json.Marshal(doc)
	if err != nil {
		return nil, &ValidationError{Violations: []Violation{{Message: fmt.Sprintf("document is not representable as JSON: %v", err)}}}
	}

	var generic any
	dec := json.NewDecoder(bytes.NewReader(canonical))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("re-decode spec: %w", err)
	}

	structural, err := checkSchema(generic)
	if err != nil {
		return nil, err
	}
	// Structural errors make typed decoding unreliable, so stop here.
	if len(structural) > 0 {
		return nil, structural.err()
	}

	var out DeploymentSpec
	if err := json.Unmarshal(canonical, &out); err != nil {
		return nil, &ValidationError{Violations: []Violation{{Message: err.Error()}}}
	}
	out.applyDefaults()

	var found violations
	found = append(found, fieldViolations(&out)...)
	found = append(found, crossReferenceViolations(&out)...)
	if err := found.err(); err != nil {
		return nil, err
	}

	out.deriveDirs()
	out.Fingerprint = Fingerprint(raw)
	return &out, nil
}

func decodeGeneric(raw []byte, format Format) (map[string]any, error) {
	doc := map[string]any{}
	switch format {
	case FormatYAML, "":
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		if err := toml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported spec format %q", format)
	}
	if doc == nil {
		return nil, errors.New("document must be a mapping")
	}
	return doc, nil
}

func fieldViolations(d *DeploymentSpec) violations {
	err := structValidate.Struct(d)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return violations{{Message: err.Error()}}
	}
	var out violations
	for _, fe := range fieldErrs {
		out.add(fieldPath(fe.Namespace()), "failed %q rule (value %v)", fe.Tag(), fe.Value())
	}
	return out
}

// fieldPath turns DeploymentSpec.Services[0].Kind into services[0].kind.
func fieldPath(namespace string) string {
	namespace = strings.TrimPrefix(namespace, "DeploymentSpec.")
	replacer := strings.NewReplacer(
		"Services", "services",
		"Domains", "domains",
		"Records", "records",
		"Hostname", "hostname",
		"CertMode", "cert_mode",
		"StorageRoot", "storage_root",
		"Replicas", "replicas",
		"Target", "target",
		"Type", "type",
		"Kind", "kind",
		"Name", "name",
		"Tier", "tier",
		"ID", "id",
	)
	return replacer.Replace(namespace)
}

func crossReferenceViolations(d *DeploymentSpec) violations {
	var out violations

	domains := make(map[string]int, len(d.Domains))
	for i, domain := range d.Domains {
		if prev, dup := domains[domain.Hostname]; dup {
			out.add(fmt.Sprintf("domains[%d].hostname", i), "duplicate hostname %q (first declared at domains[%d])", domain.Hostname, prev)
			continue
		}
		domains[domain.Hostname] = i
	}

	ids := make(map[string]int, len(d.Services))
	for i, svc := range d.Services {
		if prev, dup := ids[svc.ID]; dup {
			out.add(fmt.Sprintf("services[%d].id", i), "duplicate service id %q (first declared at services[%d])", svc.ID, prev)
			continue
		}
		ids[svc.ID] = i
	}

	for i, svc := range d.Services {
		for j, dep := range svc.DependsOn {
			path := fmt.Sprintf("services[%d].depends_on[%d]", i, j)
			if dep == svc.ID {
				out.add(path, "service %q depends on itself", svc.ID)
				continue
			}
			if _, ok := ids[dep]; !ok {
				out.add(path, "service %q depends on unknown service %q", svc.ID, dep)
			}
		}
		for j, peer := range svc.Cooperates {
			if _, ok := ids[peer]; !ok {
				out.add(fmt.Sprintf("services[%d].cooperates[%d]", i, j), "service %q cooperates with unknown service %q", svc.ID, peer)
			}
		}
		if svc.Domain != "" {
			if _, ok := domains[svc.Domain]; !ok {
				out.add(fmt.Sprintf("services[%d].domain", i), "service %q references undeclared domain %q", svc.ID, svc.Domain)
			}
		}
	}

	// A hostname may be shared only when every pair of its services cooperates.
	for i, svc := range d.Services {
		if svc.Domain == "" {
			continue
		}
		for j := 0; j < i; j++ {
			other := d.Services[j]
			if other.Domain != svc.Domain {
				continue
			}
			if cooperates(svc, other.ID) || cooperates(other, svc.ID) {
				continue
			}
			out.add(fmt.Sprintf("services[%d].domain", i), "domain %q is already bound to non-cooperating service %q", svc.Domain, other.ID)
		}
	}

	return out
}

func cooperates(svc ServiceSpec, peer string) bool {
	for _, id := range svc.Cooperates {
		if id == peer {
			return true
		}
	}
	return false
}
