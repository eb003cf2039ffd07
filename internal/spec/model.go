package spec

import (
	"path/filepath"
	"strings"
)

// Kind enumerates the deployable service kinds.
type Kind string

const (
	KindPDS           Kind = "pds"
	KindRelayConsumer Kind = "relay-consumer"
	KindModeration    Kind = "moderation"
	KindFeedGenerator Kind = "feed-generator"
)

// Kinds lists every supported kind in a stable order.
var Kinds = []Kind{KindPDS, KindRelayConsumer, KindModeration, KindFeedGenerator}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Tier is the environment tier of a deployment.
type Tier string

const (
	TierDevelopment Tier = "development"
	TierProduction  Tier = "production"
)

// CertMode selects how a domain's certificate is issued.
type CertMode string

const (
	CertSelfSigned CertMode = "self-signed"
	CertACME       CertMode = "acme"
)

// RecordType is a DNS record type checked before bring-up.
type RecordType string

const (
	RecordA     RecordType = "A"
	RecordAAAA  RecordType = "AAAA"
	RecordCNAME RecordType = "CNAME"
)

// RecordRequirement is one record that must resolve to Target.
type RecordRequirement struct {
	Type   RecordType `json:"type" validate:"required,oneof=A AAAA CNAME"`
	Target string     `json:"target" validate:"required"`
}

// DomainSpec declares a hostname, its DNS requirements and certificate mode.
type DomainSpec struct {
	Hostname string              `json:"hostname" validate:"required,fqdn"`
	Records  []RecordRequirement `json:"records" validate:"dive"`
	CertMode CertMode            `json:"cert_mode" validate:"required,oneof=self-signed acme"`
}

// ServiceSpec is one deployable unit.
type ServiceSpec struct {
	ID         string            `json:"id" validate:"required,max=63"`
	Kind       Kind              `json:"kind" validate:"required,oneof=pds relay-consumer moderation feed-generator"`
	DependsOn  []string          `json:"depends_on,omitempty"`
	Domain     string            `json:"domain,omitempty"`
	Config     map[string]string `json:"config,omitempty"`
	Replicas   int               `json:"replicas,omitempty" validate:"gte=0,lte=16"`
	Cooperates []string          `json:"cooperates,omitempty"`

	// DataDir and CertDir are derived from the storage root at load time.
	DataDir string `json:"-"`
	CertDir string `json:"-"`
}

// Clone returns a deep copy of the service.
func (s ServiceSpec) Clone() ServiceSpec {
	out := s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	out.Cooperates = append([]string(nil), s.Cooperates...)
	if s.Config != nil {
		out.Config = make(map[string]string, len(s.Config))
		for k, v := range s.Config {
			out.Config[k] = v
		}
	}
	return out
}

// DeploymentSpec is the validated desired state. It is never mutated after Load.
type DeploymentSpec struct {
	Name        string        `json:"name" validate:"required"`
	Tier        Tier          `json:"tier" validate:"required,oneof=development production"`
	StorageRoot string        `json:"storage_root" validate:"required"`
	Domains     []DomainSpec  `json:"domains" validate:"dive"`
	Services    []ServiceSpec `json:"services" validate:"required,min=1,dive"`

	// Fingerprint identifies the generation this spec was loaded from.
	Fingerprint string `json:"-"`
}

// Service looks up a service by identifier.
func (d *DeploymentSpec) Service(id string) (ServiceSpec, bool) {
	for _, svc := range d.Services {
		if svc.ID == id {
			return svc.Clone(), true
		}
	}
	return ServiceSpec{}, false
}

// Domain looks up a domain by hostname.
func (d *DeploymentSpec) Domain(hostname string) (DomainSpec, bool) {
	hostname = normalizeHostname(hostname)
	for _, domain := range d.Domains {
		if domain.Hostname == hostname {
			out := domain
			out.Records = append([]RecordRequirement(nil), domain.Records...)
			return out, true
		}
	}
	return DomainSpec{}, false
}

// ACMEDomains returns the hostnames issued through ACME, in declaration order.
func (d *DeploymentSpec) ACMEDomains() []string {
	var out []string
	for _, domain := range d.Domains {
		if domain.CertMode == CertACME {
			out = append(out, domain.Hostname)
		}
	}
	return out
}

// ServicesForDomain returns the identifiers of services bound to hostname, in declaration order.
func (d *DeploymentSpec) ServicesForDomain(hostname string) []string {
	hostname = normalizeHostname(hostname)
	var ids []string
	for _, svc := range d.Services {
		if svc.Domain == hostname {
			ids = append(ids, svc.ID)
		}
	}
	return ids
}

// ServiceDataDir is the data directory of id under the storage root, whether
// or not id is still declared.
func (d *DeploymentSpec) ServiceDataDir(id string) string {
	return filepath.Join(d.StorageRoot, "services", id)
}

func (d *DeploymentSpec) deriveDirs() {
	for i := range d.Services {
		svc := &d.Services[i]
		svc.DataDir = d.ServiceDataDir(svc.ID)
		if svc.Domain != "" {
			svc.CertDir = filepath.Join(d.StorageRoot, "certs", svc.Domain)
		}
	}
}

func (d *DeploymentSpec) applyDefaults() {
	for i := range d.Domains {
		d.Domains[i].Hostname = normalizeHostname(d.Domains[i].Hostname)
		if d.Domains[i].CertMode == "" {
			if d.Tier == TierProduction {
				d.Domains[i].CertMode = CertACME
			} else {
				d.Domains[i].CertMode = CertSelfSigned
			}
		}
		for j := range d.Domains[i].Records {
			rec := &d.Domains[i].Records[j]
			rec.Type = RecordType(strings.ToUpper(string(rec.Type)))
		}
	}
	for i := range d.Services {
		svc := &d.Services[i]
		svc.Domain = normalizeHostname(svc.Domain)
		if svc.Replicas == 0 {
			svc.Replicas = 1
		}
	}
}

func normalizeHostname(hostname string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(hostname)), ".")
}
