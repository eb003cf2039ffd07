// Package certs issues, stores and renews TLS material per domain.
package certs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nholik/skyward/internal/spec"
)

// Certificate is an issued key pair bound to a domain. Values are never
// mutated; a renewal produces a new Certificate.
type Certificate struct {
	ID        string        `json:"id"`
	Domain    string        `json:"domain"`
	Mode      spec.CertMode `json:"mode"`
	Serial    string        `json:"serial"`
	NotBefore time.Time     `json:"not_before"`
	NotAfter  time.Time     `json:"not_after"`
	CertPath  string        `json:"cert_path"`
	KeyPath   string        `json:"key_path"`
}

// Validity is the total validity window.
func (c *Certificate) Validity() time.Duration {
	return c.NotAfter.Sub(c.NotBefore)
}

// RemainingFraction is the share of the validity window left at now, clamped to [0,1].
func (c *Certificate) RemainingFraction(now time.Time) float64 {
	total := c.Validity()
	if total <= 0 {
		return 0
	}
	remaining := c.NotAfter.Sub(now)
	if remaining <= 0 {
		return 0
	}
	if remaining >= total {
		return 1
	}
	return float64(remaining) / float64(total)
}

// Expired reports whether the certificate is outside its validity window.
func (c *Certificate) Expired(now time.Time) bool {
	return !now.Before(c.NotAfter) || now.Before(c.NotBefore)
}

// DueForRenewal reports whether less than window of the validity remains.
func (c *Certificate) DueForRenewal(now time.Time, window float64) bool {
	if c.Expired(now) {
		return true
	}
	return c.RemainingFraction(now) < window
}

// Material is the PEM encoded output of an issuer.
type Material struct {
	CertPEM []byte
	KeyPEM  []byte
}

// leaf parses the first certificate of the chain and checks it matches the key.
func (m Material) leaf() (*x509.Certificate, error) {
	if _, err := tls.X509KeyPair(m.CertPEM, m.KeyPEM); err != nil {
		return nil, fmt.Errorf("invalid key pair: %w", err)
	}
	block, _ := pem.Decode(m.CertPEM)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, errors.New("certificate PEM block not found")
	}
	return x509.ParseCertificate(block.Bytes)
}

// describe builds the Certificate record for material stored at the given paths.
// The id is derived from domain and serial so the same material always maps to
// the same identity.
func describe(domain string, mode spec.CertMode, m Material, certPath, keyPath string) (*Certificate, error) {
	leaf, err := m.leaf()
	if err != nil {
		return nil, err
	}
	if err := leaf.VerifyHostname(domain); err != nil {
		return nil, fmt.Errorf("certificate does not cover %s: %w", domain, err)
	}
	serial := leaf.SerialNumber.Text(16)
	return &Certificate{
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("skyward:"+domain+":"+serial)).String(),
		Domain:    domain,
		Mode:      mode,
		Serial:    serial,
		NotBefore: leaf.NotBefore,
		NotAfter:  leaf.NotAfter,
		CertPath:  certPath,
		KeyPath:   keyPath,
	}, nil
}
