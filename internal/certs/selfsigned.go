package certs

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultLeafValidity = 90 * 24 * time.Hour
	defaultCAValidity   = 1024 * 24 * time.Hour
	caCertFile          = "root.crt"
	caKeyFile           = "root.key"
)

// Issuer produces certificate material for a domain.
type Issuer interface {
	Issue(ctx context.Context, domain string) (Material, error)
}

// SelfSignedIssuer signs leaf certificates with a local development CA. The
// CA is created under caDir on first use and reused afterwards.
type SelfSignedIssuer struct {
	caDir    string
	validity time.Duration
	now      func() time.Time

	mu     sync.Mutex
	caCert *x509.Certificate
	caKey  crypto.Signer
	caPEM  []byte
}

// SelfSignedOption customizes a SelfSignedIssuer.
type SelfSignedOption func(*SelfSignedIssuer)

// WithValidity sets the leaf validity window.
func WithValidity(d time.Duration) SelfSignedOption {
	return func(s *SelfSignedIssuer) {
		if d > 0 {
			s.validity = d
		}
	}
}

// WithIssuerClock overrides the issuer clock.
func WithIssuerClock(now func() time.Time) SelfSignedOption {
	return func(s *SelfSignedIssuer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSelfSignedIssuer returns an issuer whose CA lives in caDir.
func NewSelfSignedIssuer(caDir string, opts ...SelfSignedOption) *SelfSignedIssuer {
	s := &SelfSignedIssuer{
		caDir:    caDir,
		validity: defaultLeafValidity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CACertPath is the location of the development CA certificate.
func (s *SelfSignedIssuer) CACertPath() string {
	return filepath.Join(s.caDir, caCertFile)
}

// Issue implements Issuer. The returned chain is leaf followed by the CA.
func (s *SelfSignedIssuer) Issue(ctx context.Context, domain string) (Material, error) {
	if err := ctx.Err(); err != nil {
		return Material{}, err
	}
	caCert, caKey, caPEM, err := s.loadOrCreateCA()
	if err != nil {
		return Material{}, fmt.Errorf("development CA: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Material{}, fmt.Errorf("generate key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return Material{}, err
	}

	notBefore := s.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: domain},
		DNSNames:     []string{domain},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(s.validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, caCert, &key.PublicKey, caKey)
	if err != nil {
		return Material{}, fmt.Errorf("sign certificate: %w", err)
	}
	keyPEM, err := encodeECKey(key)
	if err != nil {
		return Material{}, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	certPEM = append(certPEM, caPEM...)
	return Material{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func (s *SelfSignedIssuer) loadOrCreateCA() (*x509.Certificate, crypto.Signer, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.caCert != nil && s.now().Before(s.caCert.NotAfter) {
		return s.caCert, s.caKey, s.caPEM, nil
	}

	certPath := filepath.Join(s.caDir, caCertFile)
	keyPath := filepath.Join(s.caDir, caKeyFile)
	if certPEM, err := os.ReadFile(certPath); err == nil {
		keyPEM, err := os.ReadFile(keyPath)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("read CA key: %w", err)
		}
		cert, key, err := parseCA(certPEM, keyPEM)
		if err == nil && s.now().Before(cert.NotAfter) {
			s.caCert, s.caKey, s.caPEM = cert, key, certPEM
			return cert, key, certPEM, nil
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, nil, nil, fmt.Errorf("read CA certificate: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, nil, err
	}
	notBefore := s.now().UTC().Truncate(time.Second)
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "skyward Local Dev CA", Organization: []string{"skyward"}},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(defaultCAValidity),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, nil, err
	}
	keyPEM, err := encodeECKey(key)
	if err != nil {
		return nil, nil, nil, err
	}
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})

	if err := os.MkdirAll(s.caDir, 0o700); err != nil {
		return nil, nil, nil, err
	}
	if err := writeAtomic(keyPath, keyPEM, 0o600); err != nil {
		return nil, nil, nil, err
	}
	if err := writeAtomic(certPath, certPEM, 0o644); err != nil {
		return nil, nil, nil, err
	}

	s.caCert, s.caKey, s.caPEM = cert, key, certPEM
	return cert, key, certPEM, nil
}

func parseCA(certPEM, keyPEM []byte) (*x509.Certificate, crypto.Signer, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("decode CA certificate")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("decode CA key")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func encodeECKey(key *ecdsa.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	return serial, nil
}
