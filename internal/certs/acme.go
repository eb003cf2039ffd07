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
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/acme"
)

// ChallengePathPrefix is where HTTP-01 tokens are served.
const ChallengePathPrefix = "/.well-known/acme-challenge/"

// ACMEConfig configures an ACMEIssuer.
type ACMEConfig struct {
	DirectoryURL   string
	Email          string
	AccountKeyPath string
}

// ACMEIssuer obtains certificates from an ACME authority using HTTP-01.
type ACMEIssuer struct {
	logger zerolog.Logger
	cfg    ACMEConfig

	mu         sync.Mutex
	client     *acme.Client
	registered bool
	tokens     sync.Map
}

// NewACMEIssuer returns an issuer for the given directory. Registration is
// deferred until the first issuance so constructing it never touches the network.
func NewACMEIssuer(logger zerolog.Logger, cfg ACMEConfig) *ACMEIssuer {
	if cfg.DirectoryURL == "" {
		cfg.DirectoryURL = acme.LetsEncryptURL
	}
	return &ACMEIssuer{logger: logger, cfg: cfg}
}

// ChallengeHandler serves pending HTTP-01 key authorizations.
func (a *ACMEIssuer) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.URL.Path, ChallengePathPrefix)
		value, ok := a.tokens.Load(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte(value.(string)))
	})
}

// Issue implements Issuer.
func (a *ACMEIssuer) Issue(ctx context.Context, domain string) (Material, error) {
	client, err := a.account(ctx)
	if err != nil {
		return Material{}, err
	}

	order, err := client.AuthorizeOrder(ctx, acme.DomainIDs(domain))
	if err != nil {
		return Material{}, fmt.Errorf("create order: %w", err)
	}

	for _, authzURL := range order.AuthzURLs {
		if err := a.authorize(ctx, client, domain, authzURL); err != nil {
			return Material{}, err
		}
	}

	order, err = client.WaitOrder(ctx, order.URI)
	if err != nil {
		return Material{}, fmt.Errorf("wait for order: %w", err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return Material{}, fmt.Errorf("generate key: %w", err)
	}
	csr, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:  pkix.Name{CommonName: domain},
		DNSNames: []string{domain},
	}, key)
	if err != nil {
		return Material{}, fmt.Errorf("create csr: %w", err)
	}

	derCerts, _, err := client.CreateOrderCert(ctx, order.FinalizeURL, csr, true)
	if err != nil {
		return Material{}, fmt.Errorf("finalize order: %w", err)
	}
	if len(derCerts) == 0 {
		return Material{}, errors.New("authority returned an empty chain")
	}

	var certPEM []byte
	for _, der := range derCerts {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	keyPEM, err := encodeECKey(key)
	if err != nil {
		return Material{}, err
	}

	a.logger.Info().Str("domain", domain).Msg("acme certificate issued")
	return Material{CertPEM: certPEM, KeyPEM: keyPEM}, nil
}

func (a *ACMEIssuer) authorize(ctx context.Context, client *acme.Client, domain, authzURL string) error {
	authz, err := client.GetAuthorization(ctx, authzURL)
	if err != nil {
		return fmt.Errorf("get authorization: %w", err)
	}
	if authz.Status == acme.StatusValid {
		return nil
	}

	var challenge *acme.Challenge
	for _, c := range authz.Challenges {
		if c.Type == "http-01" {
			challenge = c
			break
		}
	}
	if challenge == nil {
		return fmt.Errorf("no http-01 challenge offered for %s", domain)
	}

	keyAuth, err := client.HTTP01ChallengeResponse(challenge.Token)
	if err != nil {
		return fmt.Errorf("prepare challenge response: %w", err)
	}
	a.tokens.Store(challenge.Token, keyAuth)
	defer a.tokens.Delete(challenge.Token)

	a.logger.Debug().Str("domain", domain).Str("token", challenge.Token).Msg("acme challenge pending")

	if _, err := client.Accept(ctx, challenge); err != nil {
		return fmt.Errorf("accept challenge: %w", err)
	}
	if _, err := client.WaitAuthorization(ctx, authz.URI); err != nil {
		return fmt.Errorf("challenge validation for %s failed: %w", domain, err)
	}
	return nil
}

func (a *ACMEIssuer) account(ctx context.Context) (*acme.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client == nil {
		key, err := loadOrCreateAccountKey(a.cfg.AccountKeyPath)
		if err != nil {
			return nil, fmt.Errorf("account key: %w", err)
		}
		a.client = &acme.Client{Key: key, DirectoryURL: a.cfg.DirectoryURL}
	}
	if a.registered {
		return a.client, nil
	}

	acct := &acme.Account{}
	if a.cfg.Email != "" {
		acct.Contact = []string{"mailto:" + a.cfg.Email}
	}
	if _, err := a.client.Register(ctx, acct, acme.AcceptTOS); err != nil && !errors.Is(err, acme.ErrAccountAlreadyExists) {
		return nil, fmt.Errorf("register account: %w", err)
	}
	a.registered = true
	return a.client, nil
}

func loadOrCreateAccountKey(path string) (crypto.Signer, error) {
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			block, _ := pem.Decode(data)
			if block == nil {
				return nil, errors.New("decode account key")
			}
			return x509.ParseECPrivateKey(block.Bytes)
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return key, nil
	}
	keyPEM, err := encodeECKey(key)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := writeAtomic(path, keyPEM, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
