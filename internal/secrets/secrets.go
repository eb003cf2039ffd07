// Package secrets generates the credentials a PDS needs to boot and keeps
// them on disk so every apply renders the same container.
package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"

	"github.com/nholik/skyward/internal/spec"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Environment names the PDS image reads.
const (
	EnvJWTSecret      = "PDS_JWT_SECRET"
	EnvAdminPassword  = "PDS_ADMIN_PASSWORD"
	EnvPLCRotationKey = "PDS_PLC_ROTATION_KEY_K256_PRIVATE_KEY_HEX"
)

// PDS holds the generated credentials of one PDS service.
type PDS struct {
	JWTSecret      string `toml:"jwt_secret"`
	AdminPassword  string `toml:"admin_password"`
	PLCRotationKey string `toml:"plc_rotation_key_k256_hex"`
}

// Generate returns fresh credentials: a 32 character JWT secret, a 16
// character admin password and a 32 byte secp256k1 rotation key in hex.
func Generate() (PDS, error) {
	jwt, err := randomString(32)
	if err != nil {
		return PDS{}, err
	}
	password, err := randomString(16)
	if err != nil {
		return PDS{}, err
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return PDS{}, fmt.Errorf("generate rotation key: %w", err)
	}
	return PDS{JWTSecret: jwt, AdminPassword: password, PLCRotationKey: hex.EncodeToString(key)}, nil
}

// Env renders the credentials as container environment.
func (p PDS) Env() map[string]string {
	return map[string]string{
		EnvJWTSecret:      p.JWTSecret,
		EnvAdminPassword:  p.AdminPassword,
		EnvPLCRotationKey: p.PLCRotationKey,
	}
}

func (p PDS) complete() bool {
	return p.JWTSecret != "" && p.AdminPassword != "" && p.PLCRotationKey != ""
}

func randomString(n int) (string, error) {
	out := make([]byte, n)
	limit := big.NewInt(int64(len(alphanumeric)))
	for i := range out {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate secret: %w", err)
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}

// Store keeps one TOML file per service under dir, mode 0600.
type Store struct {
	logger zerolog.Logger
	dir    string

	mu    sync.Mutex
	cache map[string]PDS
}

// NewStore returns a store rooted at dir.
func NewStore(logger zerolog.Logger, dir string) *Store {
	return &Store{logger: logger, dir: dir, cache: make(map[string]PDS)}
}

// Dir returns the directory the store writes to.
func (s *Store) Dir() string {
	return s.dir
}

// Env implements the driver's secret source. Only PDS services get secrets.
func (s *Store) Env(svc spec.ServiceSpec) (map[string]string, error) {
	if svc.Kind != spec.KindPDS {
		return nil, nil
	}
	p, err := s.PDS(svc.ID)
	if err != nil {
		return nil, err
	}
	return p.Env(), nil
}

// PDS loads the credentials of id, generating and persisting them on first use.
func (s *Store) PDS(id string) (PDS, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.cache[id]; ok {
		return p, nil
	}

	path := s.path(id)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var p PDS
		if err := toml.Unmarshal(data, &p); err != nil {
			return PDS{}, fmt.Errorf("parse %s: %w", path, err)
		}
		if !p.complete() {
			return PDS{}, fmt.Errorf("%s is missing credentials; fill it in or delete it to regenerate", path)
		}
		s.cache[id] = p
		return p, nil
	case !errors.Is(err, os.ErrNotExist):
		return PDS{}, fmt.Errorf("read %s: %w", path, err)
	}

	p, err := Generate()
	if err != nil {
		return PDS{}, err
	}
	if err := s.write(path, p); err != nil {
		return PDS{}, err
	}
	s.logger.Info().Str("service", id).Str("path", path).Msg("generated pds secrets")
	s.cache[id] = p
	return p, nil
}

// Remove deletes the credentials of id. A missing file is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, id)
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove secrets of %s: %w", id, err)
	}
	return nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".toml")
}

func (s *Store) write(path string, p PDS) error {
	body, err := toml.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode secrets: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".secrets-*.toml")
	if err != nil {
		return fmt.Errorf("create temp secrets: %w", err)
	}
	name := tmp.Name()
	_, err = tmp.Write(body)
	if err == nil {
		err = tmp.Chmod(0o600)
	}
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(name, path)
	}
	if err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
