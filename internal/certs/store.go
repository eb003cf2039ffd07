package certs

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nholik/skyward/internal/spec"
)

const (
	certFileName = "cert.pem"
	keyFileName  = "key.pem"
	modeFileName = "mode"
)

// ErrNotStored is returned when no material exists for a domain.
var ErrNotStored = errors.New("certificate not stored")

// Stored is material read back from a Store.
type Stored struct {
	Material
	Mode     spec.CertMode
	CertPath string
	KeyPath  string
}

// Store persists certificate material per domain.
type Store interface {
	Save(domain string, mode spec.CertMode, m Material) (Stored, error)
	Load(domain string) (Stored, error)
}

// FileStore writes cert.pem and key.pem under <root>/<domain>/.
type FileStore struct {
	root string
}

// NewFileStore returns a FileStore rooted at root.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Root returns the storage root.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) paths(domain string) (string, string, string) {
	dir := filepath.Join(s.root, domain)
	return filepath.Join(dir, certFileName), filepath.Join(dir, keyFileName), filepath.Join(dir, modeFileName)
}

// Save writes each file atomically. The key is written first so a reader
// never sees a new certificate paired with an old key.
func (s *FileStore) Save(domain string, mode spec.CertMode, m Material) (Stored, error) {
	certPath, keyPath, modePath := s.paths(domain)
	if err := os.MkdirAll(filepath.Dir(certPath), 0o700); err != nil {
		return Stored{}, fmt.Errorf("create certificate directory: %w", err)
	}
	if err := writeAtomic(keyPath, m.KeyPEM, 0o600); err != nil {
		return Stored{}, fmt.Errorf("write key: %w", err)
	}
	if err := writeAtomic(certPath, m.CertPEM, 0o644); err != nil {
		return Stored{}, fmt.Errorf("write certificate: %w", err)
	}
	if err := writeAtomic(modePath, []byte(string(mode)+"\n"), 0o644); err != nil {
		return Stored{}, fmt.Errorf("write mode: %w", err)
	}
	return Stored{Material: m, Mode: mode, CertPath: certPath, KeyPath: keyPath}, nil
}

// Load reads stored material. Missing files yield ErrNotStored.
// A missing mode file is read as self-signed.
func (s *FileStore) Load(domain string) (Stored, error) {
	certPath, keyPath, modePath := s.paths(domain)
	certPEM, err := readStored(certPath)
	if err != nil {
		return Stored{}, err
	}
	keyPEM, err := readStored(keyPath)
	if err != nil {
		return Stored{}, err
	}
	mode := spec.CertSelfSigned
	if raw, err := os.ReadFile(modePath); err == nil {
		mode = spec.CertMode(strings.TrimSpace(string(raw)))
	}
	return Stored{
		Material: Material{CertPEM: certPEM, KeyPEM: keyPEM},
		Mode:     mode,
		CertPath: certPath,
		KeyPath:  keyPath,
	}, nil
}

func readStored(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotStored
		}
		return nil, err
	}
	return data, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	cleanup := func() {
		_ = os.Remove(tmp.Name())
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		cleanup()
		return err
	}
	return nil
}
