package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// fileVersion is bumped whenever the on-disk layout changes incompatibly.
const fileVersion = 1

type fileDocument struct {
	Version int `json:"version"`
	State
}

// FileStore keeps the state document as JSON on local disk. Writes go
// through a temp file and a rename so a crash never leaves a torn file.
type FileStore struct {
	path   string
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
}

// NewFileStore returns a store backed by path.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	return &FileStore{path: path, logger: logger, now: time.Now}
}

// Load reads the state document. A missing file is an empty state; an
// unreadable one is moved aside so the next Save starts clean.
func (s *FileStore) Load(ctx context.Context) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := State{Deployments: map[string]Snapshot{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Info().Str("path", s.path).Msg("no state file yet")
		return empty, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.now().Unix())
		if renameErr := os.Rename(s.path, aside); renameErr != nil {
			return State{}, fmt.Errorf("state file %s is corrupt and could not be moved aside: %w", s.path, errors.Join(err, renameErr))
		}
		s.logger.Warn().Err(err).Str("path", s.path).Str("moved_to", aside).Msg("state file corrupt, starting fresh")
		return empty, nil
	}
	if doc.Version > fileVersion {
		return State{}, fmt.Errorf("state file %s has version %d, this build reads up to %d", s.path, doc.Version, fileVersion)
	}
	if doc.Deployments == nil {
		doc.Deployments = map[string]Snapshot{}
	}
	return doc.State, nil
}

// Save replaces the state document.
func (s *FileStore) Save(ctx context.Context, st State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if st.Deployments == nil {
		st.Deployments = map[string]Snapshot{}
	}
	body, err := json.MarshalIndent(fileDocument{Version: fileVersion, State: st}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	name := tmp.Name()

	_, err = tmp.Write(append(body, '\n'))
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(name, s.path)
	}
	if err != nil {
		_ = os.Remove(name)
		return fmt.Errorf("write state: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
