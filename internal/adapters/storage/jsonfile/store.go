// Package jsonfile stores the action queue as a single JSON document.
package jsonfile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hylla/ebb/internal/app"
	"github.com/hylla/ebb/internal/domain"
)

// stateVersion identifies the document layout.
const stateVersion = 1

type fileState struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Actions []domain.Action `json:"actions"`
}

// Store implements app.Store over one file. Every write replaces the file atomically.
type Store struct {
	path string
	now  func() time.Time
	mu   sync.Mutex
}

var _ app.Store = (*Store)(nil)

// Open returns a store writing to path. The file is created on first save.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("jsonfile path is required")
	}
	return &Store{path: path, now: time.Now}, nil
}

// Path returns the backing file.
func (s *Store) Path() string {
	return s.path
}

// Close is a no-op.
func (s *Store) Close() error {
	return nil
}

// Save replaces the document with actions.
func (s *Store) Save(ctx context.Context, actions []domain.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(actions)
}

// Load reads the document. A missing file is an empty queue.
func (s *Store) Load(ctx context.Context) ([]domain.Action, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readLocked()
}

// Remove rewrites the document without id.
func (s *Store) Remove(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	actions, err := s.readLocked()
	if err != nil {
		return err
	}
	kept := slices.DeleteFunc(actions, func(a domain.Action) bool { return a.ID == id })
	return s.writeLocked(kept)
}

// Clear writes an empty document.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(nil)
}

func (s *Store) readLocked() ([]domain.Action, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []domain.Action{}, nil
		}
		return nil, err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}
	if state.Version != stateVersion {
		return nil, fmt.Errorf("decode %s: unsupported version %d", s.path, state.Version)
	}
	if state.Actions == nil {
		state.Actions = []domain.Action{}
	}
	return state.Actions, nil
}

func (s *Store) writeLocked(actions []domain.Action) error {
	if actions == nil {
		actions = []domain.Action{}
	}
	data, err := json.MarshalIndent(fileState{
		Version: stateVersion,
		SavedAt: s.now().UTC(),
		Actions: actions,
	}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
