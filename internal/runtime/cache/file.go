package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another process already holds the cache file.
var ErrLocked = errors.New("cache: file locked by another process")

// FileStore persists snapshots as a JSON document on disk. An advisory lock on
// a sibling ".lock" file is held from construction until Close so two runs
// cannot overwrite each other's snapshots.
type FileStore struct {
	path string
	lock *flock.Flock
}

// NewFileStore prepares the cache file location and acquires the process lock.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("cache: file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("cache: create cache directory: %w", err)
	}
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cache: lock %s: %w", path, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}
	return &FileStore{path: path, lock: lock}, nil
}

// Load reads the snapshot. A missing file is created empty; an empty file is an
// empty snapshot; undecodable content returns ErrCorrupt.
func (s *FileStore) Load(context.Context) (Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if werr := os.WriteFile(s.path, nil, 0o600); werr != nil {
				return Snapshot{}, fmt.Errorf("cache: create %s: %w", s.path, werr)
			}
			return Snapshot{}, nil
		}
		return Snapshot{}, fmt.Errorf("cache: read %s: %w", s.path, err)
	}
	return decodeSnapshot(data)
}

// Save writes the snapshot to a temp file in the same directory and renames it
// over the target, so readers only ever observe a complete document.
func (s *FileStore) Save(ctx context.Context, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := encodeSnapshot(snapshot)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("cache: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cache: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("cache: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("cache: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		cleanup()
		return fmt.Errorf("cache: rename temp file: %w", err)
	}
	return nil
}

func (s *FileStore) Location() string { return s.path }

// Close releases the process lock.
func (s *FileStore) Close(context.Context) error {
	if s.lock == nil {
		return nil
	}
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("cache: unlock %s: %w", s.path, err)
	}
	return nil
}
