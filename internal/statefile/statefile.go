// Package statefile centralizes the atomic-rename persistence pattern used by
// every process-wide JSON state file (working memory, outbox, dead-letter
// queue, reminders, patterns, attention log, backlog).
//
// All writers follow the same discipline: serialize a snapshot, write it to a
// temp file in the same directory, fsync, then rename over the target. Reads
// tolerate absent or corrupt content by returning the zero value.
package statefile

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// File wraps one JSON state file with a per-file lock.
type File[T any] struct {
	path string
	mu   sync.Mutex
}

// New creates a File for the given path. The parent directory is created on
// first save, not here, so constructing a File never fails.
func New[T any](path string) *File[T] {
	return &File[T]{path: path}
}

// Path returns the backing file path.
func (f *File[T]) Path() string { return f.path }

// Load reads and decodes the file. A missing or corrupt file yields the zero
// value and no error — state files must never block startup.
func (f *File[T]) Load() T {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadLocked()
}

func (f *File[T]) loadLocked() T {
	var v T
	data, err := os.ReadFile(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Warn("statefile: read failed, using defaults", "path", f.path, "error", err)
		}
		return v
	}
	if err := json.Unmarshal(data, &v); err != nil {
		slog.Warn("statefile: corrupt content, using defaults", "path", f.path, "error", err)
		var zero T
		return zero
	}
	return v
}

// Save persists v atomically (temp file + rename).
func (f *File[T]) Save(v T) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saveLocked(v)
}

func (f *File[T]) saveLocked(v T) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// Mutate loads the current state, applies fn, and saves the result while
// holding the file lock. This is the single-writer path for shared state.
func (f *File[T]) Mutate(fn func(*T)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.loadLocked()
	fn(&v)
	return f.saveLocked(v)
}
