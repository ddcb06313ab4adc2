package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// backupRecord is one line of the brain backup JSONL. Only the
// collective collections are backed up; conversation turns are
// disposable and age out on their own.
type backupRecord struct {
	Collection string            `json:"collection"`
	ID         string            `json:"id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StoredAt   time.Time         `json:"stored_at"`
}

// Backup appends collective writes to a JSONL file so identity,
// preferences, and contacts survive a lost or corrupted database.
type Backup struct {
	mu   sync.Mutex
	path string
}

func NewBackup(path string) *Backup {
	return &Backup{path: path}
}

// Append records one collective write. Backup failure is logged but
// never fails the write itself.
func (b *Backup) Append(collection, id, text string, metadata map[string]string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rec := backupRecord{
		Collection: collection,
		ID:         id,
		Text:       text,
		Metadata:   metadata,
		StoredAt:   time.Now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		slog.Warn("memory: backup marshal failed", "collection", collection, "error", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(b.path), 0o755); err != nil {
		slog.Warn("memory: backup mkdir failed", "error", err)
		return
	}
	f, err := os.OpenFile(b.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("memory: backup open failed", "error", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		slog.Warn("memory: backup write failed", "error", err)
	}
}

// Restore replays the backup into the given collections, keyed by
// collection name. Replay is idempotent: records carry stable ids, so
// re-running overwrites rather than duplicates. Corrupt lines are
// skipped with a warning; a missing backup file is not an error.
func (b *Backup) Restore(ctx context.Context, collections map[string]*Collection) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("memory: open backup: %w", err)
	}
	defer f.Close()

	restored := 0
	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec backupRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			slog.Warn("memory: skipping corrupt backup line", "line", lineNo, "error", err)
			continue
		}
		col, ok := collections[rec.Collection]
		if !ok {
			slog.Warn("memory: backup references unknown collection", "line", lineNo, "collection", rec.Collection)
			continue
		}
		if _, err := col.Store(ctx, rec.Text, rec.Metadata, rec.ID); err != nil {
			return restored, fmt.Errorf("memory: restore line %d: %w", lineNo, err)
		}
		restored++
	}
	if err := scanner.Err(); err != nil {
		return restored, fmt.Errorf("memory: read backup: %w", err)
	}
	return restored, nil
}
