// Package memory implements the agent's long-term memory: a local
// SQLite vector store with in-process brute-force cosine search, a
// JSONL backup of the collective collections, and the layered brain
// built on top of both. Zero CGO required.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// DB owns the SQLite handle shared by all collections. A single
// connection serializes all writers, eliminating SQLITE_BUSY from
// concurrent goroutines.
type DB struct {
	db       *sql.DB
	embedder Embedder

	mu     sync.Mutex
	tables map[string]bool
}

// SearchResult is one hit from a similarity search. Distance is
// 1 - cosine similarity, so 0 is identical and 2 is opposite.
type SearchResult struct {
	ID       string
	Text     string
	Metadata map[string]string
	Distance float64
	StoredAt time.Time
}

func OpenDB(ctx context.Context, path string, embedder Embedder) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("memory: open %s: %w", path, err)
	}
	sqlDB.SetMaxOpenConns(1)

	d := &DB{db: sqlDB, embedder: embedder, tables: make(map[string]bool)}

	_, err = sqlDB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS collections (
		name TEXT PRIMARY KEY,
		model TEXT NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	if err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("memory: init: %w", err)
	}
	slog.Debug("memory: db opened", "path", path, "model", embedder.Model())
	return d, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Collection is one named vector collection. Collections are created
// lazily on first use and pin the embedding model they were created
// with; reopening under a different model fails loudly rather than
// mixing incomparable vectors.
type Collection struct {
	db    *DB
	name  string
	table string
}

func safeCollectionName(name string) bool {
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_') {
			return false
		}
	}
	return len(name) > 0
}

func (d *DB) Collection(ctx context.Context, name string) (*Collection, error) {
	if !safeCollectionName(name) {
		return nil, fmt.Errorf("memory: bad collection name %q", name)
	}
	table := "mem_" + name

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.tables[name] {
		var pinned string
		err := d.db.QueryRowContext(ctx, `SELECT model FROM collections WHERE name = ?`, name).Scan(&pinned)
		switch {
		case err == sql.ErrNoRows:
			_, err = d.db.ExecContext(ctx,
				`INSERT INTO collections (name, model, created_at) VALUES (?, ?, ?)`,
				name, d.embedder.Model(), time.Now().Unix())
			if err != nil {
				return nil, fmt.Errorf("memory: register collection %s: %w", name, err)
			}
		case err != nil:
			return nil, fmt.Errorf("memory: check collection %s: %w", name, err)
		case pinned != d.embedder.Model():
			return nil, fmt.Errorf("memory: collection %s pinned to model %s, current is %s (clear it to re-embed)",
				name, pinned, d.embedder.Model())
		}

		_, err = d.db.ExecContext(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding TEXT NOT NULL,
			metadata TEXT,
			created_at INTEGER NOT NULL
		)`, table))
		if err != nil {
			return nil, fmt.Errorf("memory: create collection %s: %w", name, err)
		}
		d.tables[name] = true
	}
	return &Collection{db: d, name: name, table: table}, nil
}

func (c *Collection) Name() string { return c.name }

// Store embeds text and upserts it. A stable id overwrites the prior
// entry; an empty id gets a fresh UUID. Store errors bubble so callers
// never silently lose a write.
func (c *Collection) Store(ctx context.Context, text string, metadata map[string]string, id string) (string, error) {
	if id == "" {
		id = uuid.NewString()
	}
	embedding, err := c.db.embedder.Embed(ctx, text)
	if err != nil {
		return "", fmt.Errorf("memory: embed for %s: %w", c.name, err)
	}

	embJSON, _ := json.Marshal(embedding)
	var metaJSON *string
	if len(metadata) > 0 {
		data, _ := json.Marshal(metadata)
		v := string(data)
		metaJSON = &v
	}

	_, err = c.db.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR REPLACE INTO %s (id, content, embedding, metadata, created_at) VALUES (?, ?, ?, ?, ?)`, c.table),
		id, text, string(embJSON), metaJSON, time.Now().Unix())
	if err != nil {
		return "", fmt.Errorf("memory: store in %s: %w", c.name, err)
	}
	return id, nil
}

// Search returns the topK entries nearest to query, filtered by exact
// metadata match and optionally by maxDistance (0 disables the cutoff).
// Failures degrade to an empty result with a debug log so a broken
// memory never takes down a conversation turn.
func (c *Collection) Search(ctx context.Context, query string, topK int, filter map[string]string, maxDistance float64) []SearchResult {
	start := time.Now()
	queryEmb, err := c.db.embedder.Embed(ctx, query)
	if err != nil {
		slog.Debug("memory: search embed failed", "collection", c.name, "error", err)
		return nil
	}

	rows, err := c.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, content, embedding, metadata, created_at FROM %s`, c.table))
	if err != nil {
		slog.Debug("memory: search query failed", "collection", c.name, "error", err)
		return nil
	}
	defer rows.Close()

	var results []SearchResult
	scanned := 0
	for rows.Next() {
		var r SearchResult
		var embJSON string
		var metaJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Text, &embJSON, &metaJSON, &createdAt); err != nil {
			continue
		}
		scanned++
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		if !matchesFilter(r.Metadata, filter) {
			continue
		}
		var stored []float32
		if err := json.Unmarshal([]byte(embJSON), &stored); err != nil {
			continue
		}
		r.Distance = 1 - float64(cosineSimilarity(queryEmb, stored))
		if maxDistance > 0 && r.Distance > maxDistance {
			continue
		}
		r.StoredAt = time.Unix(createdAt, 0)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		slog.Debug("memory: search iterate failed", "collection", c.name, "error", err)
		return nil
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Distance < results[j].Distance })
	if len(results) > topK {
		results = results[:topK]
	}
	slog.Debug("memory: search ok", "collection", c.name, "scanned", scanned,
		"returned", len(results), "duration", time.Since(start))
	return results
}

func matchesFilter(metadata, filter map[string]string) bool {
	for k, want := range filter {
		if metadata[k] != want {
			return false
		}
	}
	return true
}

func (c *Collection) Count(ctx context.Context) (int, error) {
	var n int
	err := c.db.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, c.table)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("memory: count %s: %w", c.name, err)
	}
	return n, nil
}

func (c *Collection) Delete(ctx context.Context, id string) error {
	_, err := c.db.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, c.table), id)
	if err != nil {
		return fmt.Errorf("memory: delete from %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) Clear(ctx context.Context) error {
	_, err := c.db.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, c.table))
	if err != nil {
		return fmt.Errorf("memory: clear %s: %w", c.name, err)
	}
	return nil
}

// Recent returns up to limit entries newest first.
func (c *Collection) Recent(ctx context.Context, limit int) ([]SearchResult, error) {
	rows, err := c.db.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, content, metadata, created_at FROM %s ORDER BY created_at DESC, id DESC LIMIT ?`, c.table),
		limit)
	if err != nil {
		return nil, fmt.Errorf("memory: recent %s: %w", c.name, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		var metaJSON sql.NullString
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Text, &metaJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("memory: scan %s: %w", c.name, err)
		}
		if metaJSON.Valid {
			_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
		}
		r.StoredAt = time.Unix(createdAt, 0)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes entries older than cutoff, examining at most
// scanLimit of the oldest rows per call. Returns the number deleted.
func (c *Collection) PruneOlderThan(ctx context.Context, cutoff time.Time, scanLimit int) (int, error) {
	res, err := c.db.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (
			SELECT id FROM %s WHERE created_at < ? ORDER BY created_at ASC LIMIT ?
		)`, c.table, c.table),
		cutoff.Unix(), scanLimit)
	if err != nil {
		return 0, fmt.Errorf("memory: prune %s: %w", c.name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}
	return float32(dot / denom)
}
