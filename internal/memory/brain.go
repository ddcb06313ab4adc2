package memory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/aide/internal/config"
)

// Collective collection names. These hold durable knowledge about the
// principal and are backed up; channel stores are conversational and
// age out instead.
const (
	colIdentity    = "identity"
	colPreferences = "preferences"
	colContacts    = "contacts"
)

// knownChannels is the fixed set of per-channel conversation stores.
// Anything else lands in "general" so a typo or a new transport never
// leaks turns into another channel's store.
var knownChannels = map[string]bool{
	"telegram": true, "email": true, "whatsapp": true,
	"x": true, "linkedin": true, "slack": true,
	"discord": true, "calendar": true, "web": true,
}

// Turn is one completed conversation exchange.
type Turn struct {
	Channel       string
	UserID        string
	UserText      string
	AssistantText string
	Model         string // model that served the reply
	Fallback      bool   // served by the fallback model
}

// Brain layers the agent's memory: three collective collections
// (identity, preferences, contacts) shared across channels, plus one
// isolated conversation store per channel. Channel stores never read
// from each other.
type Brain struct {
	db     *DB
	cfg    config.MemoryConfig
	backup *Backup

	identity    *Collection
	preferences *Collection
	contacts    *Collection

	mu       sync.Mutex
	channels map[string]*Collection
}

// Open opens the brain database, ensures the collective collections
// exist, and replays the JSONL backup if any collective collection is
// empty. Restore is synchronous: the brain is not usable until the
// collective layers are whole.
func Open(ctx context.Context, cfg config.MemoryConfig, dbPath, backupPath string, embedder Embedder) (*Brain, error) {
	db, err := OpenDB(ctx, dbPath, embedder)
	if err != nil {
		return nil, err
	}

	b := &Brain{
		db:       db,
		cfg:      cfg,
		backup:   NewBackup(backupPath),
		channels: make(map[string]*Collection),
	}
	if b.identity, err = db.Collection(ctx, colIdentity); err != nil {
		return nil, err
	}
	if b.preferences, err = db.Collection(ctx, colPreferences); err != nil {
		return nil, err
	}
	if b.contacts, err = db.Collection(ctx, colContacts); err != nil {
		return nil, err
	}

	empty := false
	for _, col := range []*Collection{b.identity, b.preferences, b.contacts} {
		n, err := col.Count(ctx)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			empty = true
			break
		}
	}
	if empty {
		restored, err := b.backup.Restore(ctx, map[string]*Collection{
			colIdentity:    b.identity,
			colPreferences: b.preferences,
			colContacts:    b.contacts,
		})
		if err != nil {
			return nil, err
		}
		if restored > 0 {
			slog.Info("memory: restored collective memory from backup", "records", restored)
		}
	}
	return b, nil
}

func (b *Brain) Close() error { return b.db.Close() }

// slug normalizes an identity aspect into a stable id so restating an
// aspect overwrites rather than accumulates.
func slug(s string) string {
	var out strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			out.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			out.WriteRune('_')
		}
	}
	if out.Len() == 0 {
		return "general"
	}
	return out.String()
}

// RememberIdentity stores a stable fact about the principal, keyed by
// aspect so updates replace the old value.
func (b *Brain) RememberIdentity(ctx context.Context, aspect, text string) error {
	id := slug(aspect)
	if _, err := b.identity.Store(ctx, text, map[string]string{"aspect": aspect}, id); err != nil {
		return err
	}
	b.backup.Append(colIdentity, id, text, map[string]string{"aspect": aspect})
	return nil
}

// RememberPreference appends a preference observation.
func (b *Brain) RememberPreference(ctx context.Context, text string) error {
	id, err := b.preferences.Store(ctx, text, nil, "")
	if err != nil {
		return err
	}
	b.backup.Append(colPreferences, id, text, nil)
	return nil
}

// RememberContact stores a note about a person, keyed by normalized
// name so repeated mentions update one entry.
func (b *Brain) RememberContact(ctx context.Context, name, note string) error {
	id := slug(name)
	meta := map[string]string{"name": name}
	if _, err := b.contacts.Store(ctx, note, meta, id); err != nil {
		return err
	}
	b.backup.Append(colContacts, id, note, meta)
	return nil
}

// channelStore returns the conversation store for a channel, lazily
// created. Unknown channels share the "general" store.
func (b *Brain) channelStore(ctx context.Context, channel string) (*Collection, error) {
	name := strings.ToLower(channel)
	if !knownChannels[name] {
		name = "general"
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if col, ok := b.channels[name]; ok {
		return col, nil
	}
	col, err := b.db.Collection(ctx, "chan_"+name)
	if err != nil {
		return nil, err
	}
	b.channels[name] = col
	return col, nil
}

// StoreTurn writes a completed exchange into the channel's store.
func (b *Brain) StoreTurn(ctx context.Context, t Turn) error {
	col, err := b.channelStore(ctx, t.Channel)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("User: %s\nAssistant: %s", t.UserText, t.AssistantText)
	meta := map[string]string{
		"kind":  "turn",
		"user":  t.UserID,
		"model": t.Model,
	}
	if t.Fallback {
		meta["fallback"] = "true"
	}
	_, err = col.Store(ctx, text, meta, "")
	return err
}

// BuildContext assembles the memory block for a prompt: top identity
// facts, preferences, contacts, then the current channel's relevant
// turns. Only the named channel's store is consulted.
func (b *Brain) BuildContext(ctx context.Context, query, channel string) string {
	var sb strings.Builder

	writeSection := func(header string, results []SearchResult) {
		if len(results) == 0 {
			return
		}
		sb.WriteString(header)
		sb.WriteString("\n")
		for _, r := range results {
			sb.WriteString("- ")
			sb.WriteString(r.Text)
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	writeSection("## Who they are", b.identity.Search(ctx, query, 3, nil, 0))
	writeSection("## Preferences", b.preferences.Search(ctx, query, 3, nil, 0))
	writeSection("## People", b.contacts.Search(ctx, query, 2, nil, 0))

	turns := b.cfg.ContextTurns
	if turns <= 0 {
		turns = 5
	}
	if col, err := b.channelStore(ctx, channel); err == nil {
		writeSection("## Relevant past conversation", col.Search(ctx, query, turns, nil, 0))
	} else {
		slog.Debug("memory: channel store unavailable", "channel", channel, "error", err)
	}

	return strings.TrimSpace(sb.String())
}

// Query searches the collective layers plus one channel store. Used by
// the memory_query tool.
func (b *Brain) Query(ctx context.Context, query, channel string, topK int) []SearchResult {
	var all []SearchResult
	all = append(all, b.identity.Search(ctx, query, topK, nil, 0)...)
	all = append(all, b.preferences.Search(ctx, query, topK, nil, 0)...)
	all = append(all, b.contacts.Search(ctx, query, topK, nil, 0)...)
	if col, err := b.channelStore(ctx, channel); err == nil {
		all = append(all, col.Search(ctx, query, topK, nil, 0)...)
	}
	if len(all) > topK {
		// Keep the nearest hits across layers.
		for i := 0; i < len(all); i++ {
			for j := i + 1; j < len(all); j++ {
				if all[j].Distance < all[i].Distance {
					all[i], all[j] = all[j], all[i]
				}
			}
		}
		all = all[:topK]
	}
	return all
}

// ModelDrift reports the fraction of the channel's recent turns served
// by the fallback model, and whether it crosses the configured
// threshold. A drifting channel means the primary model has been
// unavailable long enough that tone may have shifted.
func (b *Brain) ModelDrift(ctx context.Context, channel string) (float64, bool, error) {
	col, err := b.channelStore(ctx, channel)
	if err != nil {
		return 0, false, err
	}
	window := b.cfg.DriftWindow
	if window <= 0 {
		window = 10
	}
	recent, err := col.Recent(ctx, window)
	if err != nil {
		return 0, false, err
	}
	if len(recent) == 0 {
		return 0, false, nil
	}
	fallbacks := 0
	for _, r := range recent {
		if r.Metadata["fallback"] == "true" {
			fallbacks++
		}
	}
	frac := float64(fallbacks) / float64(len(recent))
	threshold := b.cfg.DriftThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	return frac, frac > threshold, nil
}

// PruneChannels deletes conversation turns older than the retention
// window from every channel store that exists on disk. Collective
// collections are never touched. Idempotent.
func (b *Brain) PruneChannels(ctx context.Context, scanLimit int) (int, error) {
	days := b.cfg.RetentionDays
	if days <= 0 {
		days = 30
	}
	cutoff := time.Now().AddDate(0, 0, -days)

	total := 0
	for name := range knownChannels {
		col, err := b.channelStore(ctx, name)
		if err != nil {
			return total, err
		}
		n, err := col.PruneOlderThan(ctx, cutoff, scanLimit)
		if err != nil {
			return total, err
		}
		total += n
	}
	col, err := b.channelStore(ctx, "general")
	if err != nil {
		return total, err
	}
	n, err := col.PruneOlderThan(ctx, cutoff, scanLimit)
	if err != nil {
		return total, err
	}
	return total + n, nil
}
