// Package outbox gives side-effecting tool calls exactly-once
// semantics across crashes. Every outbound action is keyed by a hash
// of its content; a retry of an action already sent short-circuits to
// the recorded result instead of sending twice.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

// Entry states.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

const (
	gcAge      = 7 * 24 * time.Hour
	gcInterval = 24 * time.Hour
)

// Entry is one tracked outbound action.
type Entry struct {
	Key       string    `json:"key"`
	Tool      string    `json:"tool"`
	Op        string    `json:"op"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type state struct {
	Entries map[string]Entry `json:"entries"`
}

// Outbox tracks outbound actions in a JSON file with atomic writes.
type Outbox struct {
	file    *statefile.File[state]
	now     func() time.Time
	gcEvery time.Duration
}

func New(path string) *Outbox {
	return &Outbox{file: statefile.New[state](path), now: time.Now, gcEvery: gcInterval}
}

// Key derives the dedup key for an action: sha256 over tool, op, and
// the arguments serialized with sorted keys so map ordering never
// produces a different key for the same action.
func Key(tool, op string, args map[string]interface{}) string {
	h := sha256.New()
	h.Write([]byte(tool))
	h.Write([]byte{0})
	h.Write([]byte(op))
	h.Write([]byte{0})
	h.Write(canonicalJSON(args))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON renders args with lexicographically sorted keys.
// encoding/json already sorts map keys, but nested non-map values pass
// through Marshal unchanged, which is what we want.
func canonicalJSON(args map[string]interface{}) []byte {
	if len(args) == 0 {
		return []byte("{}")
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(args[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}')
}

// CheckAndMark registers an action about to be attempted. If the key
// was already sent it returns the prior result and duplicate=true; the
// caller must not re-execute. A pending or failed entry is re-armed as
// pending so a crashed attempt can retry.
func (o *Outbox) CheckAndMark(tool, op string, args map[string]interface{}) (key string, duplicate bool, priorResult string, err error) {
	key = Key(tool, op, args)
	err = o.file.Mutate(func(s *state) {
		if s.Entries == nil {
			s.Entries = make(map[string]Entry)
		}
		now := o.now()
		if e, ok := s.Entries[key]; ok && e.Status == StatusSent {
			duplicate = true
			priorResult = e.Result
			return
		}
		s.Entries[key] = Entry{
			Key: key, Tool: tool, Op: op,
			Status: StatusPending, CreatedAt: now, UpdatedAt: now,
		}
	})
	return key, duplicate, priorResult, err
}

// MarkSent finalizes a pending entry with its result. Once sent an
// entry never transitions again.
func (o *Outbox) MarkSent(key, result string) error {
	return o.transition(key, StatusSent, result)
}

// MarkFailed records a failed attempt so the next identical request
// is allowed to try again.
func (o *Outbox) MarkFailed(key, reason string) error {
	return o.transition(key, StatusFailed, reason)
}

func (o *Outbox) transition(key, status, result string) error {
	var terr error
	err := o.file.Mutate(func(s *state) {
		e, ok := s.Entries[key]
		if !ok {
			terr = fmt.Errorf("outbox: unknown key %s", key)
			return
		}
		if e.Status == StatusSent {
			terr = fmt.Errorf("outbox: key %s already sent", key)
			return
		}
		e.Status = status
		e.Result = result
		e.UpdatedAt = o.now()
		s.Entries[key] = e
	})
	if err != nil {
		return err
	}
	return terr
}

// Get returns the entry for a key.
func (o *Outbox) Get(key string) (Entry, bool) {
	s := o.file.Load()
	e, ok := s.Entries[key]
	return e, ok
}

// RunGC sweeps expired entries once a day until the context ends, so
// the outbox file stays bounded over long uptimes.
func (o *Outbox) RunGC(ctx context.Context) {
	ticker := time.NewTicker(o.gcEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := o.GC(); removed > 0 {
				slog.Info("outbox gc", "removed", removed)
			}
		}
	}
}

// GC drops non-pending entries older than a week. Pending entries are
// kept: they represent actions whose outcome is still unknown.
func (o *Outbox) GC() (removed int) {
	cutoff := o.now().Add(-gcAge)
	_ = o.file.Mutate(func(s *state) {
		for k, e := range s.Entries {
			if e.Status != StatusPending && e.UpdatedAt.Before(cutoff) {
				delete(s.Entries, k)
				removed++
			}
		}
	})
	return removed
}
