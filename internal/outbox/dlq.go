package outbox

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const (
	dlqFailureThreshold = 3
	dlqRingSize         = 100
)

// DeadEntry is one action that failed repeatedly and was given up on.
type DeadEntry struct {
	Key      string    `json:"key"`
	Tool     string    `json:"tool"`
	Op       string    `json:"op"`
	LastErr  string    `json:"last_error"`
	Failures int       `json:"failures"`
	DeadAt   time.Time `json:"dead_at"`
}

type dlqState struct {
	Counts  map[string]int `json:"counts"`
	Entries []DeadEntry    `json:"entries"`
}

// DeadLetter counts consecutive failures per action key and moves an
// action into a bounded ring after the third. The ring exists for
// inspection; nothing replays from it automatically.
type DeadLetter struct {
	file *statefile.File[dlqState]
	now  func() time.Time
}

func NewDeadLetter(path string) *DeadLetter {
	return &DeadLetter{file: statefile.New[dlqState](path), now: time.Now}
}

// RecordFailure bumps the failure count for a key. Returns true when
// the action crossed the threshold and was dead-lettered; the caller
// should stop retrying it.
func (d *DeadLetter) RecordFailure(key, tool, op, errMsg string) bool {
	dead := false
	_ = d.file.Mutate(func(s *dlqState) {
		if s.Counts == nil {
			s.Counts = make(map[string]int)
		}
		s.Counts[key]++
		if s.Counts[key] < dlqFailureThreshold {
			return
		}
		dead = true
		s.Entries = append(s.Entries, DeadEntry{
			Key: key, Tool: tool, Op: op,
			LastErr:  errMsg,
			Failures: s.Counts[key],
			DeadAt:   d.now(),
		})
		if len(s.Entries) > dlqRingSize {
			s.Entries = s.Entries[len(s.Entries)-dlqRingSize:]
		}
		delete(s.Counts, key)
	})
	if dead {
		slog.Error("outbox: action dead-lettered", "key", key, "tool", tool, "op", op, "error", errMsg)
	}
	return dead
}

// RecordSuccess clears the failure count for a key.
func (d *DeadLetter) RecordSuccess(key string) {
	_ = d.file.Mutate(func(s *dlqState) {
		delete(s.Counts, key)
	})
}

// Recent returns the n most recent dead letters, newest first.
func (d *DeadLetter) Recent(n int) []DeadEntry {
	s := d.file.Load()
	if n > len(s.Entries) {
		n = len(s.Entries)
	}
	out := make([]DeadEntry, 0, n)
	for i := len(s.Entries) - 1; i >= len(s.Entries)-n; i-- {
		out = append(out, s.Entries[i])
	}
	return out
}

// Size returns the current ring occupancy.
func (d *DeadLetter) Size() int {
	return len(d.file.Load().Entries)
}
