// Package backlog records capabilities the agent was asked for but
// does not have. The daily digest surfaces the count; the list is the
// principal's roadmap for what to wire up next.
package backlog

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const maxEntries = 100

// Entry is one unmet capability request.
type Entry struct {
	Request string    `json:"request"`
	Channel string    `json:"channel,omitempty"`
	At      time.Time `json:"at"`
}

type backlogState struct {
	Entries []Entry `json:"entries"`
}

type Backlog struct {
	file *statefile.File[backlogState]
	now  func() time.Time
}

func New(path string) *Backlog {
	return &Backlog{file: statefile.New[backlogState](path), now: time.Now}
}

// Add records a request. Near-duplicates (same normalized text) only
// bump the timestamp.
func (b *Backlog) Add(request, channel string) error {
	norm := strings.Join(strings.Fields(strings.ToLower(request)), " ")
	if norm == "" {
		return nil
	}
	return b.file.Mutate(func(s *backlogState) {
		for i := range s.Entries {
			if strings.Join(strings.Fields(strings.ToLower(s.Entries[i].Request)), " ") == norm {
				s.Entries[i].At = b.now()
				return
			}
		}
		s.Entries = append(s.Entries, Entry{Request: request, Channel: channel, At: b.now()})
		if len(s.Entries) > maxEntries {
			s.Entries = s.Entries[len(s.Entries)-maxEntries:]
		}
	})
}

func (b *Backlog) Count() int {
	return len(b.file.Load().Entries)
}

// Recent returns the newest n entries, newest first.
func (b *Backlog) Recent(n int) []Entry {
	entries := b.file.Load().Entries
	var out []Entry
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, entries[i])
	}
	return out
}
