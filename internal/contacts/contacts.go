// Package contacts tracks when the principal last interacted with each
// person so the attention engine can suggest follow-ups and flag
// relationships going stale.
package contacts

import (
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

// Interaction is the per-contact history entry.
type Interaction struct {
	Name      string    `json:"name"`
	Channel   string    `json:"channel,omitempty"`
	LastTouch time.Time `json:"last_touch"`
	Count     int       `json:"count"`
	Note      string    `json:"note,omitempty"` // last thing discussed
}

type logState struct {
	Contacts map[string]Interaction `json:"contacts"`
}

// Log is the contact interaction history, keyed by normalized name.
type Log struct {
	file *statefile.File[logState]
	now  func() time.Time
}

func NewLog(path string) *Log {
	return &Log{file: statefile.New[logState](path), now: time.Now}
}

func key(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// Touch records an interaction with a contact.
func (l *Log) Touch(name, channel, note string) error {
	if strings.TrimSpace(name) == "" {
		return nil
	}
	return l.file.Mutate(func(s *logState) {
		if s.Contacts == nil {
			s.Contacts = make(map[string]Interaction)
		}
		c := s.Contacts[key(name)]
		c.Name = name
		c.Channel = channel
		c.LastTouch = l.now()
		c.Count++
		if note != "" {
			c.Note = note
		}
		s.Contacts[key(name)] = c
	})
}

// Stale returns contacts not touched within the window, most neglected
// first.
func (l *Log) Stale(olderThan time.Duration, limit int) []Interaction {
	cutoff := l.now().Add(-olderThan)
	var out []Interaction
	for _, c := range l.file.Load().Contacts {
		if c.LastTouch.Before(cutoff) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTouch.Before(out[j].LastTouch) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Recent returns the most recently touched contacts, newest first.
func (l *Log) Recent(limit int) []Interaction {
	var out []Interaction
	for _, c := range l.file.Load().Contacts {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTouch.After(out[j].LastTouch) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
