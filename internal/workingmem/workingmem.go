// Package workingmem holds the agent's short-horizon state: the stuff
// a human assistant keeps in their head between messages rather than
// in their files. It is a single JSON document persisted synchronously
// on every mutation, so a restart mid-conversation loses nothing.
package workingmem

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const (
	maxCalibrationChars = 200
	maxUnfinished       = 5
	maxThreads          = 3
	threadTTL           = 48 * time.Hour
	maxCorrections      = 3
	correctionTTL       = 24 * time.Hour
	maxPrefCategories   = 10
	maxPrefsPerCategory = 5
	maxPendingActions   = 3
	pendingActionTTL    = 30 * time.Minute
)

// Tones the agent tracks for the current conversation.
const (
	ToneNeutral  = "neutral"
	ToneUrgent   = "urgent"
	ToneStressed = "stressed"
	ToneRelaxed  = "relaxed"
	ToneFormal   = "formal"
)

// PendingAction is an irreversible operation parked until the
// principal confirms it.
type PendingAction struct {
	Tool      string                 `json:"tool"`
	Op        string                 `json:"op"`
	Args      map[string]interface{} `json:"args"`
	Summary   string                 `json:"summary"`
	CreatedAt time.Time              `json:"created_at"`
}

// Thread is a named conversation topic the principal keeps returning to.
type Thread struct {
	Topic     string    `json:"topic"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Correction is a recent "no, I meant..." from the principal.
type Correction struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// Item is an unfinished thing the agent promised or was asked to do.
type Item struct {
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type state struct {
	Tone        string              `json:"tone,omitempty"`
	Calibration string              `json:"calibration,omitempty"`
	Unfinished  []Item              `json:"unfinished,omitempty"`
	Threads     []Thread            `json:"threads,omitempty"`
	Corrections []Correction        `json:"corrections,omitempty"`
	Preferences map[string][]string `json:"preferences,omitempty"`
	Timezone    string              `json:"timezone,omitempty"`
	Pending     []PendingAction     `json:"pending_actions,omitempty"`
}

// Memory is the working-memory document. All methods persist before
// returning; all limits are enforced on write so the file can never
// grow without bound.
type Memory struct {
	file *statefile.File[state]
	now  func() time.Time
}

func New(path string) *Memory {
	return &Memory{file: statefile.New[state](path), now: time.Now}
}

func (m *Memory) SetTone(tone string) error {
	switch tone {
	case ToneNeutral, ToneUrgent, ToneStressed, ToneRelaxed, ToneFormal:
	default:
		tone = ToneNeutral
	}
	return m.file.Mutate(func(s *state) { s.Tone = tone })
}

func (m *Memory) Tone() string {
	s := m.file.Load()
	if s.Tone == "" {
		return ToneNeutral
	}
	return s.Tone
}

// SetCalibration stores a short note on how to speak to the principal
// right now. Truncated, never rejected.
func (m *Memory) SetCalibration(note string) error {
	if len(note) > maxCalibrationChars {
		note = note[:maxCalibrationChars]
	}
	return m.file.Mutate(func(s *state) { s.Calibration = note })
}

// AddUnfinished records an open loop. The list is LRU: a repeated text
// moves to the front, the oldest entry falls off past the cap.
func (m *Memory) AddUnfinished(text string) error {
	return m.file.Mutate(func(s *state) {
		now := m.now()
		kept := s.Unfinished[:0]
		for _, it := range s.Unfinished {
			if it.Text != text {
				kept = append(kept, it)
			}
		}
		s.Unfinished = append([]Item{{Text: text, At: now}}, kept...)
		if len(s.Unfinished) > maxUnfinished {
			s.Unfinished = s.Unfinished[:maxUnfinished]
		}
	})
}

// Resolve drops an unfinished item whose text contains the fragment.
func (m *Memory) Resolve(fragment string) error {
	return m.file.Mutate(func(s *state) {
		kept := s.Unfinished[:0]
		for _, it := range s.Unfinished {
			if !strings.Contains(strings.ToLower(it.Text), strings.ToLower(fragment)) {
				kept = append(kept, it)
			}
		}
		s.Unfinished = kept
	})
}

// TouchThread bumps a topic to the front, expiring stale threads.
func (m *Memory) TouchThread(topic string) error {
	return m.file.Mutate(func(s *state) {
		now := m.now()
		kept := s.Threads[:0]
		for _, t := range s.Threads {
			if t.Topic != topic && now.Sub(t.UpdatedAt) < threadTTL {
				kept = append(kept, t)
			}
		}
		s.Threads = append([]Thread{{Topic: topic, UpdatedAt: now}}, kept...)
		if len(s.Threads) > maxThreads {
			s.Threads = s.Threads[:maxThreads]
		}
	})
}

// AddCorrection remembers a recent correction so the agent stops
// repeating the same mistake within the day.
func (m *Memory) AddCorrection(text string) error {
	return m.file.Mutate(func(s *state) {
		now := m.now()
		kept := s.Corrections[:0]
		for _, c := range s.Corrections {
			if now.Sub(c.At) < correctionTTL {
				kept = append(kept, c)
			}
		}
		s.Corrections = append([]Correction{{Text: text, At: now}}, kept...)
		if len(s.Corrections) > maxCorrections {
			s.Corrections = s.Corrections[:maxCorrections]
		}
	})
}

// AddPreference files an observed preference under a category. New
// categories are rejected past the category cap; within a category the
// oldest value is displaced.
func (m *Memory) AddPreference(category, value string) error {
	return m.file.Mutate(func(s *state) {
		if s.Preferences == nil {
			s.Preferences = make(map[string][]string)
		}
		if _, ok := s.Preferences[category]; !ok && len(s.Preferences) >= maxPrefCategories {
			return
		}
		vals := s.Preferences[category]
		for _, v := range vals {
			if v == value {
				return
			}
		}
		vals = append(vals, value)
		if len(vals) > maxPrefsPerCategory {
			vals = vals[len(vals)-maxPrefsPerCategory:]
		}
		s.Preferences[category] = vals
	})
}

func (m *Memory) SetTimezone(tz string) error {
	return m.file.Mutate(func(s *state) { s.Timezone = tz })
}

func (m *Memory) Timezone() string { return m.file.Load().Timezone }

// PushPendingAction parks an action awaiting confirmation. Only one
// action per tool is held: re-adding replaces it. Past the cap the
// oldest pending action is dropped.
func (m *Memory) PushPendingAction(a PendingAction) error {
	return m.file.Mutate(func(s *state) {
		a.CreatedAt = m.now()
		kept := s.Pending[:0]
		for _, p := range s.Pending {
			if p.Tool != a.Tool && m.now().Sub(p.CreatedAt) < pendingActionTTL {
				kept = append(kept, p)
			}
		}
		s.Pending = append(kept, a)
		if len(s.Pending) > maxPendingActions {
			s.Pending = s.Pending[len(s.Pending)-maxPendingActions:]
		}
	})
}

// PopPendingAction removes and returns the most recent live pending
// action for a tool (empty tool matches any). Expired entries are
// dropped silently.
func (m *Memory) PopPendingAction(tool string) (PendingAction, bool) {
	var found PendingAction
	ok := false
	_ = m.file.Mutate(func(s *state) {
		now := m.now()
		live := s.Pending[:0]
		for _, p := range s.Pending {
			if now.Sub(p.CreatedAt) >= pendingActionTTL {
				continue
			}
			live = append(live, p)
		}
		s.Pending = live

		for i := len(s.Pending) - 1; i >= 0; i-- {
			if tool == "" || s.Pending[i].Tool == tool {
				found = s.Pending[i]
				ok = true
				s.Pending = append(s.Pending[:i], s.Pending[i+1:]...)
				return
			}
		}
	})
	return found, ok
}

// PendingActions returns the live pending actions, oldest first.
func (m *Memory) PendingActions() []PendingAction {
	s := m.file.Load()
	now := m.now()
	var live []PendingAction
	for _, p := range s.Pending {
		if now.Sub(p.CreatedAt) < pendingActionTTL {
			live = append(live, p)
		}
	}
	return live
}

// Summary renders the working memory as prompt context. Empty sections
// are omitted; an empty memory returns "".
func (m *Memory) Summary() string {
	s := m.file.Load()
	now := m.now()
	var sb strings.Builder

	if s.Tone != "" && s.Tone != ToneNeutral {
		fmt.Fprintf(&sb, "Current tone: %s\n", s.Tone)
	}
	if s.Calibration != "" {
		fmt.Fprintf(&sb, "How to respond right now: %s\n", s.Calibration)
	}
	if len(s.Unfinished) > 0 {
		sb.WriteString("Unfinished:\n")
		for _, it := range s.Unfinished {
			fmt.Fprintf(&sb, "- %s\n", it.Text)
		}
	}
	var threads []string
	for _, t := range s.Threads {
		if now.Sub(t.UpdatedAt) < threadTTL {
			threads = append(threads, t.Topic)
		}
	}
	if len(threads) > 0 {
		fmt.Fprintf(&sb, "Active threads: %s\n", strings.Join(threads, "; "))
	}
	for _, c := range s.Corrections {
		if now.Sub(c.At) < correctionTTL {
			fmt.Fprintf(&sb, "Recent correction: %s\n", c.Text)
		}
	}
	if len(s.Preferences) > 0 {
		cats := make([]string, 0, len(s.Preferences))
		for c := range s.Preferences {
			cats = append(cats, c)
		}
		sort.Strings(cats)
		sb.WriteString("Known preferences:\n")
		for _, c := range cats {
			fmt.Fprintf(&sb, "- %s: %s\n", c, strings.Join(s.Preferences[c], ", "))
		}
	}
	if s.Timezone != "" {
		fmt.Fprintf(&sb, "Timezone override: %s\n", s.Timezone)
	}
	return strings.TrimSpace(sb.String())
}
