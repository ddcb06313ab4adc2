// Package patterns mines the task episode history for recurring
// routines ("web_search every Monday morning") so the attention engine
// can anticipate instead of just react.
package patterns

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/statefile"
	"github.com/nextlevelbuilder/aide/internal/tasks"
)

const (
	maxPatterns     = 20
	episodeWindow   = 500
	minOccurrences  = 3
	defaultCronSpec = "0 */12 * * *"
)

// Pattern is one detected routine.
type Pattern struct {
	Text       string    `json:"text"`
	Tool       string    `json:"tool"`
	Count      int       `json:"count"`
	DetectedAt time.Time `json:"detected_at"`
}

type storeState struct {
	Patterns []Pattern `json:"patterns"`
}

// Store is the persisted pattern list.
type Store struct {
	file *statefile.File[storeState]
}

func NewStore(path string) *Store {
	return &Store{file: statefile.New[storeState](path)}
}

func (s *Store) Replace(patterns []Pattern) error {
	if len(patterns) > maxPatterns {
		patterns = patterns[:maxPatterns]
	}
	return s.file.Save(storeState{Patterns: patterns})
}

func (s *Store) List() []Pattern {
	return s.file.Load().Patterns
}

// ChatClient is the slice of the model router the miner needs.
type ChatClient interface {
	ChatTier(ctx context.Context, tier providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// Miner runs the periodic detection pass.
type Miner struct {
	episodes *tasks.Episodes
	llm      ChatClient
	store    *Store
	cronSpec string
	loc      *time.Location
	cron     *gronx.Gronx
	now      func() time.Time
}

func NewMiner(episodes *tasks.Episodes, llm ChatClient, store *Store, cronSpec string, loc *time.Location) *Miner {
	if cronSpec == "" {
		cronSpec = defaultCronSpec
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Miner{
		episodes: episodes,
		llm:      llm,
		store:    store,
		cronSpec: cronSpec,
		loc:      loc,
		cron:     gronx.New(),
		now:      time.Now,
	}
}

// Run evaluates the cron gate once a minute. Failures log and sleep,
// never die.
func (m *Miner) Run(ctx context.Context) {
	slog.Info("pattern miner started", "cron", m.cronSpec)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := m.cron.IsDue(m.cronSpec, m.now().In(m.loc))
			if err != nil {
				slog.Error("pattern cron parse", "cron", m.cronSpec, "error", err)
				return
			}
			if due {
				m.RunOnce(ctx)
			}
		}
	}
}

type groupKey struct {
	Tool    string
	Weekday time.Weekday
	Bucket  string
}

func hourBucket(hour int) string {
	switch {
	case hour < 6:
		return "night"
	case hour < 11:
		return "morning"
	case hour < 14:
		return "midday"
	case hour < 18:
		return "afternoon"
	default:
		return "evening"
	}
}

// RunOnce mines the episode window and replaces the stored patterns.
func (m *Miner) RunOnce(ctx context.Context) {
	eps := m.episodes.Recent(episodeWindow)
	groups := map[groupKey]int{}
	perTool := map[string]int{}
	for _, ep := range eps {
		if ep.Tool == "" {
			continue
		}
		at := ep.At.In(m.loc)
		groups[groupKey{ep.Tool, at.Weekday(), hourBucket(at.Hour())}]++
		perTool[ep.Tool]++
	}

	var lines []string
	var fallback []Pattern
	now := m.now()
	for key, count := range groups {
		if perTool[key.Tool] < minOccurrences {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s: %dx on %s %s", key.Tool, count, key.Weekday, key.Bucket))
		fallback = append(fallback, Pattern{
			Text:       fmt.Sprintf("%s tends to come up on %s %ss (%d times recently)", key.Tool, key.Weekday, key.Bucket, count),
			Tool:       key.Tool,
			Count:      count,
			DetectedAt: now,
		})
	}
	if len(lines) == 0 {
		slog.Debug("pattern pass found nothing recurring", "episodes", len(eps))
		return
	}
	sort.Slice(fallback, func(i, j int) bool { return fallback[i].Count > fallback[j].Count })

	patterns := m.summarize(ctx, lines, fallback)
	if err := m.store.Replace(patterns); err != nil {
		slog.Error("pattern store failed", "error", err)
		return
	}
	slog.Info("patterns updated", "count", len(patterns), "episodes", len(eps))
}

const summarizePrompt = `These are tool-usage frequencies from a personal assistant's recent history:

%s

Describe the recurring routines in at most %d short plain sentences, one per line.`

// summarize asks the small model for readable phrasing; the counted
// fallback is used verbatim when the model is unavailable.
func (m *Miner) summarize(ctx context.Context, lines []string, fallback []Pattern) []Pattern {
	resp, err := m.llm.ChatTier(ctx, providers.TierIntent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(
			summarizePrompt, strings.Join(lines, "\n"), maxPatterns)}},
	})
	if err != nil {
		slog.Debug("pattern summarization failed, using counted fallback", "error", err)
		return fallback
	}
	var out []Pattern
	now := m.now()
	for _, line := range strings.Split(resp.Content, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
		if line == "" {
			continue
		}
		out = append(out, Pattern{Text: line, DetectedAt: now})
		if len(out) == maxPatterns {
			break
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
