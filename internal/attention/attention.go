// Package attention is the proactive side of the agent: a few times a
// day during waking hours it looks at recent memory, detected routines,
// and neglected contacts, and sends the principal at most three short
// observations worth their attention.
package attention

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/aide/internal/contacts"
	"github.com/nextlevelbuilder/aide/internal/memory"
	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/patterns"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const (
	maxObservations = 3
	maxObsChars     = 280
	dedupWindow     = 24 * time.Hour
	dedupPrefixLen  = 50
	maxLogEntries   = 100
	staleAfter      = 14 * 24 * time.Hour
	defaultCronSpec = "0 7-21/6 * * *"
)

// ChatClient is the slice of the model router the engine needs.
type ChatClient interface {
	ChatTier(ctx context.Context, tier providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error)
}

type logState struct {
	Sent map[string]time.Time `json:"sent"` // observation prefix -> last sent
}

// Engine runs the periodic attention pass.
type Engine struct {
	llm      ChatClient
	brain    *memory.Brain
	patterns *patterns.Store
	contacts *contacts.Log
	notifier notify.Notifier
	log      *statefile.File[logState]
	cronSpec string
	loc      *time.Location
	cron     *gronx.Gronx
	now      func() time.Time
}

type Deps struct {
	LLM      ChatClient
	Brain    *memory.Brain
	Patterns *patterns.Store
	Contacts *contacts.Log
	Notifier notify.Notifier
	LogPath  string // attention_log.json
	CronSpec string
	Location *time.Location
}

func New(d Deps) *Engine {
	spec := d.CronSpec
	if spec == "" {
		spec = defaultCronSpec
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Engine{
		llm:      d.LLM,
		brain:    d.Brain,
		patterns: d.Patterns,
		contacts: d.Contacts,
		notifier: notifier,
		log:      statefile.New[logState](d.LogPath),
		cronSpec: spec,
		loc:      loc,
		cron:     gronx.New(),
		now:      time.Now,
	}
}

// Run evaluates the cron gate once a minute.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("attention engine started", "cron", e.cronSpec)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := e.cron.IsDue(e.cronSpec, e.now().In(e.loc))
			if err != nil {
				slog.Error("attention cron parse", "cron", e.cronSpec, "error", err)
				return
			}
			if due {
				e.RunOnce(ctx)
			}
		}
	}
}

// purposeMode picks what kind of pass this hour calls for.
func purposeMode(t time.Time) string {
	hour := t.Hour()
	switch {
	case hour < 10 && t.Weekday() == time.Monday:
		return "weekly look-ahead"
	case hour < 10:
		return "morning briefing"
	case hour >= 18:
		return "evening summary"
	default:
		return "curiosity scan"
	}
}

const observePrompt = `You are a personal assistant doing a %s for your principal.

What you know right now:
%s

Write at most %d short observations actually worth their attention,
one per line, plain text. Mention only people named above. If nothing
is worth saying, reply with NOTHING.`

// RunOnce assembles context, asks for observations, sanitizes,
// deduplicates, and delivers.
func (e *Engine) RunOnce(ctx context.Context) {
	now := e.now().In(e.loc)
	mode := purposeMode(now)
	snippets := e.gather(ctx, mode)
	if snippets == "" {
		slog.Debug("attention pass has no material", "mode", mode)
		return
	}

	resp, err := e.llm.ChatTier(ctx, providers.TierIntent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(
			observePrompt, mode, snippets, maxObservations)}},
	})
	if err != nil {
		slog.Error("attention pass failed", "mode", mode, "error", err)
		return
	}
	if strings.Contains(resp.Content, "NOTHING") {
		return
	}

	var kept []string
	for _, line := range strings.Split(resp.Content, "\n") {
		obs := sanitizeObservation(line)
		if obs == "" {
			continue
		}
		warnUnknownNames(obs, snippets)
		if e.sentRecently(obs) {
			slog.Debug("attention observation suppressed as duplicate", "prefix", prefix(obs))
			continue
		}
		kept = append(kept, obs)
		if len(kept) == maxObservations {
			break
		}
	}
	if len(kept) == 0 {
		return
	}

	e.record(kept)
	e.notifier.Notify(ctx, strings.Join(kept, "\n"), notify.Info)
	slog.Info("attention observations sent", "mode", mode, "count", len(kept))
}

// gather builds the snippet block from memory, routines, and contacts.
func (e *Engine) gather(ctx context.Context, mode string) string {
	var sb strings.Builder
	for _, r := range e.brain.Query(ctx, mode, "general", 5) {
		fmt.Fprintf(&sb, "- %s\n", r.Text)
	}
	if e.patterns != nil {
		for _, p := range e.patterns.List() {
			fmt.Fprintf(&sb, "- routine: %s\n", p.Text)
		}
	}
	if e.contacts != nil {
		for _, c := range e.contacts.Recent(3) {
			fmt.Fprintf(&sb, "- recently talked to %s about %s\n", c.Name, c.Note)
		}
		for _, c := range e.contacts.Stale(staleAfter, 3) {
			fmt.Fprintf(&sb, "- no contact with %s since %s\n", c.Name, c.LastTouch.Format("Jan 2"))
		}
	}
	return strings.TrimSpace(sb.String())
}

var (
	mdLinkRe = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	urlRe    = regexp.MustCompile(`https?://\S+`)
)

// sanitizeObservation strips list markers, markdown links, and bare
// URLs, then caps the length.
func sanitizeObservation(line string) string {
	line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
	line = mdLinkRe.ReplaceAllString(line, "$1")
	line = urlRe.ReplaceAllString(line, "")
	line = strings.TrimSpace(line)
	if len(line) > maxObsChars {
		line = line[:maxObsChars]
	}
	return line
}

// sentence starters that look like names but never are
var notNames = map[string]bool{
	"The": true, "Your": true, "You": true, "They": true, "This": true,
	"That": true, "Also": true, "Consider": true, "Remember": true,
	"There": true, "Today": true, "Tomorrow": true, "Monday": true,
	"Tuesday": true, "Wednesday": true, "Thursday": true, "Friday": true,
	"Saturday": true, "Sunday": true,
}

// warnUnknownNames logs when an observation introduces a capitalized
// name the prompt never mentioned. Likely a hallucinated person.
func warnUnknownNames(obs, prompt string) {
	promptLower := strings.ToLower(prompt)
	for _, word := range strings.Fields(obs) {
		trimmed := strings.Trim(word, ".,!?:;\"'()")
		if len(trimmed) < 3 || trimmed[0] < 'A' || trimmed[0] > 'Z' || notNames[trimmed] {
			continue
		}
		if !strings.Contains(promptLower, strings.ToLower(trimmed)) {
			slog.Warn("attention observation names someone not in the prompt", "name", trimmed)
		}
	}
}

func prefix(obs string) string {
	if len(obs) > dedupPrefixLen {
		return obs[:dedupPrefixLen]
	}
	return obs
}

func (e *Engine) sentRecently(obs string) bool {
	sent, ok := e.log.Load().Sent[prefix(obs)]
	return ok && e.now().Sub(sent) < dedupWindow
}

// record remembers the sent prefixes and prunes the log.
func (e *Engine) record(observations []string) {
	if err := e.log.Mutate(func(s *logState) {
		if s.Sent == nil {
			s.Sent = make(map[string]time.Time)
		}
		now := e.now()
		for _, obs := range observations {
			s.Sent[prefix(obs)] = now
		}
		for len(s.Sent) > maxLogEntries {
			oldestKey := ""
			var oldest time.Time
			for k, at := range s.Sent {
				if oldestKey == "" || at.Before(oldest) {
					oldestKey, oldest = k, at
				}
			}
			delete(s.Sent, oldestKey)
		}
	}); err != nil {
		slog.Warn("attention log write failed", "error", err)
	}
}
