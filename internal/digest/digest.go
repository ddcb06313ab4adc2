// Package digest sends the principal one daily summary of what the
// agent did: activity counts from the log stream, the capability
// backlog, the self-heal status, and uptime.
package digest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/backlog"
	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const pollInterval = 60 * time.Second

// HealthReporter supplies the self-heal one-liner. Implemented by the
// selfheal updater; nil means the cycle is disabled.
type HealthReporter interface {
	Summary() string
}

type digestState struct {
	LastSent string `json:"last_sent"` // YYYY-MM-DD in user TZ
}

// Scheduler fires the digest once per date at the configured HH:MM.
type Scheduler struct {
	notifier notify.Notifier
	counter  *LogCounter
	backlog  *backlog.Backlog
	health   HealthReporter
	file     *statefile.File[digestState]
	at       string // "HH:MM"
	loc      *time.Location
	started  time.Time
	now      func() time.Time
}

type Deps struct {
	Notifier  notify.Notifier
	Counter   *LogCounter
	Backlog   *backlog.Backlog
	Health    HealthReporter
	StatePath string
	At        string // default "08:30"
	Location  *time.Location
}

func New(d Deps) *Scheduler {
	at := d.At
	if at == "" {
		at = "08:30"
	}
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Scheduler{
		notifier: notifier,
		counter:  d.Counter,
		backlog:  d.Backlog,
		health:   d.Health,
		file:     statefile.New[digestState](d.StatePath),
		at:       at,
		loc:      loc,
		started:  time.Now(),
		now:      time.Now,
	}
}

// Run polls the clock every minute and fires once per date.
func (s *Scheduler) Run(ctx context.Context) {
	slog.Info("digest scheduler started", "at", s.at, "tz", s.loc.String())
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now().In(s.loc)
	today := now.Format("2006-01-02")
	if now.Format("15:04") < s.at || s.file.Load().LastSent == today {
		return
	}
	s.notifier.Notify(ctx, s.compose(), notify.Info)
	if err := s.file.Save(digestState{LastSent: today}); err != nil {
		slog.Error("digest state save failed", "error", err)
	}
	slog.Info("daily digest sent", "date", today)
}

func (s *Scheduler) compose() string {
	var sb strings.Builder
	sb.WriteString("Daily digest\n")

	if s.counter != nil {
		c := s.counter.Snapshot()
		fmt.Fprintf(&sb, "Messages handled: %d\nTasks completed: %d\nTool calls: %d\nErrors: %d\n",
			c.Messages, c.Tasks, c.ToolCalls, c.Errors)
	}
	if s.backlog != nil {
		if n := s.backlog.Count(); n > 0 {
			fmt.Fprintf(&sb, "Capability backlog: %d open request(s)\n", n)
			for _, e := range s.backlog.Recent(3) {
				fmt.Fprintf(&sb, "  - %s\n", e.Request)
			}
		}
	}
	if s.health != nil {
		if h := s.health.Summary(); h != "" {
			fmt.Fprintf(&sb, "Self-heal: %s\n", h)
		}
	}
	fmt.Fprintf(&sb, "Uptime: %s", time.Since(s.started).Round(time.Minute))
	return sb.String()
}
