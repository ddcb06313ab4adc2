package digest

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

// Counts is the day's activity as observed from the log stream.
type Counts struct {
	Messages  int64
	Tasks     int64
	ToolCalls int64
	Errors    int64
}

type counters struct {
	messages  atomic.Int64
	tasks     atomic.Int64
	toolCalls atomic.Int64
	errors    atomic.Int64
}

// LogCounter is an slog.Handler wrapper that tallies activity from the
// records flowing past it. The digest reads the counts instead of
// re-parsing the log file. Derived handlers share the same counters.
type LogCounter struct {
	inner slog.Handler
	c     *counters
}

func NewLogCounter(inner slog.Handler) *LogCounter {
	return &LogCounter{inner: inner, c: &counters{}}
}

// Enabled is always true so counting sees records the inner handler
// would drop.
func (l *LogCounter) Enabled(context.Context, slog.Level) bool { return true }

func (l *LogCounter) Handle(ctx context.Context, r slog.Record) error {
	switch {
	case r.Level >= slog.LevelError:
		l.c.errors.Add(1)
	case strings.HasPrefix(r.Message, "intent classified"):
		l.c.messages.Add(1)
	case strings.HasPrefix(r.Message, "task finished"):
		l.c.tasks.Add(1)
	case strings.HasPrefix(r.Message, "tool invoked"):
		l.c.toolCalls.Add(1)
	}
	if !l.inner.Enabled(ctx, r.Level) {
		return nil
	}
	return l.inner.Handle(ctx, r)
}

func (l *LogCounter) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &LogCounter{inner: l.inner.WithAttrs(attrs), c: l.c}
}

func (l *LogCounter) WithGroup(name string) slog.Handler {
	return &LogCounter{inner: l.inner.WithGroup(name), c: l.c}
}

// Snapshot returns and resets the counts. Called once per digest so
// each report covers one day.
func (l *LogCounter) Snapshot() Counts {
	return Counts{
		Messages:  l.c.messages.Swap(0),
		Tasks:     l.c.tasks.Swap(0),
		ToolCalls: l.c.toolCalls.Swap(0),
		Errors:    l.c.errors.Swap(0),
	}
}
