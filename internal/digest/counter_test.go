package digest

import (
	"log/slog"
	"testing"
)

func TestLogCounterTalliesByMessage(t *testing.T) {
	counter := NewLogCounter(discardHandler())
	logger := slog.New(counter)

	logger.Debug("intent classified", "action", "chat")
	logger.Debug("intent classified", "action", "send_email")
	logger.Debug("tool invoked", "tool", "email")
	logger.Info("task finished", "task", "a1b2c3d4")
	logger.Error("outbox: save failed")
	logger.Info("unrelated message")

	got := counter.Snapshot()
	if got.Messages != 2 || got.ToolCalls != 1 || got.Tasks != 1 || got.Errors != 1 {
		t.Errorf("unexpected counts: %+v", got)
	}
}

func TestSnapshotResets(t *testing.T) {
	counter := NewLogCounter(discardHandler())
	logger := slog.New(counter)
	logger.Debug("tool invoked", "tool", "exec")

	counter.Snapshot()
	if got := counter.Snapshot(); got.ToolCalls != 0 {
		t.Errorf("snapshot did not reset: %+v", got)
	}
}

func TestDerivedHandlersShareCounts(t *testing.T) {
	counter := NewLogCounter(discardHandler())
	derived := slog.New(counter.WithAttrs([]slog.Attr{slog.String("component", "agent")}))

	derived.Debug("tool invoked", "tool", "exec")

	if got := counter.Snapshot(); got.ToolCalls != 1 {
		t.Errorf("derived handler did not feed shared counters: %+v", got)
	}
}
