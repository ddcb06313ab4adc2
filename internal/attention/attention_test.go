package attention

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/contacts"
	"github.com/nextlevelbuilder/aide/internal/memory"
	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/patterns"
	"github.com/nextlevelbuilder/aide/internal/providers"
)

type fakeLLM struct {
	content string
	err     error
}

func (f *fakeLLM) ChatTier(context.Context, providers.Tier, providers.ChatRequest) (*providers.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &providers.ChatResponse{Content: f.content}, nil
}

type capturingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *capturingNotifier) Notify(_ context.Context, text string, _ notify.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func (n *capturingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sent)
}

func (n *capturingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1]
}

func newTestEngine(t *testing.T, llm ChatClient) (*Engine, *capturingNotifier) {
	t.Helper()
	dir := t.TempDir()
	brain, err := memory.Open(context.Background(), config.MemoryConfig{},
		filepath.Join(dir, "brain.db"), filepath.Join(dir, "backup.jsonl"), memory.LocalHashEmbedder{})
	if err != nil {
		t.Fatalf("open brain: %v", err)
	}
	t.Cleanup(func() { brain.Close() })

	contactLog := contacts.NewLog(filepath.Join(dir, "contacts.json"))
	if err := contactLog.Touch("Maria", "telegram", "the launch plan"); err != nil {
		t.Fatal(err)
	}

	notifier := &capturingNotifier{}
	e := New(Deps{
		LLM:      llm,
		Brain:    brain,
		Patterns: patterns.NewStore(filepath.Join(dir, "patterns.json")),
		Contacts: contactLog,
		Notifier: notifier,
		LogPath:  filepath.Join(dir, "attention_log.json"),
		Location: time.UTC,
	})
	e.now = func() time.Time { return time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC) }
	return e, notifier
}

func TestRunOnceSendsSanitizedObservations(t *testing.T) {
	llm := &fakeLLM{content: "- Maria is waiting on [the launch plan](https://example.com/doc)\n- Check https://example.com today"}
	e, notifier := newTestEngine(t, llm)

	e.RunOnce(context.Background())

	if notifier.count() != 1 {
		t.Fatalf("got %d notifications, want 1", notifier.count())
	}
	got := notifier.last()
	if strings.Contains(got, "http") || strings.Contains(got, "](") {
		t.Errorf("links should be stripped: %q", got)
	}
	if !strings.Contains(got, "Maria") {
		t.Errorf("observation content lost: %q", got)
	}
}

func TestRunOnceSuppressesRepeats(t *testing.T) {
	llm := &fakeLLM{content: "Maria is waiting on the launch plan"}
	e, notifier := newTestEngine(t, llm)

	e.RunOnce(context.Background())
	e.RunOnce(context.Background())

	if notifier.count() != 1 {
		t.Errorf("duplicate observation within 24h resent: %d notifications", notifier.count())
	}
}

func TestRunOnceStaysQuietOnNothing(t *testing.T) {
	e, notifier := newTestEngine(t, &fakeLLM{content: "NOTHING"})

	e.RunOnce(context.Background())

	if notifier.count() != 0 {
		t.Errorf("NOTHING reply should not notify, got %q", notifier.last())
	}
}

func TestRunOnceSwallowsModelFailure(t *testing.T) {
	e, notifier := newTestEngine(t, &fakeLLM{err: context.DeadlineExceeded})

	e.RunOnce(context.Background())

	if notifier.count() != 0 {
		t.Errorf("model failure should be silent, got %q", notifier.last())
	}
}

func TestPurposeMode(t *testing.T) {
	cases := []struct {
		at   time.Time
		want string
	}{
		{time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC), "weekly look-ahead"}, // Monday morning
		{time.Date(2026, 8, 25, 8, 0, 0, 0, time.UTC), "morning briefing"},
		{time.Date(2026, 8, 25, 19, 0, 0, 0, time.UTC), "evening summary"},
		{time.Date(2026, 8, 25, 13, 0, 0, 0, time.UTC), "curiosity scan"},
	}
	for _, c := range cases {
		if got := purposeMode(c.at); got != c.want {
			t.Errorf("purposeMode(%s) = %q, want %q", c.at, got, c.want)
		}
	}
}

func TestSanitizeObservationCapsLength(t *testing.T) {
	long := strings.Repeat("a", 400)
	if got := sanitizeObservation(long); len(got) != maxObsChars {
		t.Errorf("got %d chars, want %d", len(got), maxObsChars)
	}
}
