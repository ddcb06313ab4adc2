package agent

import (
	"strings"
	"sync"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// Prompt budgets, sized at roughly four characters per token so the
// context stays predictable across models.
const (
	maxBrainContextChars = 1600
	maxPrinciplesChars   = 1200
	maxHistoryTurns      = 20
	summarySnippetChars  = 50
	summaryMaxSnippets   = 5
)

const summaryMarker = "(prior conversation summary:"

// clipAtNewline cuts s to at most max bytes, preferring the last
// newline before the limit so a section is never torn mid-line.
func clipAtNewline(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := strings.LastIndex(s[:max], "\n")
	if cut <= 0 {
		cut = max
	}
	return strings.TrimSpace(s[:cut])
}

// History keeps per-user conversation history inside the turn window.
// When the window overflows, the displaced oldest messages collapse
// into one synthetic summary turn built from the opening words of each
// displaced user message.
type History struct {
	mu       sync.Mutex
	maxTurns int
	sessions map[string][]providers.Message
}

func NewHistory(maxTurns int) *History {
	if maxTurns <= 0 {
		maxTurns = maxHistoryTurns
	}
	return &History{maxTurns: maxTurns, sessions: make(map[string][]providers.Message)}
}

func (h *History) Append(userID, userText, assistantText string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := append(h.sessions[userID],
		providers.Message{Role: "user", Content: userText},
		providers.Message{Role: "assistant", Content: assistantText},
	)
	if len(msgs) > h.maxTurns*2 {
		// The summary turn takes one slot, so displace two extra
		// messages to stay inside the window.
		msgs = collapse(msgs, len(msgs)-h.maxTurns*2+2)
	}
	h.sessions[userID] = msgs
}

// Messages returns a copy of the user's history, oldest first.
func (h *History) Messages(userID string) []providers.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	msgs := h.sessions[userID]
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	return out
}

func (h *History) Clear(userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, userID)
}

// collapse replaces the oldest n messages with a single summary turn.
func collapse(msgs []providers.Message, n int) []providers.Message {
	var snippets []string
	for _, m := range msgs[:n] {
		if m.Role != "user" || strings.HasPrefix(m.Content, summaryMarker) {
			continue
		}
		if len(snippets) >= summaryMaxSnippets {
			break
		}
		text := m.Content
		if len(text) > summarySnippetChars {
			text = text[:summarySnippetChars]
		}
		snippets = append(snippets, text)
	}
	summary := providers.Message{
		Role:    "user",
		Content: summaryMarker + " " + strings.Join(snippets, "; ") + ")",
	}
	out := []providers.Message{summary, {Role: "assistant", Content: "Noted."}}
	return append(out, msgs[n:]...)
}
