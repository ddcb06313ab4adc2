// Package notify delivers proactive messages to the principal. It
// chunks at the transport limit and never returns an error to callers:
// a notification that cannot be delivered is logged and dropped, never
// allowed to break the loop that produced it.
package notify

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

// Level tags a notification for prefixing and log severity.
type Level string

const (
	Info    Level = "info"
	Warning Level = "warning"
	Error   Level = "error"
	Success Level = "success"
)

var levelPrefix = map[Level]string{
	Warning: "⚠️ ",
	Error:   "❌ ",
	Success: "✅ ",
}

// TelegramChunkLimit is Telegram's hard message size.
const TelegramChunkLimit = 4096

// SendFunc delivers one chunk to the principal's primary transport.
type SendFunc func(ctx context.Context, text string) error

// Notifier is the outbound side-channel used by reminders, the task
// runner, attention, digest, and self-heal.
type Notifier interface {
	Notify(ctx context.Context, text string, level Level)
}

// ChunkedNotifier splits long messages at the transport limit,
// preferring newline boundaries.
type ChunkedNotifier struct {
	send  SendFunc
	limit int
}

func NewChunked(send SendFunc, limit int) *ChunkedNotifier {
	if limit <= 0 {
		limit = TelegramChunkLimit
	}
	return &ChunkedNotifier{send: send, limit: limit}
}

func (n *ChunkedNotifier) Notify(ctx context.Context, text string, level Level) {
	if strings.TrimSpace(text) == "" {
		return
	}
	text = levelPrefix[level] + text

	for _, chunk := range SplitChunks(text, n.limit) {
		if err := n.send(ctx, chunk); err != nil {
			slog.Error("notify: delivery failed", "level", level, "error", err, "chars", len(chunk))
			return
		}
	}
	if level == Error {
		slog.Error("notify: delivered error notification", "text", text)
	}
}

// SplitChunks breaks text into pieces no longer than limit bytes,
// cutting at the last newline inside the window when one exists and
// never splitting a UTF-8 rune.
func SplitChunks(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := limit
		if idx := strings.LastIndex(text[:limit], "\n"); idx > limit/2 {
			cut = idx
		}
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// Discard is a Notifier that drops everything. Used in tests and when
// no transport is configured.
type Discard struct{}

func (Discard) Notify(context.Context, string, Level) {}
