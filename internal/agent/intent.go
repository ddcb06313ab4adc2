package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// Intent is the classifier's verdict on what the user wants.
type Intent struct {
	Action     string                 `json:"action"`
	Confidence float64                `json:"confidence"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

const confidenceThreshold = 0.6

// intentActions is the closed vocabulary. Anything the classifier
// invents outside it is coerced to plain chat.
var intentActions = map[string]bool{
	"chat":           true,
	"read_calendar":  true,
	"write_calendar": true,
	"read_email":     true,
	"send_email":     true,
	"post_social":    true,
	"set_reminder":   true,
	"run_task":       true,
	"search_web":     true,
	"memory_query":   true,
	"cancel":         true,
}

const intentPrompt = `Classify the user's message into exactly one action:
chat, read_calendar, write_calendar, read_email, send_email, post_social,
set_reminder, run_task, search_web, memory_query, cancel.

Reply with JSON only: {"action": "...", "confidence": 0.0-1.0, "parameters": {}}

Message: %s`

// classifyIntent runs the small model first and escalates to the
// default tier when it is unsure. Failures degrade to chat: the main
// loop still sees the full message.
func (m *Manager) classifyIntent(ctx context.Context, text string) Intent {
	intent, err := m.classifyWith(ctx, providers.TierIntent, text)
	if err != nil {
		slog.Debug("intent classification failed, treating as chat", "error", err)
		return Intent{Action: "chat"}
	}
	if intent.Confidence < m.intentThreshold {
		escalated, err := m.classifyWith(ctx, providers.TierDefault, text)
		if err == nil && escalated.Confidence > intent.Confidence {
			return escalated
		}
	}
	return intent
}

func (m *Manager) classifyWith(ctx context.Context, tier providers.Tier, text string) (Intent, error) {
	resp, err := m.llm.ChatTier(ctx, tier, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(intentPrompt, text)}},
	})
	if err != nil {
		return Intent{}, err
	}
	return parseIntent(resp.Content)
}

// parseIntent digs the JSON object out of the reply; models decorate.
func parseIntent(content string) (Intent, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Intent{}, fmt.Errorf("no JSON object in %q", content)
	}
	var intent Intent
	if err := json.Unmarshal([]byte(content[start:end+1]), &intent); err != nil {
		return Intent{}, err
	}
	if !intentActions[intent.Action] {
		intent.Action = "chat"
	}
	if intent.Confidence < 0 {
		intent.Confidence = 0
	}
	if intent.Confidence > 1 {
		intent.Confidence = 1
	}
	return intent, nil
}
