package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// assessment is the post-hoc quality check on a drafted reply.
type assessment struct {
	Confidence string   `json:"confidence"` // high, medium, low
	WeakAreas  []string `json:"weak_areas,omitempty"`
	Suggestion string   `json:"suggestion,omitempty"`
}

const assessPrompt = `You just drafted this reply:

%s

Rate your confidence that it fully answers the user. Reply with JSON only:
{"confidence": "high"|"medium"|"low", "weak_areas": [], "suggestion": ""}`

const digDeeperSuffix = "\n\nWant me to dig deeper into any of this?"

// selfAssess appends a soft offer to continue only when the model
// rates its own reply low. Failures are swallowed: assessment is
// advisory, never blocking.
func (m *Manager) selfAssess(ctx context.Context, reply string) string {
	resp, err := m.llm.ChatTier(ctx, providers.TierIntent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(assessPrompt, reply)}},
	})
	if err != nil {
		return reply
	}
	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return reply
	}
	var a assessment
	if json.Unmarshal([]byte(resp.Content[start:end+1]), &a) != nil {
		return reply
	}
	if a.Confidence == "low" {
		return reply + digDeeperSuffix
	}
	return reply
}
