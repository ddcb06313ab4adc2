package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/aide/internal/memory"
)

// MemoryQueryTool searches the brain on the current channel. The
// channel comes from the conversation context, not the model, so a
// prompt-injected query can never read another channel's store.
type MemoryQueryTool struct {
	brain *memory.Brain
}

func NewMemoryQueryTool(brain *memory.Brain) *MemoryQueryTool {
	return &MemoryQueryTool{brain: brain}
}

func (t *MemoryQueryTool) Name() string { return "memory_query" }

func (t *MemoryQueryTool) Description() string {
	return "Search long-term memory for facts, preferences, people, and past conversation on this channel."
}

func (t *MemoryQueryTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
		},
		"required": []string{"query"},
	}
}

func (t *MemoryQueryTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return ErrorResult("query is required")
	}
	channel, _ := args["_channel"].(string)

	results := t.brain.Query(ctx, query, channel, 8)
	if len(results) == 0 {
		return NewResult("nothing relevant in memory")
	}
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "- %s\n", r.Text)
	}
	return SilentResult(strings.TrimSpace(sb.String()))
}

// MemoryStoreTool files a fact into the collective memory.
type MemoryStoreTool struct {
	brain *memory.Brain
}

func NewMemoryStoreTool(brain *memory.Brain) *MemoryStoreTool {
	return &MemoryStoreTool{brain: brain}
}

func (t *MemoryStoreTool) Name() string { return "memory_store" }

func (t *MemoryStoreTool) Description() string {
	return "Remember something durable about the principal. Kind is one of identity, preference, contact."
}

func (t *MemoryStoreTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"kind": map[string]interface{}{"type": "string", "enum": []string{"identity", "preference", "contact"}},
			"text": map[string]interface{}{"type": "string"},
			"key":  map[string]interface{}{"type": "string", "description": "identity aspect or contact name"},
		},
		"required": []string{"kind", "text"},
	}
}

func (t *MemoryStoreTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	kind, _ := args["kind"].(string)
	text, _ := args["text"].(string)
	key, _ := args["key"].(string)
	if strings.TrimSpace(text) == "" {
		return ErrorResult("text is required")
	}

	var err error
	switch kind {
	case "identity":
		if key == "" {
			return ErrorResult("identity needs a key (the aspect)")
		}
		err = t.brain.RememberIdentity(ctx, key, text)
	case "preference":
		err = t.brain.RememberPreference(ctx, text)
	case "contact":
		if key == "" {
			return ErrorResult("contact needs a key (the name)")
		}
		err = t.brain.RememberContact(ctx, key, text)
	default:
		return ErrorResult(fmt.Sprintf("unknown memory kind %q", kind))
	}
	if err != nil {
		return ErrorResult(fmt.Sprintf("store failed: %v", err)).WithError(err)
	}
	return SilentResult("remembered")
}
