package agent

import (
	"context"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// echoLLM replies with the user's own text so ordering is observable.
type echoLLM struct{}

func (echoLLM) Model(providers.Tier) string { return "claude-sonnet-4-5-20250929" }

func (echoLLM) ChatTier(_ context.Context, _ providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	if len(last) > 8 && last[:8] == "Classify" {
		return &providers.ChatResponse{Content: `{"action": "chat", "confidence": 0.9}`}, nil
	}
	if len(last) > 8 && last[:8] == "You just" {
		return &providers.ChatResponse{Content: `{"confidence": "high"}`}, nil
	}
	// Echo the most recent user message.
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return &providers.ChatResponse{Content: req.Messages[i].Content, FinishReason: "stop"}, nil
		}
	}
	return &providers.ChatResponse{Content: "?", FinishReason: "stop"}, nil
}

func TestDispatcherKeepsLaneOrder(t *testing.T) {
	m := newTestManager(t, echoLLM{})
	d := NewDispatcher(m)

	var mu sync.Mutex
	var replies []string
	deliver := func(reply string) {
		mu.Lock()
		replies = append(replies, reply)
		mu.Unlock()
	}

	for _, text := range []string{"first", "second", "third"} {
		d.Submit(context.Background(), Message{Text: text, Channel: "telegram", UserID: "u1"}, deliver)
	}
	d.Close()

	want := []string{"first", "second", "third"}
	if len(replies) != len(want) {
		t.Fatalf("replies = %v", replies)
	}
	for i := range want {
		if replies[i] != want[i] {
			t.Errorf("replies[%d] = %q, want %q", i, replies[i], want[i])
		}
	}
}

func TestDispatcherSeparateLanesBothComplete(t *testing.T) {
	m := newTestManager(t, echoLLM{})
	d := NewDispatcher(m)

	var mu sync.Mutex
	got := map[string]bool{}
	deliver := func(reply string) {
		mu.Lock()
		got[reply] = true
		mu.Unlock()
	}

	d.Submit(context.Background(), Message{Text: "from telegram", Channel: "telegram", UserID: "u1"}, deliver)
	d.Submit(context.Background(), Message{Text: "from discord", Channel: "discord", UserID: "u1"}, deliver)
	d.Close()

	if !got["from telegram"] || !got["from discord"] {
		t.Errorf("replies = %v, want both channels served", got)
	}
}

func TestDispatcherRejectsAfterClose(t *testing.T) {
	m := newTestManager(t, echoLLM{})
	d := NewDispatcher(m)
	d.Close()

	delivered := false
	d.Submit(context.Background(), Message{Text: "late", Channel: "telegram", UserID: "u1"}, func(string) { delivered = true })
	if delivered {
		t.Error("message processed after Close")
	}
}
