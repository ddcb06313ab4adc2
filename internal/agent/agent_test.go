package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/aide/internal/config"
	"github.com/nextlevelbuilder/aide/internal/memory"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/policy"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/tools"
	"github.com/nextlevelbuilder/aide/internal/workingmem"
)

// scriptedLLM replays canned responses in order. Intent and assessment
// calls are detected by prompt prefix so the script only has to cover
// the main loop.
type scriptedLLM struct {
	responses []*providers.ChatResponse
	calls     int
	intent    string
	err       error
}

func (s *scriptedLLM) Model(providers.Tier) string { return "claude-sonnet-4-5-20250929" }

func (s *scriptedLLM) ChatTier(_ context.Context, _ providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	if strings.HasPrefix(last, "Classify the user's message") {
		intent := s.intent
		if intent == "" {
			intent = `{"action": "chat", "confidence": 0.9}`
		}
		return &providers.ChatResponse{Content: intent, FinishReason: "stop"}, nil
	}
	if strings.HasPrefix(last, "You just drafted this reply") {
		return &providers.ChatResponse{Content: `{"confidence": "high"}`, FinishReason: "stop"}, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	if s.calls >= len(s.responses) {
		return &providers.ChatResponse{Content: "out of script", FinishReason: "stop"}, nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

type recordingTool struct {
	name  string
	calls []map[string]interface{}
	fail  bool
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool" }
func (r *recordingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (r *recordingTool) Execute(_ context.Context, args map[string]interface{}) *tools.Result {
	r.calls = append(r.calls, args)
	if r.fail {
		return tools.ErrorResult("delivery refused")
	}
	return tools.NewResult("done")
}

func newTestManager(t *testing.T, llm ChatClient, extra ...tools.Tool) *Manager {
	return newConfiguredManager(t, llm, nil, extra...)
}

func newConfiguredManager(t *testing.T, llm ChatClient, mod func(*Deps), extra ...tools.Tool) *Manager {
	t.Helper()
	dir := t.TempDir()
	brain, err := memory.Open(context.Background(), config.MemoryConfig{},
		filepath.Join(dir, "brain.db"), filepath.Join(dir, "brain_backup.jsonl"), memory.LocalHashEmbedder{})
	if err != nil {
		t.Fatalf("open brain: %v", err)
	}
	t.Cleanup(func() { brain.Close() })

	reg := tools.NewRegistry(0)
	for _, tool := range extra {
		reg.Register(tool)
	}
	d := Deps{
		LLM:      llm,
		Brain:    brain,
		Working:  workingmem.New(filepath.Join(dir, "working_memory.json")),
		Gate:     policy.NewGate(false),
		Outbox:   outbox.New(filepath.Join(dir, "outbox.json")),
		DLQ:      outbox.NewDeadLetter(filepath.Join(dir, "dead_letter_queue.json")),
		Registry: reg,
	}
	if mod != nil {
		mod(&d)
	}
	return NewManager(d)
}

func TestEmptyMessageIsNoOp(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{})
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "   ", Channel: "telegram", UserID: "u1"})
	if err != nil || reply != "" {
		t.Errorf("got (%q, %v), want empty no-op", reply, err)
	}
	if got := m.machineFor("u1", "telegram").State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestPlainChatTurn(t *testing.T) {
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{Content: "Hi there!", FinishReason: "stop", Model: "claude-sonnet-4-5-20250929"},
	}}
	m := newTestManager(t, llm)
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "hello", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Hi there!" {
		t.Errorf("reply = %q", reply)
	}
	if got := m.machineFor("u1", "telegram").State(); got != StateIdle {
		t.Errorf("state after turn = %s, want idle", got)
	}
	if len(m.history.Messages("u1")) != 2 {
		t.Errorf("history = %d messages, want 2", len(m.history.Messages("u1")))
	}
}

func TestToolLoopFeedsResultBack(t *testing.T) {
	tool := &recordingTool{name: "web_search"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "web_search", Arguments: map[string]interface{}{"query": "go release date"}}}, FinishReason: "tool_calls"},
		{Content: "Found it.", FinishReason: "stop"},
	}}
	m := newTestManager(t, llm, tool)
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "when was go released?", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "Found it." {
		t.Errorf("reply = %q", reply)
	}
	if len(tool.calls) != 1 {
		t.Fatalf("tool calls = %d, want 1", len(tool.calls))
	}
	if tool.calls[0]["_channel"] != "telegram" {
		t.Errorf("_channel = %v, want telegram", tool.calls[0]["_channel"])
	}
}

func TestIrreversibleNeedsApproval(t *testing.T) {
	tool := &recordingTool{name: "email"}
	send := map[string]interface{}{"op": "send", "to": "dana@example.com", "subject": "hi"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: send}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	msg := Message{Text: "email dana saying hi", Channel: "telegram", UserID: "u1"}

	reply, err := m.ProcessMessage(context.Background(), msg)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "dana@example.com") || !strings.Contains(reply, "yes") {
		t.Errorf("confirmation prompt = %q", reply)
	}
	if len(tool.calls) != 0 {
		t.Fatal("tool executed before approval")
	}
	if got := m.machineFor("u1", "telegram").State(); got != StateAwaitingApproval {
		t.Fatalf("state = %s, want awaiting_approval", got)
	}

	reply, err = m.ProcessMessage(context.Background(), Message{Text: "yes", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tool.calls) != 1 {
		t.Fatalf("tool calls after approval = %d, want 1", len(tool.calls))
	}
	if reply != "done" {
		t.Errorf("approved reply = %q", reply)
	}
}

func TestDeclineDropsPendingAction(t *testing.T) {
	tool := &recordingTool{name: "email"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: map[string]interface{}{"op": "send", "to": "x@y.z"}}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	msg := Message{Text: "send that email", Channel: "telegram", UserID: "u1"}

	if _, err := m.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "no, don't", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "leaving it alone") {
		t.Errorf("decline reply = %q", reply)
	}
	if len(tool.calls) != 0 {
		t.Error("tool executed despite decline")
	}
	if got := m.machineFor("u1", "telegram").State(); got != StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestApprovedSendIsDeduplicated(t *testing.T) {
	tool := &recordingTool{name: "email"}
	args := map[string]interface{}{"op": "send", "to": "dana@example.com", "body": "hi"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: args}}, FinishReason: "tool_calls"},
		{ToolCalls: []providers.ToolCall{{ID: "c2", Name: "email", Arguments: args}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	msg := Message{Text: "email dana hi", Channel: "telegram", UserID: "u1"}

	if _, err := m.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "yes", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	// Same proposal again: approval executes through the outbox, which
	// recognizes the key and skips the send.
	if _, err := m.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "yes", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(tool.calls) != 1 {
		t.Errorf("tool executed %d times, want 1 (duplicate suppressed)", len(tool.calls))
	}
	if !strings.Contains(reply, "already done") {
		t.Errorf("duplicate reply = %q", reply)
	}
}

func TestProviderErrorYieldsSanitizedApology(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("provider down: api_key=sk-secret1234567890 rejected")}
	m := newTestManager(t, llm)
	reply, err := m.ProcessMessage(context.Background(), Message{Text: "hello", Channel: "telegram", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(reply, "Sorry") {
		t.Errorf("reply = %q, want apology", reply)
	}
	if strings.Contains(reply, "sk-secret") {
		t.Errorf("credential leaked into user reply: %q", reply)
	}
	if got := m.machineFor("u1", "telegram").State(); got != StateIdle {
		t.Errorf("state = %s, want idle after failure", got)
	}
}

func TestCancelWithNothingRunning(t *testing.T) {
	m := newTestManager(t, &scriptedLLM{})
	reply, _ := m.ProcessMessage(context.Background(), Message{Text: "cancel", Channel: "telegram", UserID: "u1"})
	if !strings.Contains(reply, "Nothing in flight") {
		t.Errorf("reply = %q", reply)
	}
}

func TestCancelDropsAwaitingApproval(t *testing.T) {
	tool := &recordingTool{name: "email"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: map[string]interface{}{"op": "send", "to": "x@y.z"}}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "send it", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	reply, _ := m.ProcessMessage(context.Background(), Message{Text: "cancel", Channel: "telegram", UserID: "u1"})
	if !strings.Contains(reply, "Dropped") {
		t.Errorf("reply = %q", reply)
	}
	if len(tool.calls) != 0 {
		t.Error("tool executed despite cancel")
	}
}

func TestToolLoopBounded(t *testing.T) {
	tool := &recordingTool{name: "web_search"}
	loop := &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "c", Name: "web_search", Arguments: map[string]interface{}{"query": "more"}}},
		FinishReason: "tool_calls",
	}
	var responses []*providers.ChatResponse
	for i := 0; i < 20; i++ {
		responses = append(responses, loop)
	}
	m := newTestManager(t, &scriptedLLM{responses: responses}, tool)
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "search forever", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if len(tool.calls) != maxToolSteps {
		t.Errorf("tool calls = %d, want %d", len(tool.calls), maxToolSteps)
	}
}

func TestToolLoopBoundConfigurable(t *testing.T) {
	tool := &recordingTool{name: "web_search"}
	loop := &providers.ChatResponse{
		ToolCalls:    []providers.ToolCall{{ID: "c", Name: "web_search", Arguments: map[string]interface{}{"query": "more"}}},
		FinishReason: "tool_calls",
	}
	var responses []*providers.ChatResponse
	for i := 0; i < 10; i++ {
		responses = append(responses, loop)
	}
	m := newConfiguredManager(t, &scriptedLLM{responses: responses},
		func(d *Deps) { d.MaxToolSteps = 2 }, tool)
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "search forever", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if len(tool.calls) != 2 {
		t.Errorf("tool calls = %d, want 2", len(tool.calls))
	}
}

func TestTurnUpdatesWorkingMemory(t *testing.T) {
	llm := &scriptedLLM{
		intent: `{"action": "set_reminder", "confidence": 0.9}`,
		responses: []*providers.ChatResponse{
			{Content: "Got it.", FinishReason: "stop"},
		},
	}
	m := newTestManager(t, llm)
	text := "Actually, I meant Friday, and I prefer short updates asap. My timezone is America/New_York"
	if _, err := m.ProcessMessage(context.Background(), Message{Text: text, Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	summary := m.wm.Summary()
	if !strings.Contains(summary, "Active threads: set_reminder") {
		t.Errorf("thread not touched: %q", summary)
	}
	if !strings.Contains(summary, "Recent correction:") {
		t.Errorf("correction not recorded: %q", summary)
	}
	if !strings.Contains(summary, "stated:") {
		t.Errorf("preference not recorded: %q", summary)
	}
	if !strings.Contains(summary, "Be brief") {
		t.Errorf("urgent tone did not calibrate the register: %q", summary)
	}
	if got := m.wm.Timezone(); got != "America/New_York" {
		t.Errorf("timezone = %q, want America/New_York", got)
	}
}

func TestBogusTimezoneIgnored(t *testing.T) {
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{Content: "Noted.", FinishReason: "stop"},
	}}
	m := newTestManager(t, llm)
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "my timezone is Narnia/Lantern_Waste", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if got := m.wm.Timezone(); got != "" {
		t.Errorf("timezone = %q, want unset for an unknown zone", got)
	}
}

func TestApprovalClosesOpenLoop(t *testing.T) {
	tool := &recordingTool{name: "email"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: map[string]interface{}{"op": "send", "to": "dana@example.com"}}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	msg := Message{Text: "email dana", Channel: "telegram", UserID: "u1"}

	if _, err := m.ProcessMessage(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(m.wm.Summary(), "Unfinished:") {
		t.Fatalf("parked proposal not tracked as an open loop: %q", m.wm.Summary())
	}
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "yes", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(m.wm.Summary(), "Unfinished:") {
		t.Errorf("open loop survived approval: %q", m.wm.Summary())
	}
}

func TestDeclineClosesOpenLoop(t *testing.T) {
	tool := &recordingTool{name: "email"}
	llm := &scriptedLLM{responses: []*providers.ChatResponse{
		{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "email", Arguments: map[string]interface{}{"op": "send", "to": "dana@example.com"}}}, FinishReason: "tool_calls"},
	}}
	m := newTestManager(t, llm, tool)
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "email dana", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ProcessMessage(context.Background(), Message{Text: "no, don't", Channel: "telegram", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(m.wm.Summary(), "Unfinished:") {
		t.Errorf("open loop survived decline: %q", m.wm.Summary())
	}
}
