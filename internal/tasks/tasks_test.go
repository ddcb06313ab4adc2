package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/policy"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/tools"
)

type capturingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (c *capturingNotifier) Notify(_ context.Context, text string, _ notify.Level) {
	c.mu.Lock()
	c.messages = append(c.messages, text)
	c.mu.Unlock()
}

func (c *capturingNotifier) find(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}

type recordingTool struct {
	name  string
	calls int
}

func (r *recordingTool) Name() string        { return r.name }
func (r *recordingTool) Description() string { return "test tool" }
func (r *recordingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (r *recordingTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	r.calls++
	return tools.NewResult("looked it up")
}

// plannerLLM routes prompts by their opening line: planning, critic,
// and hint prompts get canned answers; everything else walks the exec
// script.
type plannerLLM struct {
	plan   string
	critic string
	exec   []*providers.ChatResponse
	idx    int
}

func (p *plannerLLM) ChatTier(_ context.Context, _ providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.HasPrefix(last, "Break this goal"):
		return &providers.ChatResponse{Content: p.plan}, nil
	case strings.HasPrefix(last, "Evaluate how well"):
		return &providers.ChatResponse{Content: p.critic}, nil
	case strings.HasPrefix(last, "This step of a background task failed"):
		return &providers.ChatResponse{Content: "try something else"}, nil
	}
	if p.idx >= len(p.exec) {
		return &providers.ChatResponse{Content: "nothing left"}, nil
	}
	resp := p.exec[p.idx]
	p.idx++
	return resp, nil
}

func newTestRunner(t *testing.T, llm ChatClient, n notify.Notifier, toolset ...tools.Tool) (*Runner, *Queue) {
	t.Helper()
	dir := t.TempDir()
	reg := tools.NewRegistry(0)
	for _, tool := range toolset {
		reg.Register(tool)
	}
	queue := NewQueue(filepath.Join(dir, "task_queue.json"))
	r := NewRunner(Deps{
		Queue:     queue,
		Episodes:  NewEpisodes(filepath.Join(dir, "episodes.json")),
		Templates: NewTemplates(filepath.Join(dir, "templates.json")),
		LLM:       llm,
		Registry:  reg,
		Gate:      policy.NewGate(false),
		Outbox:    outbox.New(filepath.Join(dir, "outbox.json")),
		DLQ:       outbox.NewDeadLetter(filepath.Join(dir, "dlq.json")),
		Notifier:  n,
		TaskDir:   filepath.Join(dir, "tasks"),
	})
	r.sleep = func(context.Context, time.Duration) {}
	r.grace = 0
	return r, queue
}

func TestQueueFIFOAndCancel(t *testing.T) {
	q := NewQueue(filepath.Join(t.TempDir(), "queue.json"))
	first, err := q.Enqueue("find flights", "telegram")
	if err != nil {
		t.Fatal(err)
	}
	second, _ := q.Enqueue("book hotel", "telegram")

	task, ok := q.DequeueNext()
	if !ok || task.ID != first {
		t.Fatalf("dequeued %+v, want %s", task, first)
	}
	if status, _ := q.Status(first); status != "running" {
		t.Errorf("status = %s, want running", status)
	}

	if err := q.Cancel(second); err != nil {
		t.Fatal(err)
	}
	if status, _ := q.Status(second); status != "failed" {
		t.Errorf("cancelled status = %s, want failed", status)
	}
	if _, ok := q.DequeueNext(); ok {
		t.Error("cancelled task was dequeued")
	}
	if _, err := q.Status("nope"); err == nil {
		t.Error("unknown id accepted")
	}
}

func TestEpisodeSuccessRates(t *testing.T) {
	e := NewEpisodes(filepath.Join(t.TempDir(), "episodes.json"))
	for i := 0; i < 3; i++ {
		e.Record(Episode{Tool: "web_search", Success: true})
	}
	e.Record(Episode{Tool: "web_search", Success: false})
	e.Record(Episode{Tool: "email", Success: false})

	rates := e.SuccessRates(50)
	if rates["web_search"] != 0.75 {
		t.Errorf("web_search rate = %v, want 0.75", rates["web_search"])
	}
	if rates["email"] != 0 {
		t.Errorf("email rate = %v, want 0", rates["email"])
	}
	if _, ok := rates["calendar"]; ok {
		t.Error("unused tool has a rate")
	}
}

func TestTemplatesReplaceSameGoal(t *testing.T) {
	tpl := NewTemplates(filepath.Join(t.TempDir(), "templates.json"))
	if err := tpl.Store("Plan My Week", []Subtask{{Description: "v1"}}, 0.8); err != nil {
		t.Fatal(err)
	}
	if err := tpl.Store("plan  my week", []Subtask{{Description: "v2"}}, 0.9); err != nil {
		t.Fatal(err)
	}
	got, ok := tpl.Lookup("PLAN MY WEEK")
	if !ok || len(got) != 1 || got[0].Description != "v2" {
		t.Errorf("lookup = %+v, %v", got, ok)
	}
}

func TestValidatePlan(t *testing.T) {
	search := &recordingTool{name: "web_search"}
	r, _ := newTestRunner(t, &plannerLLM{}, notify.Discard{}, search)

	plan, err := r.validatePlan([]Subtask{
		{Description: "look", ToolHints: []string{"web_search", "imaginary"}, ModelTier: "turbo"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(plan[0].ToolHints) != 1 || plan[0].ToolHints[0] != "web_search" {
		t.Errorf("hints = %v, want unknown dropped", plan[0].ToolHints)
	}
	if plan[0].ModelTier != "flash" {
		t.Errorf("tier = %s, want coerced to flash", plan[0].ModelTier)
	}

	if _, err := r.validatePlan([]Subtask{{Description: "x", ToolHints: []string{"imaginary"}}}); err == nil {
		t.Error("plan with only unknown tools accepted")
	}
	if _, err := r.validatePlan(nil); err == nil {
		t.Error("empty plan accepted")
	}
}

func TestProcessHappyPath(t *testing.T) {
	search := &recordingTool{name: "web_search"}
	llm := &plannerLLM{
		plan: `[{"description": "look up the weather", "tool_hints": ["web_search"], "model_tier": "flash", "reversible": true}]`,
		critic: `{"score": 0.9, "passed": true}`,
		exec: []*providers.ChatResponse{
			{ToolCalls: []providers.ToolCall{{ID: "c1", Name: "web_search", Arguments: map[string]interface{}{"query": "weather"}}}},
			{Content: "Sunny all week."},
		},
	}
	n := &capturingNotifier{}
	r, q := newTestRunner(t, llm, n, search)

	id, _ := q.Enqueue("check the weather", "telegram")
	task, _ := q.DequeueNext()
	r.Process(context.Background(), task)

	if status, _ := q.Status(id); status != "done" {
		t.Errorf("status = %s, want done", status)
	}
	if search.calls != 1 {
		t.Errorf("tool calls = %d, want 1", search.calls)
	}
	if !n.find("Starting task") {
		t.Error("plan never announced")
	}
	if !n.find("report") {
		t.Error("report never delivered")
	}

	data, err := os.ReadFile(filepath.Join(r.taskDir, id+".txt"))
	if err != nil {
		t.Fatalf("report file: %v", err)
	}
	if !strings.Contains(string(data), "Sunny all week") {
		t.Errorf("report missing output: %s", data)
	}

	if _, ok := r.templates.Lookup("check the weather"); !ok {
		t.Error("high-scoring plan not stored as template")
	}
	eps := r.episodes.Recent(10)
	if len(eps) != 1 || !eps[0].Success || eps[0].Tool != "web_search" {
		t.Errorf("episodes = %+v", eps)
	}
}

func TestProcessCancelledDuringGrace(t *testing.T) {
	search := &recordingTool{name: "web_search"}
	llm := &plannerLLM{
		plan:   `[{"description": "send the announcement", "tool_hints": ["web_search"], "model_tier": "flash", "reversible": false}]`,
		critic: `{"score": 1, "passed": true}`,
	}
	n := &capturingNotifier{}
	r, q := newTestRunner(t, llm, n, search)

	id, _ := q.Enqueue("announce the launch", "telegram")
	task, _ := q.DequeueNext()
	// The user cancels while the grace window is open.
	r.sleep = func(context.Context, time.Duration) { q.Cancel(id) }
	r.Process(context.Background(), task)

	if search.calls != 0 {
		t.Error("irreversible step ran despite cancellation")
	}
	if !n.find("cancelled during the grace window") {
		t.Errorf("messages = %v", n.messages)
	}
	if status, _ := q.Status(id); status != "failed" {
		t.Errorf("status = %s, want failed", status)
	}
}

// hintLLM fails the exec path a fixed number of times with a permanent
// error, then succeeds. Hint prompts are counted.
type hintLLM struct {
	failures int
	calls    int
	hints    int
}

func (h *hintLLM) ChatTier(_ context.Context, _ providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	if strings.HasPrefix(last, "This step of a background task failed") {
		h.hints++
		return &providers.ChatResponse{Content: "narrow the search"}, nil
	}
	h.calls++
	if h.calls <= h.failures {
		return nil, errors.New("model rejected the request")
	}
	// The hint must have been threaded into the retry.
	if h.hints > 0 && !strings.Contains(last, "narrow the search") {
		return nil, fmt.Errorf("retry missing hint: %q", last)
	}
	return &providers.ChatResponse{Content: "recovered"}, nil
}

func TestRetriesWithHint(t *testing.T) {
	llm := &hintLLM{failures: 2}
	r, q := newTestRunner(t, llm, notify.Discard{})
	id, _ := q.Enqueue("goal", "telegram")
	task, _ := q.Get(id)

	out, err := r.runWithRetries(context.Background(), task, Subtask{Description: "fetch the data"})
	if err != nil {
		t.Fatal(err)
	}
	if out != "recovered" {
		t.Errorf("output = %q", out)
	}
	if llm.calls != 3 {
		t.Errorf("exec calls = %d, want 3", llm.calls)
	}
	if llm.hints == 0 {
		t.Error("no hint requested for permanent failure")
	}
}

// redelegatingLLM fails the planned step outright so the runner has to
// ask for an alternative, which then succeeds.
type redelegatingLLM struct{}

func (redelegatingLLM) ChatTier(_ context.Context, _ providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error) {
	last := req.Messages[len(req.Messages)-1].Content
	switch {
	case strings.HasPrefix(last, "Break this goal"):
		return &providers.ChatResponse{Content: `[{"description": "pull the latest figures", "model_tier": "flash", "reversible": true}]`}, nil
	case strings.HasPrefix(last, "Evaluate how well"):
		return &providers.ChatResponse{Content: `{"score": 0.2, "passed": true}`}, nil
	case strings.Contains(last, "Propose one alternative"):
		return &providers.ChatResponse{Content: `{"description": "use the cached figures instead", "model_tier": "flash", "reversible": true}`}, nil
	case strings.HasPrefix(last, "This step of a background task failed"):
		return &providers.ChatResponse{Content: "try the cache"}, nil
	case strings.Contains(last, "use the cached figures"):
		return &providers.ChatResponse{Content: "pulled from cache"}, nil
	default:
		return nil, errors.New("source unavailable")
	}
}

func TestFailedStepReDelegatedToAlternative(t *testing.T) {
	n := &capturingNotifier{}
	r, q := newTestRunner(t, redelegatingLLM{}, n)
	r.retries = 1

	id, _ := q.Enqueue("summarize the quarterly figures", "telegram")
	task, _ := q.DequeueNext()
	r.Process(context.Background(), task)

	if status, _ := q.Status(id); status != "done" {
		t.Errorf("status = %s, want done via the alternative", status)
	}
	data, err := os.ReadFile(filepath.Join(r.taskDir, id+"_audit.json"))
	if err != nil {
		t.Fatalf("audit file: %v", err)
	}
	var entries []auditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if !entries[0].ReDelegated {
		t.Error("alternative run not flagged in the audit log")
	}
	if !entries[0].Success {
		t.Errorf("entry = %+v, want success", entries[0])
	}
}

func TestConfiguredRetryBudget(t *testing.T) {
	llm := &hintLLM{failures: 5}
	r, q := newTestRunner(t, llm, notify.Discard{})
	r.retries = 2
	id, _ := q.Enqueue("goal", "telegram")
	task, _ := q.Get(id)

	if _, err := r.runWithRetries(context.Background(), task, Subtask{Description: "fetch the data"}); err == nil {
		t.Fatal("expected failure after exhausting attempts")
	}
	if llm.calls != 2 {
		t.Errorf("exec calls = %d, want 2", llm.calls)
	}
}

func TestReportChunkLimitConfigurable(t *testing.T) {
	n := &capturingNotifier{}
	r, _ := newTestRunner(t, &plannerLLM{}, n)
	r.chunkLimit = 40

	r.deliverReport(context.Background(), "t1", strings.Repeat("result line\n", 20))

	n.mu.Lock()
	count := len(n.messages)
	n.mu.Unlock()
	if count < 2 {
		t.Fatalf("messages = %d, want the report split across chunks", count)
	}
	if !n.find("(continued") {
		t.Error("continuation chunks missing the marker")
	}
}

func TestPlanningFailureFailsTask(t *testing.T) {
	llm := &plannerLLM{plan: "I cannot plan that, sorry"}
	n := &capturingNotifier{}
	r, q := newTestRunner(t, llm, n)
	id, _ := q.Enqueue("impossible goal", "telegram")
	task, _ := q.DequeueNext()
	r.Process(context.Background(), task)

	if status, _ := q.Status(id); status != "failed" {
		t.Errorf("status = %s, want failed", status)
	}
	if !n.find("failed") {
		t.Error("failure never reported")
	}
}
