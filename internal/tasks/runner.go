package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/policy"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/statefile"
	"github.com/nextlevelbuilder/aide/internal/tools"
)

const (
	pollInterval    = 15 * time.Second
	graceWindow     = 10 * time.Second
	maxSubtaskSteps = 8
	maxAttempts     = 3
	scoreThreshold  = 0.7
	priorWindow     = 50
)

// ChatClient is the slice of the model router the runner needs.
type ChatClient interface {
	ChatTier(ctx context.Context, tier providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error)
}

// Deps wires the runner to the rest of the system.
type Deps struct {
	Queue     *Queue
	Episodes  *Episodes
	Templates *Templates
	LLM       ChatClient
	Registry  *tools.Registry
	Gate      *policy.Gate
	Outbox    *outbox.Outbox
	DLQ       *outbox.DeadLetter
	Notifier  notify.Notifier // primary transport
	WhatsApp  notify.SendFunc // optional condensed copy
	TaskDir   string          // reports and audit logs live here

	// Tuning. Zero values fall back to the package defaults.
	Poll       time.Duration // queue poll interval
	Grace      time.Duration // cancel window before an irreversible step
	Retries    int           // attempts per subtask
	ChunkLimit int           // report chunk size for delivery
}

// Runner processes queued tasks one at a time. Single writer: a task
// runs to completion before the next is picked up, so two tasks can
// never interleave side effects.
type Runner struct {
	queue     *Queue
	episodes  *Episodes
	templates *Templates
	llm       ChatClient
	registry  *tools.Registry
	gate      *policy.Gate
	outbox    *outbox.Outbox
	dlq       *outbox.DeadLetter
	notifier  notify.Notifier
	whatsapp  notify.SendFunc
	taskDir   string

	poll       time.Duration
	grace      time.Duration
	retries    int
	chunkLimit int
	sleep      func(ctx context.Context, d time.Duration)
}

func NewRunner(d Deps) *Runner {
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	poll := d.Poll
	if poll <= 0 {
		poll = pollInterval
	}
	grace := d.Grace
	if grace <= 0 {
		grace = graceWindow
	}
	retries := d.Retries
	if retries <= 0 {
		retries = maxAttempts
	}
	chunkLimit := d.ChunkLimit
	if chunkLimit <= 0 {
		chunkLimit = reportChunkLimit
	}
	return &Runner{
		queue:      d.Queue,
		episodes:   d.Episodes,
		templates:  d.Templates,
		llm:        d.LLM,
		registry:   d.Registry,
		gate:       d.Gate,
		outbox:     d.Outbox,
		dlq:        d.DLQ,
		notifier:   notifier,
		whatsapp:   d.WhatsApp,
		taskDir:    d.TaskDir,
		poll:       poll,
		grace:      grace,
		retries:    retries,
		chunkLimit: chunkLimit,
		sleep:      sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// Run polls the queue until the context ends. Errors never kill the
// loop: a failed task is recorded and the runner moves on.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("task runner started", "poll", r.poll)
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("task runner stopped")
			return
		case <-ticker.C:
			for {
				task, ok := r.queue.DequeueNext()
				if !ok {
					break
				}
				r.Process(ctx, task)
			}
		}
	}
}

type auditEntry struct {
	Step        int       `json:"step"`
	Description string    `json:"description"`
	Tool        string    `json:"tool,omitempty"`
	Outcome     string    `json:"outcome"`
	Success     bool      `json:"success"`
	ReDelegated bool      `json:"re_delegated,omitempty"`
	At          time.Time `json:"at"`
}

// Process runs one task end to end: plan, execute, critique, report.
func (r *Runner) Process(ctx context.Context, task Task) {
	slog.Info("task started", "task", task.ID, "goal", task.Goal)
	r.gate.ResetRun()

	plan, reused := r.templates.Lookup(task.Goal)
	if !reused {
		var err error
		plan, err = r.decompose(ctx, task.Goal, r.episodes.SuccessRates(priorWindow))
		if err != nil {
			slog.Error("task planning failed", "task", task.ID, "error", err)
			r.finish(ctx, task, StatusFailed, fmt.Sprintf("planning failed: %v", err))
			return
		}
	}

	irreversible := 0
	for _, st := range plan {
		if !st.Reversible {
			irreversible++
		}
	}
	announcement := fmt.Sprintf("Starting task %s: %s\nPlan: %d steps", task.ID, task.Goal, len(plan))
	if reused {
		announcement += " (reusing a plan that worked before)"
	}
	if irreversible > 0 {
		announcement += fmt.Sprintf("\n%d step(s) have external side effects; say \"cancel\" to stop.", irreversible)
	}
	r.notifier.Notify(ctx, announcement, notify.Info)

	audit := statefile.New[[]auditEntry](filepath.Join(r.taskDir, task.ID+"_audit.json"))
	var outputs []string
	failures := 0

	for i, st := range plan {
		if r.cancelled(task.ID) {
			r.notifier.Notify(ctx, fmt.Sprintf("Task %s cancelled before step %d.", task.ID, i+1), notify.Warning)
			return
		}
		if !st.Reversible {
			r.notifier.Notify(ctx, fmt.Sprintf(
				"Task %s step %d is about to: %s\nStarting in %s unless you cancel.",
				task.ID, i+1, st.Description, r.grace), notify.Warning)
			r.sleep(ctx, r.grace)
			if r.cancelled(task.ID) {
				r.notifier.Notify(ctx, fmt.Sprintf("Task %s cancelled during the grace window.", task.ID), notify.Warning)
				return
			}
		}

		output, err := r.runWithRetries(ctx, task, st)
		redelegated := false
		if err != nil {
			// One alternative approach, then give up on this step.
			if alt, aerr := r.alternative(ctx, task.Goal, st, err.Error()); aerr == nil {
				redelegated = true
				output, err = r.runSubtask(ctx, task.ID, alt, "")
			}
		}
		success := err == nil
		if !success {
			failures++
			output = fmt.Sprintf("failed: %v", err)
		}

		tool := ""
		if len(st.ToolHints) > 0 {
			tool = st.ToolHints[0]
		}
		if rerr := r.episodes.Record(Episode{Description: st.Description, Tool: tool, Outcome: clip(output, 300), Success: success}); rerr != nil {
			slog.Warn("episode record failed", "task", task.ID, "error", rerr)
		}
		if aerr := audit.Mutate(func(entries *[]auditEntry) {
			*entries = append(*entries, auditEntry{
				Step: i + 1, Description: st.Description, Tool: tool,
				Outcome: clip(output, 500), Success: success,
				ReDelegated: redelegated, At: time.Now(),
			})
		}); aerr != nil {
			slog.Warn("audit append failed", "task", task.ID, "error", aerr)
		}
		outputs = append(outputs, fmt.Sprintf("Step %d: %s\n%s", i+1, st.Description, output))
	}

	transcript := strings.Join(outputs, "\n\n")
	v := r.critique(ctx, task.Goal, transcript)
	if !v.Passed && v.RefinementHint != "" {
		refined, err := r.runSubtask(ctx, task.ID, Subtask{
			Description: fmt.Sprintf("Improve the result for: %s. %s", task.Goal, v.RefinementHint),
			ModelTier:   "sonnet",
		}, "")
		if err == nil && refined != "" {
			outputs = append(outputs, "Refinement:\n"+refined)
			transcript = strings.Join(outputs, "\n\n")
		}
	}

	if v.Score >= scoreThreshold && !reused {
		if err := r.templates.Store(task.Goal, plan, v.Score); err != nil {
			slog.Warn("template store failed", "task", task.ID, "error", err)
		}
	}

	report := buildReport(task, plan, outputs, v, failures)
	if err := writeReport(filepath.Join(r.taskDir, task.ID+".txt"), report); err != nil {
		slog.Error("report write failed", "task", task.ID, "error", err)
	}
	r.deliverReport(ctx, task.ID, report)

	status := StatusDone
	errMsg := ""
	if failures == len(plan) {
		status = StatusFailed
		errMsg = "all steps failed"
	}
	r.finish(ctx, task, status, errMsg)
	slog.Info("task finished", "task", task.ID, "status", status, "score", v.Score, "failed_steps", failures)
}

func (r *Runner) cancelled(id string) bool {
	t, ok := r.queue.Get(id)
	return ok && t.Status == StatusFailed
}

func (r *Runner) finish(ctx context.Context, task Task, status Status, errMsg string) {
	if err := r.queue.Finish(task.ID, status, errMsg); err != nil {
		slog.Error("task finish failed", "task", task.ID, "error", err)
	}
	if status == StatusFailed && errMsg != "" {
		r.notifier.Notify(ctx, fmt.Sprintf("Task %s failed: %s", task.ID, errMsg), notify.Error)
	}
}

// runWithRetries tries a subtask up to the configured attempt bound.
// Transient failures back off and retry as-is; anything else gets a
// one-sentence "try differently" hint prepended to the next attempt.
func (r *Runner) runWithRetries(ctx context.Context, task Task, st Subtask) (string, error) {
	hint := ""
	var lastErr error
	for attempt := 0; attempt < r.retries; attempt++ {
		if attempt > 0 && r.cancelled(task.ID) {
			return "", fmt.Errorf("cancelled")
		}
		output, err := r.runSubtask(ctx, task.ID, st, hint)
		if err == nil {
			return output, nil
		}
		lastErr = err
		if providers.IsTransient(err) || strings.Contains(strings.ToLower(err.Error()), "rate limit") {
			r.sleep(ctx, time.Duration(attempt+1)*2*time.Second)
			continue
		}
		hint = r.retryHint(ctx, st.Description, err.Error())
	}
	return "", lastErr
}

// runSubtask executes one step with just-in-time least privilege: the
// model only sees the tools the plan named for this step.
func (r *Runner) runSubtask(ctx context.Context, taskID string, st Subtask, hint string) (string, error) {
	tier := providers.TierSubagent
	if st.ModelTier == "sonnet" {
		tier = providers.TierDefault
	}

	user := st.Description
	if st.VerificationCriteria != "" {
		user += "\n\nDone means: " + st.VerificationCriteria
	}
	if hint != "" {
		user = "Hint from the previous attempt: " + hint + "\n\n" + user
	}
	messages := []providers.Message{
		{Role: "system", Content: "You are executing one step of a background task for your principal. Use the tools provided, then summarize the outcome in a short paragraph."},
		{Role: "user", Content: user},
	}
	var defs []providers.ToolDefinition
	if len(st.ToolHints) > 0 {
		defs = r.registry.Definitions(st.ToolHints)
	}

	var last string
	for step := 0; step < maxSubtaskSteps; step++ {
		resp, err := r.llm.ChatTier(ctx, tier, providers.ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			return "", err
		}
		last = strings.TrimSpace(resp.Content)
		if len(resp.ToolCalls) == 0 {
			return last, nil
		}
		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res := r.gatedCall(ctx, call, taskID)
			messages = append(messages, providers.Message{Role: "tool", Content: res.ForLLM, ToolCallID: call.ID})
		}
	}
	if last == "" {
		last = "step ran out of tool budget without a summary"
	}
	return last, nil
}

// gatedCall wraps a background tool call in policy, outbox dedupe, and
// failure bookkeeping. Background calls count as approved: the user
// already had the grace window.
func (r *Runner) gatedCall(ctx context.Context, call providers.ToolCall, taskID string) *tools.Result {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	op, _ := args["op"].(string)

	dec := r.gate.Check(call.Name, op, args, taskID, true)
	if !dec.Allowed {
		return tools.ErrorResult(fmt.Sprintf("blocked by policy: %s", dec.Reason))
	}
	if dec.Risk != policy.RiskIrreversible {
		return r.registry.Invoke(ctx, call.Name, args)
	}

	key, dup, prior, err := r.outbox.CheckAndMark(call.Name, op, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("outbox: %v", err)).WithError(err)
	}
	if dup {
		return tools.NewResult("already done earlier: " + prior)
	}
	res := r.registry.Invoke(ctx, call.Name, args)
	if res.IsError {
		if merr := r.outbox.MarkFailed(key, res.ForLLM); merr != nil {
			slog.Warn("outbox mark failed", "key", key, "error", merr)
		}
		r.dlq.RecordFailure(key, call.Name, op, res.ForLLM)
		return res
	}
	if merr := r.outbox.MarkSent(key, res.ForLLM); merr != nil {
		slog.Warn("outbox mark sent", "key", key, "error", merr)
	}
	r.dlq.RecordSuccess(key)
	return res
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
