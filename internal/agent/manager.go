package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/aide/internal/backlog"
	"github.com/nextlevelbuilder/aide/internal/memory"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/policy"
	"github.com/nextlevelbuilder/aide/internal/providers"
	"github.com/nextlevelbuilder/aide/internal/tools"
	"github.com/nextlevelbuilder/aide/internal/workingmem"
)

// Message is one inbound user message.
type Message struct {
	Text    string
	Channel string
	UserID  string
}

// ChatClient is the slice of the model router the manager needs.
type ChatClient interface {
	ChatTier(ctx context.Context, tier providers.Tier, req providers.ChatRequest) (*providers.ChatResponse, error)
	Model(tier providers.Tier) string
}

const maxToolSteps = 8

var (
	affirmativeRe = regexp.MustCompile(`(?i)^\s*(yes|yep|yeah|ok|okay|sure|go ahead|do it|confirm|confirmed|send it|approved?)\s*[.!]*\s*$`)
	negativeRe    = regexp.MustCompile(`(?i)^\s*(no|nope|don'?t|never ?mind)\b`)
	cancelRe      = regexp.MustCompile(`(?i)^\s*/?(cancel|stop)\s*[.!]*\s*$`)

	correctionRe = regexp.MustCompile(`(?i)^\s*(no,|no wait\b|not (that|this)\b|actually[, ]|i meant\b|that'?s (not|wrong)\b)`)
	preferenceRe = regexp.MustCompile(`(?i)\bi (prefer|always|never|usually|would rather)\b`)
	timezoneRe   = regexp.MustCompile(`(?i)\bmy time ?zone is\s+([A-Za-z]+(?:/[A-Za-z0-9_+\-]+)+)`)
)

// Deps wires the manager to the rest of the system.
type Deps struct {
	LLM        ChatClient
	Brain      *memory.Brain
	Working    *workingmem.Memory
	Gate       *policy.Gate
	Outbox     *outbox.Outbox
	DLQ        *outbox.DeadLetter
	Registry   *tools.Registry
	Principles string

	// Backlog records requests the agent could not serve. Nil disables
	// recording (self-build mode off).
	Backlog *backlog.Backlog

	// Tuning. Zero values fall back to the package defaults.
	MaxToolSteps    int     // tool-loop bound per turn
	IntentThreshold float64 // escalate / record-unmet below this confidence
	BrainBudget     int     // long-term memory context char budget
	PrincipleBudget int     // principles char budget
	HistoryTurns    int     // conversation window in turns
}

// Manager drives one user turn end to end: classify, recall, call the
// model, run tools through the gate, reply, persist.
type Manager struct {
	llm        ChatClient
	brain      *memory.Brain
	wm         *workingmem.Memory
	gate       *policy.Gate
	outbox     *outbox.Outbox
	dlq        *outbox.DeadLetter
	registry   *tools.Registry
	history    *History
	principles string
	backlog    *backlog.Backlog

	maxSteps        int
	intentThreshold float64
	brainBudget     int
	principleBudget int

	mu       sync.Mutex
	machines map[string]*Machine
}

func NewManager(d Deps) *Manager {
	steps := d.MaxToolSteps
	if steps <= 0 {
		steps = maxToolSteps
	}
	threshold := d.IntentThreshold
	if threshold <= 0 {
		threshold = confidenceThreshold
	}
	brainBudget := d.BrainBudget
	if brainBudget <= 0 {
		brainBudget = maxBrainContextChars
	}
	principleBudget := d.PrincipleBudget
	if principleBudget <= 0 {
		principleBudget = maxPrinciplesChars
	}
	return &Manager{
		llm:             d.LLM,
		brain:           d.Brain,
		wm:              d.Working,
		gate:            d.Gate,
		outbox:          d.Outbox,
		dlq:             d.DLQ,
		registry:        d.Registry,
		history:         NewHistory(d.HistoryTurns),
		principles:      d.Principles,
		backlog:         d.Backlog,
		maxSteps:        steps,
		intentThreshold: threshold,
		brainBudget:     brainBudget,
		principleBudget: principleBudget,
		machines:        make(map[string]*Machine),
	}
}

// machineFor returns the state machine for one user x channel lane.
func (m *Manager) machineFor(userID, channel string) *Machine {
	key := userID + "|" + channel
	m.mu.Lock()
	defer m.mu.Unlock()
	sm, ok := m.machines[key]
	if !ok {
		sm = NewMachine()
		m.machines[key] = sm
	}
	return sm
}

// ProcessMessage handles one inbound message and returns the reply.
// An empty message is a no-op. Errors never escape: the user gets an
// apology with a sanitized cause and the lane resets.
func (m *Manager) ProcessMessage(ctx context.Context, msg Message) (string, error) {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return "", nil
	}
	sm := m.machineFor(msg.UserID, msg.Channel)

	if cancelRe.MatchString(text) {
		switch sm.State() {
		case StateAwaitingApproval:
			if action, ok := m.wm.PopPendingAction(""); ok {
				m.closeLoop(action)
			}
			sm.Reset()
			return "Dropped it, nothing was done.", nil
		case StateIdle:
			return "Nothing in flight to cancel.", nil
		default:
			sm.Cancel()
			return "Stopping as soon as the current step finishes.", nil
		}
	}

	if sm.State() == StateAwaitingApproval {
		if affirmativeRe.MatchString(text) {
			return m.runApproved(ctx, sm, msg)
		}
		if negativeRe.MatchString(text) {
			if action, ok := m.wm.PopPendingAction(""); ok {
				m.closeLoop(action)
			}
			sm.Reset()
			return "Okay, leaving it alone.", nil
		}
		// A different topic: the parked action stays until it expires.
		sm.Reset()
	}

	reply, err := m.runTurn(ctx, sm, msg, text)
	if err != nil {
		slog.Error("turn failed", "user", msg.UserID, "channel", msg.Channel, "error", err)
		sm.Reset()
		m.recordUnmet(text, msg.Channel)
		return "Sorry, I hit a problem with that: " + SanitizeCause(err), nil
	}
	return reply, nil
}

// recordUnmet appends a request the agent could not serve to the
// capability backlog, when one is wired.
func (m *Manager) recordUnmet(request, channel string) {
	if m.backlog == nil {
		return
	}
	if err := m.backlog.Add(request, channel); err != nil {
		slog.Warn("backlog add", "error", err)
	}
}

// closeLoop marks a parked proposal's open loop as settled, whichever
// way the user decided it.
func (m *Manager) closeLoop(action workingmem.PendingAction) {
	if err := m.wm.Resolve(action.Summary); err != nil {
		slog.Warn("resolve unfinished", "error", err)
	}
}

// runApproved executes the action the user just confirmed.
func (m *Manager) runApproved(ctx context.Context, sm *Machine, msg Message) (string, error) {
	action, ok := m.wm.PopPendingAction("")
	if !ok {
		sm.Reset()
		return "That approval window expired, so I haven't done anything. Ask again if you still want it.", nil
	}
	m.gate.ResetRun()
	sm.To(StateExecuting)
	res := m.executeGated(ctx, providers.ToolCall{Name: action.Tool, Arguments: action.Args}, msg, uuid.NewString(), true)
	m.closeLoop(action)
	sm.Reset()
	if res.IsError {
		return "That didn't work: " + res.ForLLM, nil
	}
	if res.ForUser != "" {
		return res.ForUser, nil
	}
	return res.ForLLM, nil
}

// runTurn is the main pipeline: intent, context, tool loop, reply,
// persist.
func (m *Manager) runTurn(ctx context.Context, sm *Machine, msg Message, text string) (string, error) {
	m.gate.ResetRun()
	traceID := uuid.NewString()

	sm.To(StateParsingIntent)
	intent := m.classifyIntent(ctx, text)
	slog.Debug("intent classified", "action", intent.Action, "confidence", intent.Confidence, "trace_id", traceID)
	if intent.Action == "chat" && intent.Confidence < m.intentThreshold {
		// Even the big model could not place this request: likely a
		// capability the agent does not have yet.
		m.recordUnmet(text, msg.Channel)
	}
	if intent.Action == "cancel" {
		sm.Reset()
		return "Nothing in flight to cancel.", nil
	}

	sm.To(StateThinking)
	messages := []providers.Message{{Role: "system", Content: m.buildSystemPrompt(ctx, text, msg.Channel, intent)}}
	messages = append(messages, m.history.Messages(msg.UserID)...)
	messages = append(messages, providers.Message{Role: "user", Content: text})
	defs := m.registry.Definitions(nil)

	sm.To(StateExecuting)
	var resp *providers.ChatResponse
	for step := 0; step < m.maxSteps; step++ {
		if sm.Cancelled() {
			sm.Reset()
			return "Cancelled.", nil
		}
		var err error
		resp, err = m.llm.ChatTier(ctx, providers.TierDefault, providers.ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			return "", err
		}
		if len(resp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, providers.Message{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			if sm.Cancelled() {
				sm.Reset()
				return "Cancelled.", nil
			}
			op, _ := call.Arguments["op"].(string)
			if policy.Classify(call.Name, op) == policy.RiskIrreversible {
				// Park the proposal and ask; the confirmation loop in
				// ProcessMessage picks it up.
				summary := summarizeProposal(call, op)
				if err := m.wm.PushPendingAction(workingmem.PendingAction{
					Tool:    call.Name,
					Op:      op,
					Args:    call.Arguments,
					Summary: summary,
				}); err != nil {
					return "", err
				}
				if err := m.wm.AddUnfinished(summary); err != nil {
					slog.Warn("add unfinished", "error", err)
				}
				sm.To(StateAwaitingApproval)
				return fmt.Sprintf("Before I do anything: %s\n\nReply \"yes\" to go ahead or \"no\" to drop it.",
					summary), nil
			}
			res := m.executeGated(ctx, call, msg, traceID, false)
			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    res.ForLLM,
				ToolCallID: call.ID,
			})
		}
	}

	sm.To(StateReflecting)
	reply := ""
	if resp != nil {
		reply = strings.TrimSpace(resp.Content)
	}
	if reply == "" {
		reply = "Done."
	}
	reply = m.selfAssess(ctx, reply)

	sm.To(StateResponding)
	m.persistTurn(ctx, msg, text, reply, resp, intent)
	sm.Reset()
	return reply, nil
}

// executeGated wraps one tool call in policy, outbox dedupe, and
// failure bookkeeping.
func (m *Manager) executeGated(ctx context.Context, call providers.ToolCall, msg Message, traceID string, approved bool) *tools.Result {
	args := call.Arguments
	if args == nil {
		args = map[string]interface{}{}
	}
	// The channel comes from the transport, never from the model.
	args["_channel"] = msg.Channel
	op, _ := args["op"].(string)

	dec := m.gate.Check(call.Name, op, args, traceID, approved)
	if !dec.Allowed {
		return tools.ErrorResult(fmt.Sprintf("blocked by policy: %s", dec.Reason))
	}
	if dec.Risk != policy.RiskIrreversible {
		return m.registry.Invoke(ctx, call.Name, args)
	}

	key, dup, prior, err := m.outbox.CheckAndMark(call.Name, op, args)
	if err != nil {
		return tools.ErrorResult(fmt.Sprintf("outbox: %v", err)).WithError(err)
	}
	if dup {
		return tools.NewResult("already done earlier: " + prior)
	}

	res := m.registry.Invoke(ctx, call.Name, args)
	if res.IsError {
		if err := m.outbox.MarkFailed(key, res.ForLLM); err != nil {
			slog.Warn("outbox mark failed", "key", key, "error", err)
		}
		if m.dlq.RecordFailure(key, call.Name, op, res.ForLLM) {
			res.ForLLM += " (giving up after repeated failures)"
		}
		return res
	}
	if err := m.outbox.MarkSent(key, res.ForLLM); err != nil {
		slog.Warn("outbox mark sent", "key", key, "error", err)
	}
	m.dlq.RecordSuccess(key)
	return res
}

// buildSystemPrompt assembles principles, long-term recall, and
// working memory under their character budgets.
func (m *Manager) buildSystemPrompt(ctx context.Context, text, channel string, intent Intent) string {
	var sb strings.Builder
	sb.WriteString("You are Aide, a personal executive assistant. Be concise and direct. ")
	sb.WriteString("Use tools when they help; never invent facts you could look up.\n")
	fmt.Fprintf(&sb, "\nCurrent channel: %s\n", channel)
	if intent.Action != "" && intent.Action != "chat" {
		fmt.Fprintf(&sb, "Likely intent: %s\n", intent.Action)
	}
	if p := clipAtNewline(m.principles, m.principleBudget); p != "" {
		sb.WriteString("\n## Operating principles\n")
		sb.WriteString(p)
		sb.WriteString("\n")
	}
	if bc := clipAtNewline(m.brain.BuildContext(ctx, text, channel), m.brainBudget); bc != "" {
		sb.WriteString("\n")
		sb.WriteString(bc)
		sb.WriteString("\n")
	}
	if s := m.wm.Summary(); s != "" {
		sb.WriteString("\n")
		sb.WriteString(s)
		sb.WriteString("\n")
	}
	return sb.String()
}

// persistTurn writes the exchange to long-term memory and updates
// working memory. Persistence failures are logged, never surfaced.
func (m *Manager) persistTurn(ctx context.Context, msg Message, text, reply string, resp *providers.ChatResponse, intent Intent) {
	served := ""
	if resp != nil {
		served = resp.Model
	}
	fellBack := served != "" && served != m.llm.Model(providers.TierDefault)
	if err := m.brain.StoreTurn(ctx, memory.Turn{
		Channel:       msg.Channel,
		UserID:        msg.UserID,
		UserText:      text,
		AssistantText: reply,
		Model:         served,
		Fallback:      fellBack,
	}); err != nil {
		slog.Warn("store turn", "channel", msg.Channel, "error", err)
	}

	tone := DetectTone(text)
	if err := m.wm.SetTone(tone); err != nil {
		slog.Warn("set tone", "error", err)
	}
	// An empty note clears a stale calibration from an earlier tone.
	if err := m.wm.SetCalibration(calibrationFor(tone)); err != nil {
		slog.Warn("set calibration", "error", err)
	}
	if intent.Action != "" && intent.Action != "chat" && intent.Action != "cancel" {
		if err := m.wm.TouchThread(intent.Action); err != nil {
			slog.Warn("touch thread", "error", err)
		}
	}
	if correctionRe.MatchString(text) {
		if err := m.wm.AddCorrection(truncate(text, 120)); err != nil {
			slog.Warn("add correction", "error", err)
		}
	}
	if preferenceRe.MatchString(text) {
		if err := m.wm.AddPreference("stated", truncate(text, 80)); err != nil {
			slog.Warn("add preference", "error", err)
		}
	}
	if mt := timezoneRe.FindStringSubmatch(text); mt != nil {
		// Only names the zoneinfo database knows about stick.
		if _, err := time.LoadLocation(mt[1]); err == nil {
			if err := m.wm.SetTimezone(mt[1]); err != nil {
				slog.Warn("set timezone", "error", err)
			}
		}
	}
	m.history.Append(msg.UserID, text, reply)

	if frac, flagged, err := m.brain.ModelDrift(ctx, msg.Channel); err == nil && flagged {
		slog.Warn("model drift: most recent turns served by fallback",
			"channel", msg.Channel, "fraction", frac)
	}
}

// calibrationFor maps a detected tone to a one-line speaking note.
func calibrationFor(tone string) string {
	switch tone {
	case workingmem.ToneUrgent:
		return "Be brief; lead with the answer."
	case workingmem.ToneStressed:
		return "Keep it calm and steady; no pressure."
	case workingmem.ToneFormal:
		return "Keep a formal register."
	default:
		return ""
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// summarizeProposal renders a parked action for the confirmation
// prompt, showing the args the user would care about.
func summarizeProposal(call providers.ToolCall, op string) string {
	var parts []string
	for _, k := range []string{"to", "recipient", "subject", "title", "network", "text", "body", "message", "command"} {
		if v, ok := call.Arguments[k].(string); ok && v != "" {
			if len(v) > 80 {
				v = v[:80] + "..."
			}
			parts = append(parts, fmt.Sprintf("%s=%q", k, v))
		}
	}
	label := call.Name
	if op != "" {
		label += " " + op
	}
	if len(parts) == 0 {
		return fmt.Sprintf("I'd run %s.", label)
	}
	return fmt.Sprintf("I'd run %s with %s.", label, strings.Join(parts, ", "))
}
