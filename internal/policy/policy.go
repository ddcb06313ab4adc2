// Package policy gates every tool invocation. It classifies each
// (tool, operation) pair by risk, enforces a per-run call cap, and
// logs irreversible operations with sanitized parameters before they
// execute.
package policy

import (
	"fmt"
	"log/slog"
	"sync"
)

// Risk levels, ordered. An unknown operation inherits the tool's
// default; an unknown tool is treated as irreversible.
type Risk int

const (
	RiskRead Risk = iota
	RiskWrite
	RiskIrreversible
)

func (r Risk) String() string {
	switch r {
	case RiskRead:
		return "read"
	case RiskWrite:
		return "write"
	default:
		return "irreversible"
	}
}

// maxCallsPerRun caps how many times a single tool may run within one
// turn or one task run. A model stuck in a loop hits the cap instead
// of the provider bill.
const maxCallsPerRun = 20

const sanitizeMaxLen = 100

// Decision is the gate's verdict for one call.
type Decision struct {
	Allowed bool
	Reason  string
	Risk    Risk
}

type opKey struct {
	tool string
	op   string
}

// riskTable classifies known (tool, op) pairs. Entries with an empty
// op set the tool's default risk.
var riskTable = map[opKey]Risk{
	{"calendar", ""}:       RiskWrite,
	{"calendar", "list"}:   RiskRead,
	{"calendar", "get"}:    RiskRead,
	{"calendar", "create"}: RiskWrite,
	{"calendar", "update"}: RiskWrite,
	{"calendar", "delete"}: RiskIrreversible,

	{"email", ""}:      RiskWrite,
	{"email", "list"}:  RiskRead,
	{"email", "read"}:  RiskRead,
	{"email", "draft"}: RiskWrite,
	{"email", "send"}:  RiskIrreversible,

	{"post", ""}:        RiskIrreversible,
	{"post", "draft"}:   RiskWrite,
	{"post", "publish"}: RiskIrreversible,

	{"message", ""}:     RiskIrreversible,
	{"message", "send"}: RiskIrreversible,

	{"remind", ""}:       RiskWrite,
	{"remind", "list"}:   RiskRead,
	{"remind", "set"}:    RiskWrite,
	{"remind", "cancel"}: RiskWrite,

	{"exec", ""}: RiskIrreversible,

	{"web_search", ""}: RiskRead,
	{"web_fetch", ""}:  RiskRead,

	{"memory_query", ""}: RiskRead,
	{"memory_store", ""}: RiskWrite,

	{"task", ""}:       RiskWrite,
	{"task", "status"}: RiskRead,
	{"task", "queue"}:  RiskWrite,
	{"task", "cancel"}: RiskWrite,
}

// Gate enforces the policy. One Gate serves all tools; counters are
// per (tool) and reset at the start of every run.
type Gate struct {
	mu     sync.Mutex
	counts map[string]int
	strict bool
}

func NewGate(strict bool) *Gate {
	return &Gate{counts: make(map[string]int), strict: strict}
}

// Classify returns the risk for a (tool, op) pair without counting it.
func Classify(tool, op string) Risk {
	if r, ok := riskTable[opKey{tool, op}]; ok {
		return r
	}
	if r, ok := riskTable[opKey{tool, ""}]; ok {
		return r
	}
	return RiskIrreversible
}

// Check gates one call. approved indicates the principal has already
// confirmed this specific action; strict mode blocks irreversible
// calls without it.
func (g *Gate) Check(tool, op string, params map[string]interface{}, traceID string, approved bool) Decision {
	risk := Classify(tool, op)

	g.mu.Lock()
	g.counts[tool]++
	count := g.counts[tool]
	g.mu.Unlock()

	if count > maxCallsPerRun {
		slog.Warn("policy: tool call budget exceeded", "tool", tool, "op", op, "count", count, "trace_id", traceID)
		return Decision{Allowed: false, Reason: "exceeded", Risk: risk}
	}

	if risk == RiskIrreversible {
		slog.Info("policy: irreversible operation",
			"tool", tool, "op", op, "trace_id", traceID,
			"approved", approved, "params", Sanitize(params))
		if g.strict && !approved {
			return Decision{Allowed: false, Reason: "needs approval", Risk: risk}
		}
	}

	return Decision{Allowed: true, Risk: risk}
}

// ResetRun clears the per-run counters. Called at turn start and at
// the start of every background task run.
func (g *Gate) ResetRun() {
	g.mu.Lock()
	g.counts = make(map[string]int)
	g.mu.Unlock()
}

// Sanitize renders params for logging with long strings truncated so
// message bodies and tokens never land in the log verbatim.
func Sanitize(params map[string]interface{}) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		s := fmt.Sprintf("%v", v)
		if len(s) > sanitizeMaxLen {
			s = s[:sanitizeMaxLen] + "..."
		}
		out[k] = s
	}
	return out
}
