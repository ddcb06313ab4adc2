package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/aide/internal/providers"
)

// Subtask is one planned step.
type Subtask struct {
	Description          string   `json:"description"`
	ToolHints            []string `json:"tool_hints"`
	ModelTier            string   `json:"model_tier"` // flash or sonnet
	VerificationCriteria string   `json:"verification_criteria,omitempty"`
	Reversible           bool     `json:"reversible"`
}

const decomposePrompt = `Break this goal into ordered subtasks.

Goal: %s

Available tools: %s
%s
Each subtask is a JSON object:
{"description": "...", "tool_hints": ["tool"], "model_tier": "flash"|"sonnet",
 "verification_criteria": "...", "reversible": true|false}

Use "flash" for mechanical steps and "sonnet" for judgement calls. Mark
reversible=false only for steps with external side effects (sending,
posting, deleting). Reply with a JSON array only.`

// decompose asks the small model for a plan and validates it against
// the tools that actually exist.
func (r *Runner) decompose(ctx context.Context, goal string, priors map[string]float64) ([]Subtask, error) {
	priorNote := ""
	if len(priors) > 0 {
		var lines []string
		for tool, rate := range priors {
			lines = append(lines, fmt.Sprintf("%s: %.0f%% recent success", tool, rate*100))
		}
		sort.Strings(lines)
		priorNote = "Tool track record:\n" + strings.Join(lines, "\n") + "\n"
	}

	resp, err := r.llm.ChatTier(ctx, providers.TierSubagent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(
			decomposePrompt, goal, strings.Join(r.registry.Names(), ", "), priorNote)}},
	})
	if err != nil {
		return nil, err
	}
	subtasks, err := parsePlan(resp.Content)
	if err != nil {
		return nil, err
	}
	return r.validatePlan(subtasks)
}

func parsePlan(content string) ([]Subtask, error) {
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array in plan: %q", content)
	}
	var subtasks []Subtask
	if err := json.Unmarshal([]byte(content[start:end+1]), &subtasks); err != nil {
		return nil, fmt.Errorf("plan parse: %w", err)
	}
	return subtasks, nil
}

// validatePlan drops unknown tool hints and rejects empty plans. A
// plan whose hints all point at tools we do not have is a
// hallucination, not a plan.
func (r *Runner) validatePlan(subtasks []Subtask) ([]Subtask, error) {
	if len(subtasks) == 0 {
		return nil, fmt.Errorf("empty plan")
	}
	for i := range subtasks {
		if strings.TrimSpace(subtasks[i].Description) == "" {
			return nil, fmt.Errorf("subtask %d has no description", i+1)
		}
		var known []string
		for _, hint := range subtasks[i].ToolHints {
			if _, ok := r.registry.Get(hint); ok {
				known = append(known, hint)
			}
		}
		if len(subtasks[i].ToolHints) > 0 && len(known) == 0 {
			return nil, fmt.Errorf("subtask %d references only unknown tools: %v", i+1, subtasks[i].ToolHints)
		}
		subtasks[i].ToolHints = known
		if subtasks[i].ModelTier != "flash" && subtasks[i].ModelTier != "sonnet" {
			subtasks[i].ModelTier = "flash"
		}
	}
	return subtasks, nil
}

const hintPrompt = `This step of a background task failed.

Step: %s
Error: %s

In one sentence, suggest how to try it differently.`

// retryHint asks the small model for a one-sentence course correction.
func (r *Runner) retryHint(ctx context.Context, description, errMsg string) string {
	resp, err := r.llm.ChatTier(ctx, providers.TierIntent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(hintPrompt, description, errMsg)}},
	})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

const alternativePrompt = `This step of a background task failed after several attempts.

Goal: %s
Failed step: %s
Last error: %s

Propose one alternative approach as a single JSON object:
{"description": "...", "tool_hints": ["tool"], "model_tier": "flash"|"sonnet",
 "verification_criteria": "...", "reversible": true|false}

Available tools: %s. Reply with JSON only.`

// alternative asks for one replacement subtask after retries run out.
func (r *Runner) alternative(ctx context.Context, goal string, failed Subtask, errMsg string) (Subtask, error) {
	resp, err := r.llm.ChatTier(ctx, providers.TierSubagent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(
			alternativePrompt, goal, failed.Description, errMsg, strings.Join(r.registry.Names(), ", "))}},
	})
	if err != nil {
		return Subtask{}, err
	}
	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return Subtask{}, fmt.Errorf("no JSON object in alternative: %q", resp.Content)
	}
	var st Subtask
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &st); err != nil {
		return Subtask{}, err
	}
	validated, err := r.validatePlan([]Subtask{st})
	if err != nil {
		return Subtask{}, err
	}
	return validated[0], nil
}

// verdict is the critic's evaluation of a finished task.
type verdict struct {
	Score          float64 `json:"score"`
	Passed         bool    `json:"passed"`
	RefinementHint string  `json:"refinement_hint,omitempty"`
}

const criticPrompt = `Evaluate how well this background task achieved its goal.

Goal: %s

Steps and outputs:
%s

Reply with JSON only:
{"score": 0.0-1.0, "passed": true|false, "refinement_hint": "..."}`

// critique scores the run. On any failure it returns a passing shrug:
// the critic is advisory, a broken critic must not fail a finished
// task.
func (r *Runner) critique(ctx context.Context, goal string, transcript string) verdict {
	resp, err := r.llm.ChatTier(ctx, providers.TierSubagent, providers.ChatRequest{
		Messages: []providers.Message{{Role: "user", Content: fmt.Sprintf(criticPrompt, goal, transcript)}},
	})
	if err != nil {
		return verdict{Score: 0.5, Passed: true}
	}
	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return verdict{Score: 0.5, Passed: true}
	}
	var v verdict
	if json.Unmarshal([]byte(resp.Content[start:end+1]), &v) != nil {
		return verdict{Score: 0.5, Passed: true}
	}
	if v.Score < 0 {
		v.Score = 0
	}
	if v.Score > 1 {
		v.Score = 1
	}
	return v
}
