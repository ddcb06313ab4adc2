package tools

import (
	"context"
	"fmt"
	"strings"
)

// TaskQueuer is implemented by the background task queue.
type TaskQueuer interface {
	Enqueue(goal, channel string) (string, error)
	Status(id string) (string, error)
	Cancel(id string) error
}

// TaskTool hands long-running goals to the background runner so the
// conversation stays responsive.
type TaskTool struct {
	queue TaskQueuer
}

func NewTaskTool(queue TaskQueuer) *TaskTool {
	return &TaskTool{queue: queue}
}

func (t *TaskTool) Name() string { return "task" }

func (t *TaskTool) Description() string {
	return "Queue a multi-step goal for background execution, check its status, or cancel it. Ops: queue, status, cancel."
}

func (t *TaskTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":   map[string]interface{}{"type": "string", "enum": []string{"queue", "status", "cancel"}},
			"goal": map[string]interface{}{"type": "string"},
			"id":   map[string]interface{}{"type": "string"},
		},
		"required": []string{"op"},
	}
}

func (t *TaskTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)
	switch op {
	case "queue":
		goal, _ := args["goal"].(string)
		if strings.TrimSpace(goal) == "" {
			return ErrorResult("queue needs a goal")
		}
		channel, _ := args["_channel"].(string)
		id, err := t.queue.Enqueue(goal, channel)
		if err != nil {
			return ErrorResult(fmt.Sprintf("queue failed: %v", err)).WithError(err)
		}
		return AsyncResult(fmt.Sprintf("task %s queued; progress will be reported when it completes", id))

	case "status":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("status needs id")
		}
		status, err := t.queue.Status(id)
		if err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("task %s: %s", id, status))

	case "cancel":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("cancel needs id")
		}
		if err := t.queue.Cancel(id); err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("task %s cancelled", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown task op %q", op))
	}
}
