// Package tasks is the autonomous plane: a persistent FIFO of goals
// the principal handed off, processed one at a time by a background
// runner that plans, executes with least-privilege tools, critiques
// its own output, and reports back.
package tasks

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Task is one queued goal.
type Task struct {
	ID        string    `json:"id"`
	Goal      string    `json:"goal"`
	Channel   string    `json:"channel,omitempty"` // where it was requested
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Error     string    `json:"error,omitempty"`
}

type queueState struct {
	Tasks []Task `json:"tasks"`
}

// Queue is the persistent task list, ordered by arrival.
type Queue struct {
	file *statefile.File[queueState]
	now  func() time.Time
}

func NewQueue(path string) *Queue {
	return &Queue{file: statefile.New[queueState](path), now: time.Now}
}

// Enqueue appends a pending task and returns its id.
func (q *Queue) Enqueue(goal, channel string) (string, error) {
	id := uuid.NewString()[:8]
	err := q.file.Mutate(func(s *queueState) {
		now := q.now()
		s.Tasks = append(s.Tasks, Task{
			ID: id, Goal: goal, Channel: channel,
			Status: StatusPending, CreatedAt: now, UpdatedAt: now,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// Status reports a task's current state.
func (q *Queue) Status(id string) (string, error) {
	t, ok := q.Get(id)
	if !ok {
		return "", fmt.Errorf("no task %s", id)
	}
	return string(t.Status), nil
}

// Cancel marks a task failed. A pending task never starts; a running
// task stops before its next subtask (the in-flight call finishes).
func (q *Queue) Cancel(id string) error {
	found := false
	err := q.file.Mutate(func(s *queueState) {
		for i := range s.Tasks {
			if s.Tasks[i].ID != id {
				continue
			}
			found = true
			if s.Tasks[i].Status == StatusPending || s.Tasks[i].Status == StatusRunning {
				s.Tasks[i].Status = StatusFailed
				s.Tasks[i].Error = "cancelled"
				s.Tasks[i].UpdatedAt = q.now()
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no task %s", id)
	}
	return nil
}

func (q *Queue) Get(id string) (Task, bool) {
	for _, t := range q.file.Load().Tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// DequeueNext marks the oldest pending task running and returns it.
func (q *Queue) DequeueNext() (Task, bool) {
	var picked Task
	ok := false
	_ = q.file.Mutate(func(s *queueState) {
		for i := range s.Tasks {
			if s.Tasks[i].Status == StatusPending {
				s.Tasks[i].Status = StatusRunning
				s.Tasks[i].UpdatedAt = q.now()
				picked = s.Tasks[i]
				ok = true
				return
			}
		}
	})
	return picked, ok
}

// Finish records the terminal status.
func (q *Queue) Finish(id string, status Status, errMsg string) error {
	return q.file.Mutate(func(s *queueState) {
		for i := range s.Tasks {
			if s.Tasks[i].ID == id {
				s.Tasks[i].Status = status
				s.Tasks[i].Error = errMsg
				s.Tasks[i].UpdatedAt = q.now()
			}
		}
	})
}
