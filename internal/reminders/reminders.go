// Package reminders persists one-shot reminders and fires them from a
// background loop. The status transition to fired is written before
// delivery is attempted, so a crash mid-delivery can drop a reminder
// but never deliver it twice.
package reminders

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/aide/internal/notify"
	"github.com/nextlevelbuilder/aide/internal/outbox"
	"github.com/nextlevelbuilder/aide/internal/statefile"
)

// Reminder states.
const (
	StatusPending   = "pending"
	StatusFired     = "fired"
	StatusCancelled = "cancelled"
)

const tickInterval = 5 * time.Second

// Reminder is one scheduled nudge.
type Reminder struct {
	ID        string    `json:"id"`
	Message   string    `json:"message"`
	RemindAt  time.Time `json:"remind_at"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

type state struct {
	Reminders []Reminder `json:"reminders"`
}

// Store persists reminders and runs the firing loop. Delivery uses a
// raw send function rather than the fire-and-forget notifier so that a
// failed send is visible and can be retried or dead-lettered.
type Store struct {
	file *statefile.File[state]
	send notify.SendFunc
	dlq  *outbox.DeadLetter
	loc  *time.Location
	now  func() time.Time
}

func NewStore(path string, send notify.SendFunc, dlq *outbox.DeadLetter, loc *time.Location) *Store {
	if loc == nil {
		loc = time.UTC
	}
	return &Store{
		file: statefile.New[state](path),
		send: send,
		dlq:  dlq,
		loc:  loc,
		now:  time.Now,
	}
}

// Set schedules a reminder and returns its id.
func (s *Store) Set(message string, at time.Time) (string, error) {
	if strings.TrimSpace(message) == "" {
		return "", fmt.Errorf("reminders: empty message")
	}
	if at.Before(s.now()) {
		return "", fmt.Errorf("reminders: %s is in the past", at.In(s.loc).Format("2006-01-02 15:04"))
	}
	id := uuid.NewString()[:8]
	err := s.file.Mutate(func(st *state) {
		st.Reminders = append(st.Reminders, Reminder{
			ID: id, Message: message,
			RemindAt:  at,
			CreatedAt: s.now(),
			Status:    StatusPending,
		})
	})
	if err != nil {
		return "", err
	}
	slog.Info("reminders: set", "id", id, "at", at.In(s.loc))
	return id, nil
}

// Cancel marks a pending reminder cancelled.
func (s *Store) Cancel(id string) error {
	found := false
	err := s.file.Mutate(func(st *state) {
		for i := range st.Reminders {
			if st.Reminders[i].ID == id && st.Reminders[i].Status == StatusPending {
				st.Reminders[i].Status = StatusCancelled
				found = true
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("reminders: no pending reminder %s", id)
	}
	return nil
}

// Pending returns the pending reminders, soonest first.
func (s *Store) Pending() []Reminder {
	st := s.file.Load()
	var out []Reminder
	for _, r := range st.Reminders {
		if r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemindAt.Before(out[j].RemindAt) })
	return out
}

// Run fires due reminders every tick until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

// fireDue transitions every due reminder to fired, then attempts
// delivery. A failed delivery is counted against the dead-letter
// threshold and re-armed for the next tick unless dead-lettered.
func (s *Store) fireDue(ctx context.Context) {
	now := s.now()
	var due []Reminder
	_ = s.file.Mutate(func(st *state) {
		for i := range st.Reminders {
			r := &st.Reminders[i]
			if r.Status == StatusPending && !r.RemindAt.After(now) {
				r.Status = StatusFired
				due = append(due, *r)
			}
		}
	})

	for _, r := range due {
		if err := s.deliver(ctx, r); err != nil {
			key := "reminder:" + r.ID
			dead := s.dlq.RecordFailure(key, "remind", "deliver", err.Error())
			if dead {
				slog.Error("reminders: giving up on delivery", "id", r.ID)
				continue
			}
			// Re-arm for the next tick.
			_ = s.file.Mutate(func(st *state) {
				for i := range st.Reminders {
					if st.Reminders[i].ID == r.ID {
						st.Reminders[i].Status = StatusPending
						return
					}
				}
			})
		} else {
			s.dlq.RecordSuccess("reminder:" + r.ID)
			slog.Info("reminders: fired", "id", r.ID)
		}
	}
}

func (s *Store) deliver(ctx context.Context, r Reminder) error {
	if s.send == nil {
		return fmt.Errorf("no delivery transport configured")
	}
	return s.send(ctx, fmt.Sprintf("⏰ Reminder: %s", r.Message))
}
