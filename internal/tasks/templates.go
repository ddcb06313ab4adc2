package tasks

import (
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

const maxTemplates = 50

// Template is a plan that scored well enough to reuse.
type Template struct {
	Goal     string    `json:"goal"`
	Subtasks []Subtask `json:"subtasks"`
	Score    float64   `json:"score"`
	StoredAt time.Time `json:"stored_at"`
}

type templateState struct {
	Templates []Template `json:"templates"`
}

// Templates is the reusable plan library. Lookup is by normalized
// goal; a returning goal skips decomposition entirely.
type Templates struct {
	file *statefile.File[templateState]
	now  func() time.Time
}

func NewTemplates(path string) *Templates {
	return &Templates{file: statefile.New[templateState](path), now: time.Now}
}

func normalizeGoal(goal string) string {
	return strings.Join(strings.Fields(strings.ToLower(goal)), " ")
}

// Store saves a plan, replacing any existing template for the same
// goal. Oldest templates age out past the cap.
func (t *Templates) Store(goal string, subtasks []Subtask, score float64) error {
	norm := normalizeGoal(goal)
	return t.file.Mutate(func(s *templateState) {
		kept := s.Templates[:0]
		for _, tpl := range s.Templates {
			if normalizeGoal(tpl.Goal) != norm {
				kept = append(kept, tpl)
			}
		}
		s.Templates = append(kept, Template{Goal: goal, Subtasks: subtasks, Score: score, StoredAt: t.now()})
		if len(s.Templates) > maxTemplates {
			s.Templates = s.Templates[len(s.Templates)-maxTemplates:]
		}
	})
}

// Lookup returns a stored plan for the goal, if any.
func (t *Templates) Lookup(goal string) ([]Subtask, bool) {
	norm := normalizeGoal(goal)
	for _, tpl := range t.file.Load().Templates {
		if normalizeGoal(tpl.Goal) == norm {
			return tpl.Subtasks, true
		}
	}
	return nil, false
}
