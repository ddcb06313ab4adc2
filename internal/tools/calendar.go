package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/aide/internal/statefile"
)

// CalendarEvent is one entry in the local calendar.
type CalendarEvent struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Start    time.Time `json:"start"`
	End      time.Time `json:"end,omitempty"`
	Location string    `json:"location,omitempty"`
	Notes    string    `json:"notes,omitempty"`
}

type calendarState struct {
	Events []CalendarEvent `json:"events"`
}

// CalendarTool manages a local calendar file. External calendar sync
// (CalDAV, Google) runs as a separate bridge process writing the same
// file.
type CalendarTool struct {
	file *statefile.File[calendarState]
	loc  *time.Location
}

func NewCalendarTool(path string, loc *time.Location) *CalendarTool {
	if loc == nil {
		loc = time.UTC
	}
	return &CalendarTool{file: statefile.New[calendarState](path), loc: loc}
}

func (t *CalendarTool) Name() string { return "calendar" }

func (t *CalendarTool) Description() string {
	return "Read and manage the principal's calendar. Ops: list (optionally from/to), get, create, update, delete."
}

func (t *CalendarTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op": map[string]interface{}{
				"type": "string",
				"enum": []string{"list", "get", "create", "update", "delete"},
			},
			"id":       map[string]interface{}{"type": "string"},
			"title":    map[string]interface{}{"type": "string"},
			"start":    map[string]interface{}{"type": "string", "description": "RFC3339 or 2006-01-02 15:04"},
			"end":      map[string]interface{}{"type": "string"},
			"location": map[string]interface{}{"type": "string"},
			"notes":    map[string]interface{}{"type": "string"},
			"from":     map[string]interface{}{"type": "string", "description": "list window start"},
			"to":       map[string]interface{}{"type": "string", "description": "list window end"},
		},
		"required": []string{"op"},
	}
}

func (t *CalendarTool) parseTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04", "2006-01-02"} {
		if ts, err := time.ParseInLocation(layout, s, t.loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func (t *CalendarTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)
	switch op {
	case "list":
		return t.list(args)
	case "get":
		return t.get(args)
	case "create":
		return t.create(args)
	case "update":
		return t.update(args)
	case "delete":
		return t.delete(args)
	default:
		return ErrorResult(fmt.Sprintf("unknown calendar op %q", op))
	}
}

func (t *CalendarTool) list(args map[string]interface{}) *Result {
	s := t.file.Load()
	from := time.Now().In(t.loc).Truncate(24 * time.Hour)
	to := from.AddDate(0, 0, 7)
	if v, _ := args["from"].(string); v != "" {
		ts, err := t.parseTime(v)
		if err != nil {
			return ErrorResult(err.Error())
		}
		from = ts
	}
	if v, _ := args["to"].(string); v != "" {
		ts, err := t.parseTime(v)
		if err != nil {
			return ErrorResult(err.Error())
		}
		to = ts
	}

	var hits []CalendarEvent
	for _, e := range s.Events {
		if !e.Start.Before(from) && e.Start.Before(to) {
			hits = append(hits, e)
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Start.Before(hits[j].Start) })
	if len(hits) == 0 {
		return NewResult(fmt.Sprintf("no events between %s and %s",
			from.Format("2006-01-02"), to.Format("2006-01-02")))
	}

	var sb strings.Builder
	for _, e := range hits {
		fmt.Fprintf(&sb, "- [%s] %s %s", e.ID, e.Start.In(t.loc).Format("Mon 2006-01-02 15:04"), e.Title)
		if e.Location != "" {
			fmt.Fprintf(&sb, " @ %s", e.Location)
		}
		sb.WriteString("\n")
	}
	return NewResult(strings.TrimSpace(sb.String()))
}

func (t *CalendarTool) get(args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	s := t.file.Load()
	for _, e := range s.Events {
		if e.ID == id {
			return NewResult(fmt.Sprintf("%s\nstart: %s\nend: %s\nlocation: %s\nnotes: %s",
				e.Title, e.Start.In(t.loc).Format(time.RFC3339),
				e.End.In(t.loc).Format(time.RFC3339), e.Location, e.Notes))
		}
	}
	return ErrorResult(fmt.Sprintf("event %s not found", id))
}

func (t *CalendarTool) create(args map[string]interface{}) *Result {
	title, _ := args["title"].(string)
	startStr, _ := args["start"].(string)
	if title == "" || startStr == "" {
		return ErrorResult("create needs title and start")
	}
	start, err := t.parseTime(startStr)
	if err != nil {
		return ErrorResult(err.Error())
	}
	e := CalendarEvent{
		ID:    uuid.NewString()[:8],
		Title: title,
		Start: start,
		End:   start.Add(time.Hour),
	}
	if v, _ := args["end"].(string); v != "" {
		if end, err := t.parseTime(v); err == nil {
			e.End = end
		}
	}
	e.Location, _ = args["location"].(string)
	e.Notes, _ = args["notes"].(string)

	if err := t.file.Mutate(func(s *calendarState) { s.Events = append(s.Events, e) }); err != nil {
		return ErrorResult(fmt.Sprintf("save event: %v", err)).WithError(err)
	}
	return NewResult(fmt.Sprintf("created event %s: %s at %s", e.ID, e.Title,
		e.Start.In(t.loc).Format("Mon 2006-01-02 15:04")))
}

func (t *CalendarTool) update(args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("update needs id")
	}
	found := false
	var perr error
	err := t.file.Mutate(func(s *calendarState) {
		for i := range s.Events {
			if s.Events[i].ID != id {
				continue
			}
			found = true
			if v, _ := args["title"].(string); v != "" {
				s.Events[i].Title = v
			}
			if v, _ := args["start"].(string); v != "" {
				ts, err := t.parseTime(v)
				if err != nil {
					perr = err
					return
				}
				s.Events[i].Start = ts
			}
			if v, _ := args["end"].(string); v != "" {
				if ts, err := t.parseTime(v); err == nil {
					s.Events[i].End = ts
				}
			}
			if v, _ := args["location"].(string); v != "" {
				s.Events[i].Location = v
			}
			if v, _ := args["notes"].(string); v != "" {
				s.Events[i].Notes = v
			}
			return
		}
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("save event: %v", err)).WithError(err)
	}
	if perr != nil {
		return ErrorResult(perr.Error())
	}
	if !found {
		return ErrorResult(fmt.Sprintf("event %s not found", id))
	}
	return NewResult(fmt.Sprintf("updated event %s", id))
}

func (t *CalendarTool) delete(args map[string]interface{}) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("delete needs id")
	}
	found := false
	err := t.file.Mutate(func(s *calendarState) {
		for i := range s.Events {
			if s.Events[i].ID == id {
				s.Events = append(s.Events[:i], s.Events[i+1:]...)
				found = true
				return
			}
		}
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("save calendar: %v", err)).WithError(err)
	}
	if !found {
		return ErrorResult(fmt.Sprintf("event %s not found", id))
	}
	return NewResult(fmt.Sprintf("deleted event %s", id))
}
