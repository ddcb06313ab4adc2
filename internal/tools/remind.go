package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/reminders"
)

// TimezoneSource reports the principal's stated timezone, if any.
// An empty string means no override.
type TimezoneSource interface {
	Timezone() string
}

// RemindTool manages one-shot reminders through the reminder store.
type RemindTool struct {
	store *reminders.Store
	loc   *time.Location
	tz    TimezoneSource
}

func NewRemindTool(store *reminders.Store, loc *time.Location) *RemindTool {
	if loc == nil {
		loc = time.UTC
	}
	return &RemindTool{store: store, loc: loc}
}

// WithTimezone lets a stated timezone override the configured location
// when times are parsed and displayed.
func (t *RemindTool) WithTimezone(src TimezoneSource) *RemindTool {
	t.tz = src
	return t
}

// location resolves the timezone for this call: a valid stated
// override wins, otherwise the configured location.
func (t *RemindTool) location() *time.Location {
	if t.tz != nil {
		if name := t.tz.Timezone(); name != "" {
			if loc, err := time.LoadLocation(name); err == nil {
				return loc
			}
		}
	}
	return t.loc
}

func (t *RemindTool) Name() string { return "remind" }

func (t *RemindTool) Description() string {
	return "Set, list, or cancel reminders. Times are interpreted in the principal's timezone."
}

func (t *RemindTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"op":      map[string]interface{}{"type": "string", "enum": []string{"set", "list", "cancel"}},
			"message": map[string]interface{}{"type": "string"},
			"at":      map[string]interface{}{"type": "string", "description": "RFC3339 or 2006-01-02 15:04"},
			"id":      map[string]interface{}{"type": "string"},
		},
		"required": []string{"op"},
	}
}

func (t *RemindTool) Execute(_ context.Context, args map[string]interface{}) *Result {
	op, _ := args["op"].(string)
	loc := t.location()
	switch op {
	case "set":
		message, _ := args["message"].(string)
		atStr, _ := args["at"].(string)
		if message == "" || atStr == "" {
			return ErrorResult("set needs message and at")
		}
		at, err := parseLocalTime(atStr, loc)
		if err != nil {
			return ErrorResult(err.Error())
		}
		id, err := t.store.Set(message, at)
		if err != nil {
			return ErrorResult(err.Error()).WithError(err)
		}
		return NewResult(fmt.Sprintf("reminder %s set for %s", id, at.In(loc).Format("Mon 2006-01-02 15:04")))

	case "list":
		pending := t.store.Pending()
		if len(pending) == 0 {
			return NewResult("no pending reminders")
		}
		var sb strings.Builder
		for _, r := range pending {
			fmt.Fprintf(&sb, "- [%s] %s at %s\n", r.ID, r.Message, r.RemindAt.In(loc).Format("Mon 2006-01-02 15:04"))
		}
		return NewResult(strings.TrimSpace(sb.String()))

	case "cancel":
		id, _ := args["id"].(string)
		if id == "" {
			return ErrorResult("cancel needs id")
		}
		if err := t.store.Cancel(id); err != nil {
			return ErrorResult(err.Error())
		}
		return NewResult(fmt.Sprintf("reminder %s cancelled", id))

	default:
		return ErrorResult(fmt.Sprintf("unknown remind op %q", op))
	}
}

func parseLocalTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02T15:04"} {
		if ts, err := time.ParseInLocation(layout, s, loc); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}
