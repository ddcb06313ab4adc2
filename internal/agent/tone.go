package agent

import (
	"strings"

	"github.com/nextlevelbuilder/aide/internal/workingmem"
)

// toneOrder is the match priority; urgency beats everything else.
var toneOrder = []string{
	workingmem.ToneUrgent,
	workingmem.ToneStressed,
	workingmem.ToneFormal,
	workingmem.ToneRelaxed,
}

var toneMarkers = map[string][]string{
	workingmem.ToneUrgent:   {"asap", "urgent", "right now", "immediately", "emergency", "!!"},
	workingmem.ToneStressed: {"stressed", "overwhelmed", "too much going on", "can't keep up", "drowning in"},
	workingmem.ToneFormal:   {"dear ", "kind regards", "to whom it may concern", "kindly", "sincerely"},
	workingmem.ToneRelaxed:  {"no rush", "no hurry", "whenever you get", "take your time", "lol", "haha"},
}

// DetectTone classifies a message by keyword. Cheap and sometimes
// wrong, which is fine: tone only nudges phrasing.
func DetectTone(text string) string {
	lower := strings.ToLower(text)
	for _, tone := range toneOrder {
		for _, marker := range toneMarkers[tone] {
			if strings.Contains(lower, marker) {
				return tone
			}
		}
	}
	return workingmem.ToneNeutral
}
