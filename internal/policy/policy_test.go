package policy

import (
	"strings"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		tool string
		op   string
		want Risk
	}{
		{"calendar", "list", RiskRead},
		{"calendar", "delete", RiskIrreversible},
		{"calendar", "unknown_op", RiskWrite}, // tool default
		{"email", "send", RiskIrreversible},
		{"web_search", "", RiskRead},
		{"never_heard_of_it", "x", RiskIrreversible}, // unknown tool
	}
	for _, tt := range tests {
		if got := Classify(tt.tool, tt.op); got != tt.want {
			t.Errorf("Classify(%s, %s) = %s, want %s", tt.tool, tt.op, got, tt.want)
		}
	}
}

func TestCallBudget(t *testing.T) {
	g := NewGate(false)
	for i := 0; i < maxCallsPerRun; i++ {
		if d := g.Check("web_search", "", nil, "t1", false); !d.Allowed {
			t.Fatalf("call %d blocked early: %s", i+1, d.Reason)
		}
	}
	d := g.Check("web_search", "", nil, "t1", false)
	if d.Allowed || d.Reason != "exceeded" {
		t.Errorf("call %d: got %+v, want blocked with reason exceeded", maxCallsPerRun+1, d)
	}

	// Another tool has its own budget.
	if d := g.Check("calendar", "list", nil, "t1", false); !d.Allowed {
		t.Error("independent tool budget shared")
	}

	g.ResetRun()
	if d := g.Check("web_search", "", nil, "t2", false); !d.Allowed {
		t.Error("budget not cleared by ResetRun")
	}
}

func TestStrictModeBlocksUnapprovedIrreversible(t *testing.T) {
	g := NewGate(true)
	if d := g.Check("email", "send", nil, "t1", false); d.Allowed {
		t.Error("strict gate allowed unapproved irreversible call")
	}
	if d := g.Check("email", "send", nil, "t1", true); !d.Allowed {
		t.Errorf("strict gate blocked approved call: %s", d.Reason)
	}
	// Reads never need approval.
	if d := g.Check("email", "list", nil, "t1", false); !d.Allowed {
		t.Error("strict gate blocked a read")
	}
}

func TestLaxModeAllowsIrreversible(t *testing.T) {
	g := NewGate(false)
	if d := g.Check("post", "publish", nil, "t1", false); !d.Allowed {
		t.Errorf("lax gate blocked irreversible call: %s", d.Reason)
	}
}

func TestSanitizeTruncatesLongValues(t *testing.T) {
	body := strings.Repeat("a", 500)
	got := Sanitize(map[string]interface{}{"body": body, "to": "dana@example.com", "count": 3})
	if len(got["body"]) != sanitizeMaxLen+3 {
		t.Errorf("body length = %d, want %d", len(got["body"]), sanitizeMaxLen+3)
	}
	if !strings.HasSuffix(got["body"], "...") {
		t.Error("truncated value missing ellipsis")
	}
	if got["to"] != "dana@example.com" || got["count"] != "3" {
		t.Errorf("short values altered: %+v", got)
	}
}
