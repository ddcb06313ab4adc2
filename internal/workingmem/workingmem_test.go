package workingmem

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testMemory(t *testing.T) *Memory {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "working_memory.json"))
}

func TestCalibrationTruncated(t *testing.T) {
	m := testMemory(t)
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'x'
	}
	if err := m.SetCalibration(string(long)); err != nil {
		t.Fatal(err)
	}
	if got := m.file.Load().Calibration; len(got) != maxCalibrationChars {
		t.Errorf("calibration length = %d, want %d", len(got), maxCalibrationChars)
	}
}

func TestUnfinishedLRU(t *testing.T) {
	m := testMemory(t)
	for _, text := range []string{"a", "b", "c", "d", "e", "f"} {
		if err := m.AddUnfinished(text); err != nil {
			t.Fatal(err)
		}
	}
	items := m.file.Load().Unfinished
	if len(items) != maxUnfinished {
		t.Fatalf("len = %d, want %d", len(items), maxUnfinished)
	}
	if items[0].Text != "f" {
		t.Errorf("front = %q, want f", items[0].Text)
	}
	// Oldest entry displaced.
	for _, it := range items {
		if it.Text == "a" {
			t.Error("oldest entry not displaced")
		}
	}

	// Re-adding moves to front without duplicating.
	if err := m.AddUnfinished("c"); err != nil {
		t.Fatal(err)
	}
	items = m.file.Load().Unfinished
	if items[0].Text != "c" {
		t.Errorf("front after re-add = %q, want c", items[0].Text)
	}
	count := 0
	for _, it := range items {
		if it.Text == "c" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("duplicate unfinished entries: %d", count)
	}
}

func TestPreferenceCaps(t *testing.T) {
	m := testMemory(t)
	for i := 0; i < maxPrefCategories; i++ {
		if err := m.AddPreference(string(rune('a'+i)), "v"); err != nil {
			t.Fatal(err)
		}
	}
	// Category cap reached: new category silently ignored.
	if err := m.AddPreference("overflow", "v"); err != nil {
		t.Fatal(err)
	}
	prefs := m.file.Load().Preferences
	if len(prefs) != maxPrefCategories {
		t.Errorf("categories = %d, want %d", len(prefs), maxPrefCategories)
	}
	if _, ok := prefs["overflow"]; ok {
		t.Error("overflow category accepted past cap")
	}

	// Within a category the oldest value is displaced.
	for _, v := range []string{"1", "2", "3", "4", "5", "6"} {
		if err := m.AddPreference("a", v); err != nil {
			t.Fatal(err)
		}
	}
	vals := m.file.Load().Preferences["a"]
	if len(vals) != maxPrefsPerCategory {
		t.Fatalf("values = %d, want %d", len(vals), maxPrefsPerCategory)
	}
	if vals[0] == "v" {
		t.Error("oldest value not displaced")
	}
}

func TestPendingActionOnePerTool(t *testing.T) {
	m := testMemory(t)
	if err := m.PushPendingAction(PendingAction{Tool: "email", Op: "send", Summary: "first"}); err != nil {
		t.Fatal(err)
	}
	if err := m.PushPendingAction(PendingAction{Tool: "email", Op: "send", Summary: "second"}); err != nil {
		t.Fatal(err)
	}
	live := m.PendingActions()
	if len(live) != 1 {
		t.Fatalf("pending = %d, want 1 (re-add replaces)", len(live))
	}
	if live[0].Summary != "second" {
		t.Errorf("summary = %q, want second", live[0].Summary)
	}
}

func TestPendingActionCapAndPop(t *testing.T) {
	m := testMemory(t)
	for _, tool := range []string{"email", "calendar", "post", "message"} {
		if err := m.PushPendingAction(PendingAction{Tool: tool, Op: "op"}); err != nil {
			t.Fatal(err)
		}
	}
	live := m.PendingActions()
	if len(live) != maxPendingActions {
		t.Fatalf("pending = %d, want %d", len(live), maxPendingActions)
	}
	// Oldest dropped past cap.
	for _, p := range live {
		if p.Tool == "email" {
			t.Error("oldest pending action not dropped")
		}
	}

	got, ok := m.PopPendingAction("post")
	if !ok || got.Tool != "post" {
		t.Fatalf("pop = %+v/%v, want post", got, ok)
	}
	if _, ok := m.PopPendingAction("post"); ok {
		t.Error("popped action still present")
	}
}

func TestPendingActionExpiry(t *testing.T) {
	m := testMemory(t)
	if err := m.PushPendingAction(PendingAction{Tool: "email", Op: "send"}); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return time.Now().Add(pendingActionTTL + time.Minute) }
	if _, ok := m.PopPendingAction("email"); ok {
		t.Error("expired pending action returned")
	}
	if len(m.PendingActions()) != 0 {
		t.Error("expired pending action still listed")
	}
}

func TestSummaryOmitsEmptySections(t *testing.T) {
	m := testMemory(t)
	if got := m.Summary(); got != "" {
		t.Errorf("empty memory summary = %q, want empty", got)
	}
	if err := m.SetTone(ToneStressed); err != nil {
		t.Fatal(err)
	}
	if err := m.AddCorrection("it is Dana, not Dan"); err != nil {
		t.Fatal(err)
	}
	got := m.Summary()
	if got == "" {
		t.Fatal("summary empty")
	}
	for _, want := range []string{"stressed", "Dana"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q:\n%s", want, got)
		}
	}
}

func TestUnknownToneFallsBackToNeutral(t *testing.T) {
	m := testMemory(t)
	if err := m.SetTone("sarcastic"); err != nil {
		t.Fatal(err)
	}
	if got := m.Tone(); got != ToneNeutral {
		t.Errorf("tone = %q, want neutral", got)
	}
}
