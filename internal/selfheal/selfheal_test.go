package selfheal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/aide/internal/notify"
)

type capturingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *capturingNotifier) Notify(_ context.Context, text string, _ notify.Level) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
}

func (n *capturingNotifier) find(substr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// fakeRunner scripts subprocess output by command name and subcommand.
// An effect, when set for a key, runs on invocation so a test can
// simulate the command touching the repo.
type fakeRunner struct {
	mu      sync.Mutex
	outputs map[string]string
	errs    map[string]error
	effects map[string]func()
	calls   []string
}

func (f *fakeRunner) run(_ context.Context, _ string, name string, args ...string) (string, error) {
	key := name
	full := name
	if len(args) > 0 {
		key = name + " " + args[0]
		full = name + " " + strings.Join(args, " ")
	}
	f.mu.Lock()
	f.calls = append(f.calls, full)
	effect := f.effects[key]
	f.mu.Unlock()
	if effect != nil {
		effect()
	}
	return f.outputs[key], f.errs[key]
}

// called reports whether any recorded command starts with prefix.
func (f *fakeRunner) called(prefix string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func newTestUpdater(t *testing.T, runner *fakeRunner, d Deps) *Updater {
	t.Helper()
	if d.DataDir == "" {
		d.DataDir = t.TempDir()
	}
	if d.RepoDir == "" {
		d.RepoDir = t.TempDir()
	}
	u := New(d)
	u.runCmd = runner.run
	return u
}

func cleanRunner() *fakeRunner {
	return &fakeRunner{
		outputs: map[string]string{
			"govulncheck ./...": "No vulnerabilities found.",
			"git rev-list":      "0\n",
		},
		errs: map[string]error{},
	}
}

func TestCleanCycleIsSilent(t *testing.T) {
	notifier := &capturingNotifier{}
	runner := cleanRunner()
	u := newTestUpdater(t, runner, Deps{Notifier: notifier})

	u.RunOnce(context.Background())

	notifier.mu.Lock()
	sent := len(notifier.sent)
	notifier.mu.Unlock()
	if sent != 0 {
		t.Errorf("clean cycle should not notify, got %v", notifier.sent)
	}
	if !strings.Contains(u.Summary(), "clean") {
		t.Errorf("summary = %q, want clean", u.Summary())
	}
}

func TestVulnerabilityFindingsNotify(t *testing.T) {
	notifier := &capturingNotifier{}
	runner := cleanRunner()
	runner.outputs["govulncheck ./..."] = "Vulnerability #1: GO-2026-0001\nVulnerability #2: GO-2026-0002\n"
	u := newTestUpdater(t, runner, Deps{Notifier: notifier})

	u.RunOnce(context.Background())

	if !notifier.find("2 vulnerability finding(s)") {
		t.Errorf("findings not surfaced: %v", notifier.sent)
	}
	if !strings.Contains(u.Summary(), "2 vulnerability finding(s)") {
		t.Errorf("summary = %q", u.Summary())
	}
}

func TestUpstreamPullRequestsRestart(t *testing.T) {
	notifier := &capturingNotifier{}
	runner := cleanRunner()
	runner.outputs["git rev-list"] = "3\n"

	restarted := ""
	u := newTestUpdater(t, runner, Deps{
		Notifier:    notifier,
		AutoRestart: true,
		Restart:     func(reason string) { restarted = reason },
	})

	u.RunOnce(context.Background())

	if !runner.called("git pull") {
		t.Error("expected a git pull when upstream is ahead")
	}
	if !notifier.find("Pulled 3 upstream commit(s)") {
		t.Errorf("pull not announced: %v", notifier.sent)
	}
	if restarted == "" {
		t.Error("auto restart not requested after a pull")
	}
}

func TestSecurityOnlySkipsPull(t *testing.T) {
	runner := cleanRunner()
	runner.outputs["git rev-list"] = "3\n"
	u := newTestUpdater(t, runner, Deps{SecurityOnly: true})

	u.RunOnce(context.Background())

	if runner.called("git pull") {
		t.Error("security-only mode must not pull")
	}
}

func TestSecurityOnlyPatchesFlaggedModules(t *testing.T) {
	repoDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoDir, "go.mod"),
		[]byte("module example.test\n\nrequire golang.org/x/net v0.22.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	notifier := &capturingNotifier{}
	runner := cleanRunner()
	runner.outputs["govulncheck ./..."] = "Vulnerability #1: GO-2026-0101\n  Fixed in: golang.org/x/net@v0.23.0\n"
	runner.effects = map[string]func(){
		"go get": func() {
			os.WriteFile(filepath.Join(repoDir, "go.mod"),
				[]byte("module example.test\n\nrequire golang.org/x/net v0.23.0\n"), 0o644)
		},
	}

	restarted := false
	u := newTestUpdater(t, runner, Deps{
		Notifier:     notifier,
		RepoDir:      repoDir,
		SecurityOnly: true,
		AutoRestart:  true,
		Restart:      func(string) { restarted = true },
	})

	u.RunOnce(context.Background())

	if !runner.called("go get golang.org/x/net@v0.23.0") {
		t.Errorf("flagged module not patched: %v", runner.calls)
	}
	if runner.called("go get -u") {
		t.Error("security-only mode upgraded everything")
	}
	if !runner.called("go mod tidy") {
		t.Error("manifest not tidied after an update")
	}
	if !strings.Contains(u.Summary(), "1 dependency update(s)") {
		t.Errorf("summary = %q", u.Summary())
	}
	if !restarted {
		t.Error("auto restart not requested after applying an update")
	}
}

func TestUpdatePassAppliesAndRestarts(t *testing.T) {
	repoDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoDir, "go.mod"),
		[]byte("module example.test\n\nrequire golang.org/x/net v0.22.0\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	runner := cleanRunner()
	runner.effects = map[string]func(){
		"go get": func() {
			os.WriteFile(filepath.Join(repoDir, "go.mod"),
				[]byte("module example.test\n\nrequire golang.org/x/net v0.24.0\n"), 0o644)
		},
	}

	restarted := false
	u := newTestUpdater(t, runner, Deps{
		RepoDir:     repoDir,
		AutoRestart: true,
		Restart:     func(string) { restarted = true },
	})

	u.RunOnce(context.Background())

	if !runner.called("go get -u ./...") {
		t.Errorf("bulk update not attempted: %v", runner.calls)
	}
	if !strings.Contains(u.Summary(), "dependency update(s)") {
		t.Errorf("summary = %q", u.Summary())
	}
	if !restarted {
		t.Error("auto restart not requested after applying an update")
	}
}

func TestUpdateFailureCountsAndNotifies(t *testing.T) {
	notifier := &capturingNotifier{}
	runner := cleanRunner()
	runner.outputs["govulncheck ./..."] = "Vulnerability #1: GO-2026-0101\n  Fixed in: golang.org/x/net@v0.23.0\n"
	runner.errs["go get"] = errors.New("module not found")

	restarted := false
	u := newTestUpdater(t, runner, Deps{
		Notifier:     notifier,
		SecurityOnly: true,
		AutoRestart:  true,
		Restart:      func(string) { restarted = true },
	})

	u.RunOnce(context.Background())

	if !notifier.find("dependency update(s) failed") {
		t.Errorf("update failure not surfaced: %v", notifier.sent)
	}
	if !strings.Contains(u.Summary(), "1 update failure(s)") {
		t.Errorf("summary = %q", u.Summary())
	}
	if restarted {
		t.Error("must not restart when nothing was applied")
	}
}

func TestFixedVersionsDeduplicates(t *testing.T) {
	out := "Vulnerability #1: GO-2026-0101\n  Fixed in: golang.org/x/net@v0.23.0\n" +
		"Vulnerability #2: GO-2026-0102\n  Fixed in: golang.org/x/net@v0.23.0\n" +
		"Vulnerability #3: GO-2026-0103\n  Fixed in: example.com/dep@v1.2.3.\n"
	targets := fixedVersions(out)
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2", targets)
	}
	if targets[0] != "golang.org/x/net@v0.23.0" || targets[1] != "example.com/dep@v1.2.3" {
		t.Errorf("targets = %v", targets)
	}
}

func TestPullFailureNotifiesAndStays(t *testing.T) {
	notifier := &capturingNotifier{}
	runner := cleanRunner()
	runner.outputs["git rev-list"] = "1\n"
	runner.errs["git pull"] = errors.New("merge conflict")

	restarted := false
	u := newTestUpdater(t, runner, Deps{
		Notifier:    notifier,
		AutoRestart: true,
		Restart:     func(string) { restarted = true },
	})

	u.RunOnce(context.Background())

	if !notifier.find("pull failed") {
		t.Errorf("pull failure not surfaced: %v", notifier.sent)
	}
	if restarted {
		t.Error("must not restart after a failed pull")
	}
}

func TestManifestBackupCopiesFiles(t *testing.T) {
	repoDir := t.TempDir()
	dataDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(repoDir, "go.mod"), []byte("module example.test\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	u := newTestUpdater(t, cleanRunner(), Deps{RepoDir: repoDir, DataDir: dataDir})

	u.RunOnce(context.Background())

	backed, err := os.ReadFile(filepath.Join(dataDir, "manifest_backup", "go.mod"))
	if err != nil {
		t.Fatalf("backup missing: %v", err)
	}
	if string(backed) != "module example.test\n" {
		t.Errorf("backup content = %q", backed)
	}
}

func TestSummaryBeforeFirstRun(t *testing.T) {
	u := newTestUpdater(t, cleanRunner(), Deps{})
	if got := u.Summary(); got != "" {
		t.Errorf("summary before any run = %q, want empty", got)
	}
}
