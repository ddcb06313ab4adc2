// Package selfheal keeps the deployment current: a daily pass scans
// dependencies for known vulnerabilities, backs up the dependency
// manifest, applies dependency updates (optionally security fixes
// only), pulls upstream commits, and requests a restart when anything
// changed. An env-file watcher restarts on credential edits. A clean
// pass is silent.
package selfheal

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nextlevelbuilder/aide/internal/notify"
)

const cycleInterval = 24 * time.Hour

// Deps wires the updater.
type Deps struct {
	Notifier notify.Notifier
	RepoDir  string // source checkout (default ".")
	DataDir  string // manifest backups land here
	EnvFile  string // watched for changes (default ".env")

	SecurityOnly bool
	AutoRestart  bool

	// Restart asks the supervisor for a restart (usually by exiting
	// cleanly). Nil disables restart requests.
	Restart func(reason string)
}

// Updater runs the 24h maintenance cycle.
type Updater struct {
	notifier notify.Notifier
	repoDir  string
	dataDir  string
	envFile  string
	security bool
	restart  func(reason string)
	auto     bool

	mu      sync.Mutex
	summary string
	lastRun time.Time

	runCmd func(ctx context.Context, dir string, name string, args ...string) (string, error)
}

func New(d Deps) *Updater {
	repoDir := d.RepoDir
	if repoDir == "" {
		repoDir = "."
	}
	envFile := d.EnvFile
	if envFile == "" {
		envFile = ".env"
	}
	notifier := d.Notifier
	if notifier == nil {
		notifier = notify.Discard{}
	}
	return &Updater{
		notifier: notifier,
		repoDir:  repoDir,
		dataDir:  d.DataDir,
		envFile:  envFile,
		security: d.SecurityOnly,
		restart:  d.Restart,
		auto:     d.AutoRestart,
		runCmd:   runCommand,
	}
}

func runCommand(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// Summary reports the last cycle's outcome for the daily digest.
func (u *Updater) Summary() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.lastRun.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s (last run %s)", u.summary, u.lastRun.Format("Jan 2 15:04"))
}

func (u *Updater) setSummary(s string) {
	u.mu.Lock()
	u.summary = s
	u.lastRun = time.Now()
	u.mu.Unlock()
}

// Run executes the maintenance cycle every 24h until the context ends.
func (u *Updater) Run(ctx context.Context) {
	slog.Info("self-heal cycle started", "repo", u.repoDir, "security_only", u.security)
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.RunOnce(ctx)
		}
	}
}

// RunOnce performs one maintenance pass. Every step tolerates failure:
// a broken updater must never take the agent down with it.
func (u *Updater) RunOnce(ctx context.Context) {
	findings, scanOut := u.scanVulnerabilities(ctx)
	u.backupManifest()
	updated, failed := u.applyUpdates(ctx, scanOut)
	pulled := u.pullUpstream(ctx)

	var parts []string
	if findings > 0 {
		parts = append(parts, fmt.Sprintf("%d vulnerability finding(s)", findings))
	}
	if updated > 0 {
		parts = append(parts, fmt.Sprintf("%d dependency update(s)", updated))
	}
	if failed > 0 {
		parts = append(parts, fmt.Sprintf("%d update failure(s)", failed))
	}
	if pulled {
		parts = append(parts, "upstream updated")
	}
	if len(parts) == 0 {
		u.setSummary("clean")
	} else {
		u.setSummary(strings.Join(parts, ", "))
	}
	slog.Info("maintenance cycle done",
		"findings", findings, "updated", updated, "failed", failed, "pulled", pulled)

	if (updated > 0 || pulled) && u.auto {
		u.requestRestart("maintenance applied updates")
	}
}

// scanVulnerabilities runs govulncheck and reports findings along with
// the raw output, which carries the patched versions. A missing
// scanner is logged once and skipped, not treated as a failure.
func (u *Updater) scanVulnerabilities(ctx context.Context) (int, string) {
	out, err := u.runCmd(ctx, u.repoDir, "govulncheck", "./...")
	if err != nil && !strings.Contains(out, "Vulnerability") {
		slog.Debug("vulnerability scan unavailable", "error", err)
		return 0, ""
	}
	findings := strings.Count(out, "Vulnerability #")
	if findings > 0 {
		u.notifier.Notify(ctx, fmt.Sprintf(
			"Dependency scan found %d vulnerability finding(s). Run govulncheck for details.", findings),
			notify.Warning)
		slog.Warn("vulnerability findings", "count", findings)
	}
	return findings, out
}

var fixedRe = regexp.MustCompile(`Fixed in:\s*(\S+@\S+)`)

// fixedVersions pulls the patched module versions out of scan output,
// deduplicated in first-seen order.
func fixedVersions(out string) []string {
	seen := make(map[string]bool)
	var targets []string
	for _, m := range fixedRe.FindAllStringSubmatch(out, -1) {
		t := strings.TrimSuffix(m[1], ".")
		if !seen[t] {
			seen[t] = true
			targets = append(targets, t)
		}
	}
	return targets
}

// applyUpdates upgrades dependencies: in security-only mode just the
// modules the scan flagged, otherwise everything. The updated count is
// confirmed against the manifest backup taken at the start of the
// cycle, so a no-op pass never reports an update or triggers a
// restart.
func (u *Updater) applyUpdates(ctx context.Context, scanOut string) (updated, failed int) {
	if u.security {
		for _, target := range fixedVersions(scanOut) {
			if out, err := u.runCmd(ctx, u.repoDir, "go", "get", target); err != nil {
				slog.Warn("dependency update failed", "target", target, "error", err, "output", strings.TrimSpace(out))
				failed++
				continue
			}
			updated++
		}
	} else {
		if out, err := u.runCmd(ctx, u.repoDir, "go", "get", "-u", "./..."); err != nil {
			slog.Warn("dependency update failed", "error", err, "output", strings.TrimSpace(out))
			failed++
		} else {
			updated++
		}
	}

	if updated > 0 && !u.manifestChanged() {
		updated = 0
	}
	if updated > 0 {
		if out, err := u.runCmd(ctx, u.repoDir, "go", "mod", "tidy"); err != nil {
			slog.Warn("go mod tidy failed", "error", err, "output", strings.TrimSpace(out))
		}
	}
	if failed > 0 {
		u.notifier.Notify(ctx, fmt.Sprintf(
			"%d dependency update(s) failed; the previous manifest is backed up under %s.",
			failed, filepath.Join(u.dataDir, "manifest_backup")), notify.Warning)
	}
	return updated, failed
}

// manifestChanged compares the repo manifest against the copy backed
// up at the start of this cycle.
func (u *Updater) manifestChanged() bool {
	backupDir := filepath.Join(u.dataDir, "manifest_backup")
	for _, name := range []string{"go.mod", "go.sum"} {
		cur, err := os.ReadFile(filepath.Join(u.repoDir, name))
		if err != nil {
			continue
		}
		prev, err := os.ReadFile(filepath.Join(backupDir, name))
		if err != nil {
			return true
		}
		if !bytes.Equal(cur, prev) {
			return true
		}
	}
	return false
}

// backupManifest copies go.mod and go.sum into the data dir so a bad
// update can be rolled back by hand.
func (u *Updater) backupManifest() {
	backupDir := filepath.Join(u.dataDir, "manifest_backup")
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		slog.Warn("manifest backup dir", "error", err)
		return
	}
	for _, name := range []string{"go.mod", "go.sum"} {
		data, err := os.ReadFile(filepath.Join(u.repoDir, name))
		if err != nil {
			continue
		}
		if err := os.WriteFile(filepath.Join(backupDir, name), data, 0o644); err != nil {
			slog.Warn("manifest backup write", "file", name, "error", err)
		}
	}
}

// pullUpstream fast-forwards the checkout when the remote is ahead.
// Reports true when commits were pulled. In security-only mode the
// pull is skipped and only reported.
func (u *Updater) pullUpstream(ctx context.Context) bool {
	if _, err := u.runCmd(ctx, u.repoDir, "git", "fetch", "--quiet"); err != nil {
		slog.Debug("git fetch failed", "error", err)
		return false
	}
	out, err := u.runCmd(ctx, u.repoDir, "git", "rev-list", "--count", "HEAD..@{upstream}")
	if err != nil {
		slog.Debug("git rev-list failed", "error", err)
		return false
	}
	behind := strings.TrimSpace(out)
	if behind == "" || behind == "0" {
		return false
	}
	if u.security {
		slog.Info("upstream has new commits; security-only mode, not pulling", "behind", behind)
		return false
	}
	if out, err := u.runCmd(ctx, u.repoDir, "git", "pull", "--ff-only", "--quiet"); err != nil {
		slog.Error("git pull failed", "error", err, "output", strings.TrimSpace(out))
		u.notifier.Notify(ctx, "Upstream pull failed; staying on the current version.", notify.Error)
		return false
	}
	u.notifier.Notify(ctx, fmt.Sprintf("Pulled %s upstream commit(s).", behind), notify.Info)
	return true
}

func (u *Updater) requestRestart(reason string) {
	if u.restart == nil {
		slog.Info("restart requested but no supervisor hook", "reason", reason)
		return
	}
	slog.Info("requesting restart", "reason", reason)
	u.restart(reason)
}

// WatchEnv watches the env file and requests a restart when it
// changes, so rotated credentials take effect without manual
// intervention.
func (u *Updater) WatchEnv(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: editors replace the file, which drops a
	// watch on the file itself.
	dir := filepath.Dir(u.envFile)
	if dir == "" {
		dir = "."
	}
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Base(u.envFile)
	slog.Info("watching env file", "file", u.envFile)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.Info("env file changed", "op", event.Op.String())
			u.notifier.Notify(ctx, "Environment file changed; restarting to pick it up.", notify.Warning)
			u.requestRestart("env file changed")
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("env watcher error", "error", err)
		}
	}
}
