package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nextlevelbuilder/aide/internal/notify"
)

// reportChunkLimit is below Telegram's hard cap to leave room for the
// continuation header.
const reportChunkLimit = 3800

func buildReport(task Task, plan []Subtask, outputs []string, v verdict, failures int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task %s: %s\n", task.ID, task.Goal)
	fmt.Fprintf(&sb, "Finished %s\n", time.Now().Format("2006-01-02 15:04"))
	fmt.Fprintf(&sb, "Steps: %d, failed: %d, score: %.2f\n\n", len(plan), failures, v.Score)
	sb.WriteString(strings.Join(outputs, "\n\n"))
	if v.RefinementHint != "" && !v.Passed {
		fmt.Fprintf(&sb, "\n\nCritic note: %s\n", v.RefinementHint)
	}
	return sb.String()
}

func writeReport(path, report string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(report), 0o644)
}

// deliverReport sends the report in chunks on the primary transport,
// header on the first chunk, continuation markers on the rest. A
// condensed copy goes to WhatsApp when configured.
func (r *Runner) deliverReport(ctx context.Context, taskID, report string) {
	chunks := notify.SplitChunks(report, r.chunkLimit)
	for i, chunk := range chunks {
		if i == 0 {
			r.notifier.Notify(ctx, fmt.Sprintf("Task %s report:\n%s", taskID, chunk), notify.Success)
		} else {
			r.notifier.Notify(ctx, fmt.Sprintf("(continued %d)\n%s", i+1, chunk), notify.Info)
		}
	}

	if r.whatsapp != nil {
		condensed := report
		if lines := strings.SplitN(report, "\n\n", 2); len(lines) > 0 {
			condensed = lines[0]
		}
		condensed = clip(condensed, 600)
		if err := r.whatsapp(ctx, fmt.Sprintf("Task %s done.\n%s", taskID, condensed)); err != nil {
			slog.Warn("whatsapp delivery failed", "task", taskID, "error", err)
		}
	}
}
