package memory

import (
	"context"
	"log/slog"
	"time"
)

const (
	consolidateWarmup   = 30 * time.Minute
	consolidateInterval = 6 * time.Hour
	consolidateScanCap  = 500
)

// Consolidator ages conversation turns out of the channel stores. It
// waits a warmup period after boot so a crash-looping process never
// spends its life pruning, then runs every few hours.
type Consolidator struct {
	brain *Brain
}

func NewConsolidator(brain *Brain) *Consolidator {
	return &Consolidator{brain: brain}
}

// Run blocks until ctx is done. Call in a goroutine.
func (c *Consolidator) Run(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(consolidateWarmup):
	}

	c.runOnce(ctx)
	ticker := time.NewTicker(consolidateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Consolidator) runOnce(ctx context.Context) {
	start := time.Now()
	pruned, err := c.brain.PruneChannels(ctx, consolidateScanCap)
	if err != nil {
		slog.Error("memory: consolidation failed", "error", err)
		return
	}
	if pruned > 0 {
		slog.Info("memory: consolidation pruned old turns", "pruned", pruned, "duration", time.Since(start))
	} else {
		slog.Debug("memory: consolidation clean", "duration", time.Since(start))
	}
}
