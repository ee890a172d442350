// Package retention prunes old proctoring audit records.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval is how often the worker sweeps when no interval is given.
const DefaultInterval = time.Hour

// Pruner deletes audit records older than a cutoff.
type Pruner interface {
	PruneEvents(ctx context.Context, cutoff time.Time) (int64, error)
}

// StartWorker runs a background goroutine that periodically deletes audit
// records older than retention. It sweeps once immediately and returns a
// channel that is closed when the goroutine exits.
func StartWorker(ctx context.Context, repo Pruner, retention, interval time.Duration) <-chan struct{} {
	return startWorker(ctx, repo, retention, interval, time.Now)
}

func startWorker(ctx context.Context, repo Pruner, retention, interval time.Duration, now func() time.Time) <-chan struct{} {
	if interval <= 0 {
		interval = DefaultInterval
	}
	done := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		slog.Info("Retention worker started", "interval", interval, "retention", retention)

		sweep(ctx, repo, now().Add(-retention))
		for {
			select {
			case <-ticker.C:
				sweep(ctx, repo, now().Add(-retention))
			case <-ctx.Done():
				slog.Info("Retention worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
	return done
}

func sweep(ctx context.Context, repo Pruner, cutoff time.Time) {
	deleted, err := repo.PruneEvents(ctx, cutoff)
	if err != nil {
		if ctx.Err() != nil {
			slog.Debug("Retention worker: context canceled during prune", "error", err)
			return
		}
		slog.Error("Retention worker failed to prune audit events", "error", err)
		return
	}
	if deleted > 0 {
		slog.Info("Retention worker pruned audit events", "count", deleted, "cutoff", cutoff)
	}
}
