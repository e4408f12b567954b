package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/metrics"
)

// runJanitor prunes old terminal jobs and refreshes the queue depth gauge
func (w *Worker) runJanitor(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.janitor.Interval)
	defer ticker.Stop()

	for {
		w.housekeep(ctx)

		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) housekeep(ctx context.Context) {
	removed, err := w.store.Prune(ctx, w.janitor.KeepCompleted, w.janitor.KeepFailed)
	if err != nil {
		w.logger.Warn("Failed to prune jobs", slog.String("error", err.Error()))
	} else if removed > 0 {
		metrics.AddPruned(removed)
		w.logger.Info("Pruned terminal jobs", slog.Int64("removed", removed))
	}

	counts, err := w.store.Counts(ctx)
	if err != nil {
		w.logger.Warn("Failed to count jobs", slog.String("error", err.Error()))
		return
	}
	for state, n := range counts {
		metrics.SetQueueDepth(string(state), n)
	}
}
