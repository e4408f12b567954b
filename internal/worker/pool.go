package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
)

// spawnWorkerPool spawns N worker goroutines based on concurrency configuration
func (w *Worker) spawnWorkerPool(ctx context.Context) {
	w.logger.Info("Spawning worker pool",
		slog.Int("concurrency", w.concurrency),
		slog.String("worker_id", w.workerID),
	)

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.workerLoop(ctx, i)
	}

	w.logger.Info("Worker pool spawned successfully",
		slog.Int("worker_count", w.concurrency),
	)
}

// workerLoop claims and runs jobs until the pool stops. An idle goroutine
// sleeps until the next poll tick or a wake-up.
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Info("Worker goroutine started",
		slog.String("worker_name", workerName),
		slog.Int("worker_num", workerNum),
	)

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		if w.stopping(ctx) {
			w.logger.Info("Worker goroutine stopping",
				slog.String("worker_name", workerName),
			)
			return
		}

		ran, err := w.runNext(ctx, workerName)
		if err != nil {
			w.logger.Error("Failed to claim job",
				slog.String("worker_name", workerName),
				slog.String("error", err.Error()),
			)
		}
		if ran {
			continue
		}

		select {
		case <-w.stopChan:
		case <-ctx.Done():
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// RunOnce claims and runs a single job synchronously. It reports whether a
// job was run; an empty queue is not an error.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	return w.runNext(ctx, w.workerID)
}

func (w *Worker) runNext(ctx context.Context, workerName string) (bool, error) {
	job, err := w.store.Claim(ctx, workerName)
	if err != nil {
		if errors.Is(err, domain.ErrNoJobAvailable) {
			return false, nil
		}
		return false, err
	}

	w.processJob(ctx, job)
	return true, nil
}

func (w *Worker) stopping(ctx context.Context) bool {
	select {
	case <-w.stopChan:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
