package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
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
}

// workerLoop is the main processing loop for each worker goroutine
func (w *Worker) workerLoop(ctx context.Context, workerNum int) {
	defer w.wg.Done()

	workerName := fmt.Sprintf("%s-%d", w.workerID, workerNum)
	w.logger.Debug("Worker goroutine started",
		slog.String("worker_name", workerName),
	)

	for {
		select {
		case <-w.stopChan:
			w.logger.Debug("Worker goroutine stopping - stopChan closed",
				slog.String("worker_name", workerName),
			)
			return

		case <-ctx.Done():
			w.logger.Debug("Worker goroutine stopping - context canceled",
				slog.String("worker_name", workerName),
			)
			return

		case jobID := <-w.jobsChan:
			err := w.processJob(ctx, jobID)
			if err == nil {
				continue
			}

			w.logger.Error("Job processing failed",
				slog.String("worker_name", workerName),
				slog.Int64("job_id", jobID),
				slog.Bool("retryable", shouldRetryJob(err)),
				slog.Any("error", err),
			)
		}
	}
}

// startPoller periodically recovers stale jobs and feeds pending ones to the
// pool, covering batches whose queue message was lost or never published
func (w *Worker) startPoller(ctx context.Context) {
	if w.pollInterval <= 0 {
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.pollOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) pollOnce(ctx context.Context) {
	if w.jobTimeout > 0 {
		cutoff := w.clock.Now().Add(-2 * w.jobTimeout)
		if _, err := w.storage.ResetStaleJobs(ctx, cutoff); err != nil {
			w.logger.Error("Failed to reset stale jobs", slog.Any("error", err))
		}
	}

	ids, err := w.storage.ListPendingJobs(ctx, w.pollBatchSize)
	if err != nil {
		w.logger.Error("Failed to poll pending jobs", slog.Any("error", err))
		return
	}
	if len(ids) > 0 {
		w.logger.Debug("Polled pending jobs", slog.Int("count", len(ids)))
	}

	for _, id := range ids {
		if !w.dispatch(ctx, id) {
			return
		}
	}
}

// shouldRetryJob reports whether a failed job will be picked up again
func shouldRetryJob(err error) bool {
	if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
