package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	"github.com/cuongbtq/rate-bulk/internal/worker/notify"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// storeTimeout bounds the status writes that follow a rating run
const storeTimeout = 5 * time.Second

// processJob claims, rates and records a single job, then finalizes its batch
func (w *Worker) processJob(ctx context.Context, jobID int64) error {
	ctx, span := w.tracer.Start(ctx, "worker.process_job")
	defer span.End()
	span.SetAttributes(attribute.Int64("job.id", jobID))

	job, err := w.storage.ClaimJob(ctx, jobID, w.workerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			return nil
		}
		span.RecordError(err)
		return domain.NewRetryableError(err)
	}
	span.SetAttributes(
		attribute.String("batch.id", job.BulkRequestID),
		attribute.String("company.id", job.CompanyID),
	)

	// status writes must land even when shutdown cancels ctx mid-job
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()

	payload, err := domain.ParsePayload(job.Payload)
	if err != nil {
		w.fail(storeCtx, job, err)
		return err
	}

	jobCtx := ctx
	if w.jobTimeout > 0 {
		var cancelJob context.CancelFunc
		jobCtx, cancelJob = context.WithTimeout(ctx, w.jobTimeout)
		defer cancelJob()
	}

	quote, err := w.rater.Rate(jobCtx, payload)
	if err != nil {
		if ctx.Err() != nil {
			// shutting down: give the job back instead of failing it
			if relErr := w.storage.ReleaseJob(storeCtx, job.ID); relErr != nil {
				w.logger.Error("Failed to release job",
					slog.Int64("job_id", job.ID),
					slog.Any("error", relErr),
				)
			}
			return domain.NewRetryableError(fmt.Errorf("job interrupted: %w", err))
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("rating timed out after %s", w.jobTimeout)
		}
		span.SetStatus(codes.Error, err.Error())
		w.fail(storeCtx, job, err)
		return nil
	}

	if err := w.storage.CompleteJob(storeCtx, job.ID, quote); err != nil {
		span.RecordError(err)
		// the job stays running and is recovered by the stale job sweep
		return domain.NewRetryableError(err)
	}

	w.logger.Debug("Job rated",
		slog.Int64("job_id", job.ID),
		slog.String("request_id", job.BulkRequestID),
		slog.Int("job_index", job.JobIndex),
		slog.Float64("total", quote.Total),
	)

	w.finalize(storeCtx, job.BulkRequestID)
	return nil
}

// fail records a permanent job failure and finalizes the batch
func (w *Worker) fail(ctx context.Context, job *domain.Job, cause error) {
	w.logger.Warn("Job failed",
		slog.Int64("job_id", job.ID),
		slog.String("request_id", job.BulkRequestID),
		slog.Int("job_index", job.JobIndex),
		slog.Any("error", cause),
	)

	if err := w.storage.FailJob(ctx, job.ID, cause.Error()); err != nil {
		w.logger.Error("Failed to update job status to failed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return
	}
	w.finalize(ctx, job.BulkRequestID)
}

// finalize closes the batch when its last job finished and sends the callback
func (w *Worker) finalize(ctx context.Context, batchID string) {
	outcome, err := w.storage.FinalizeBatch(ctx, batchID)
	if err != nil {
		w.logger.Error("Failed to finalize batch",
			slog.String("request_id", batchID),
			slog.Any("error", err),
		)
		return
	}
	if outcome == nil || outcome.CallbackURL == "" || w.notifier == nil {
		return
	}

	cb := notify.Callback{
		RequestID:   outcome.RequestID,
		CompanyID:   outcome.CompanyID,
		Status:      outcome.Status,
		TotalJobs:   outcome.TotalJobs,
		Done:        outcome.Done,
		Failed:      outcome.Failed,
		CompletedAt: w.clock.Now().UTC(),
	}
	if err := w.notifier.Notify(context.WithoutCancel(ctx), outcome.CallbackURL, cb); err != nil {
		w.logger.Warn("Batch callback not delivered",
			slog.String("request_id", outcome.RequestID),
			slog.Any("error", err),
		)
	}
}
