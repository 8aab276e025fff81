package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	"github.com/jmoiron/sqlx"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ListBatchPendingJobs returns the pending job ids of one batch in submission order
func (s *Storage) ListBatchPendingJobs(ctx context.Context, batchID string) ([]int64, error) {
	query := `
		SELECT id
		FROM rating_jobs
		WHERE bulk_request_id = $1 AND status = $2
		ORDER BY job_index
	`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, batchID, domain.JobStatusPending); err != nil {
		return nil, fmt.Errorf("failed to list batch jobs: %w", err)
	}
	return ids, nil
}

// ListPendingJobs returns up to limit pending job ids, oldest first
func (s *Storage) ListPendingJobs(ctx context.Context, limit int) ([]int64, error) {
	query := `
		SELECT id
		FROM rating_jobs
		WHERE status = $1
		ORDER BY created_at, job_index
		LIMIT $2
	`

	var ids []int64
	if err := s.db.SelectContext(ctx, &ids, query, domain.JobStatusPending, limit); err != nil {
		return nil, fmt.Errorf("failed to list pending jobs: %w", err)
	}
	return ids, nil
}

// ResetStaleJobs returns running jobs started before the cutoff to pending
func (s *Storage) ResetStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	query := `
		UPDATE rating_jobs
		SET status = $1,
		    worker_id = NULL,
		    started_at = NULL,
		    updated_at = NOW()
		WHERE status = $2
		  AND started_at < $3
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusPending, domain.JobStatusRunning, startedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stale jobs: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Warn("Reset stale running jobs", slog.Int64("count", n))
	}
	return n, nil
}

// ClaimJob attempts to claim a job using optimistic locking
// Returns full job details on success, error if job is already claimed or doesn't exist
func (s *Storage) ClaimJob(ctx context.Context, jobID int64, workerID string) (*domain.Job, error) {
	query := `
		UPDATE rating_jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3
		  AND status = $4
		RETURNING id, company_id, bulk_request_id, job_index, fn_name, payload::text AS payload
	`

	var job domain.Job
	err := s.db.GetContext(ctx, &job, query, domain.JobStatusRunning, workerID, jobID, domain.JobStatusPending)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Debug("Job already claimed or not found",
				slog.Int64("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return &job, nil
}

// CompleteJob stores the rating result and marks the job done
func (s *Storage) CompleteJob(ctx context.Context, jobID int64, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		UPDATE rating_jobs
		SET status = $1,
		    result = CAST($2 AS JSONB),
		    error_message = NULL,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	return s.finishJob(ctx, query, jobID, domain.JobStatusDone, string(body), jobID, domain.JobStatusRunning)
}

// FailJob records the failure reason and marks the job failed
func (s *Storage) FailJob(ctx context.Context, jobID int64, reason string) error {
	query := `
		UPDATE rating_jobs
		SET status = $1,
		    error_message = $2,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $3 AND status = $4
	`

	return s.finishJob(ctx, query, jobID, domain.JobStatusFailed, reason, jobID, domain.JobStatusRunning)
}

// ReleaseJob hands a running job back to the pending pool
func (s *Storage) ReleaseJob(ctx context.Context, jobID int64) error {
	query := `
		UPDATE rating_jobs
		SET status = $1,
		    worker_id = NULL,
		    started_at = NULL,
		    updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	return s.finishJob(ctx, query, jobID, domain.JobStatusPending, jobID, domain.JobStatusRunning)
}

func (s *Storage) finishJob(ctx context.Context, query string, jobID int64, status string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, append([]any{status}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		s.logger.Warn("Job status update - no rows affected (job may not be running)",
			slog.Int64("job_id", jobID),
			slog.String("status", status),
		)
		return nil
	}

	s.logger.Debug("Job status updated",
		slog.Int64("job_id", jobID),
		slog.String("status", status),
	)
	return nil
}

// FinalizeBatch moves a batch to its terminal status once no job is pending or
// running. It returns nil when the batch is still open or was already finalized.
func (s *Storage) FinalizeBatch(ctx context.Context, batchID string) (*domain.BatchOutcome, error) {
	query := `
		UPDATE bulk_rating_requests b
		SET status = CASE WHEN c.failed > 0 THEN $2 ELSE $3 END,
		    updated_at = NOW()
		FROM (
			SELECT COUNT(*) FILTER (WHERE status = $4) AS done,
			       COUNT(*) FILTER (WHERE status = $5) AS failed,
			       COUNT(*) FILTER (WHERE status IN ($6, $7)) AS open
			FROM rating_jobs
			WHERE bulk_request_id = $1
		) c
		WHERE b.id = $1
		  AND b.status = $8
		  AND c.open = 0
		RETURNING b.id, b.company_id, b.status, b.total_jobs,
		          COALESCE(b.callback_url, '') AS callback_url, c.done, c.failed
	`

	var outcome domain.BatchOutcome
	err := s.db.GetContext(ctx, &outcome, query,
		batchID,
		domain.BatchStatusFailed,
		domain.BatchStatusCompleted,
		domain.JobStatusDone,
		domain.JobStatusFailed,
		domain.JobStatusPending,
		domain.JobStatusRunning,
		domain.BatchStatusProcessing,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to finalize batch: %w", err)
	}

	s.logger.Info("Batch finalized",
		slog.String("request_id", outcome.RequestID),
		slog.String("status", outcome.Status),
		slog.Int("done", outcome.Done),
		slog.Int("failed", outcome.Failed),
	)
	return &outcome, nil
}
