package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/admission"
	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/model"
	"github.com/cuongbtq/rate-bulk/shared/postgresql"
	"github.com/jmoiron/sqlx"
)

type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

func NewStorage(pg *postgresql.Client, logger *slog.Logger) *Storage {
	return &Storage{
		db:     pg.GetDB(),
		logger: logger,
	}
}

func (s *Storage) GetCompany(ctx context.Context, companyID string) (*domain.Company, error) {
	var row model.Company
	query := `
		SELECT
			id, name, subscription_tier, status, created_at, updated_at
		FROM companies
		WHERE id = $1
	`

	if err := s.db.GetContext(ctx, &row, query, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrCompanyNotFound
		}
		return nil, fmt.Errorf("failed to get company: %w", err)
	}

	return &domain.Company{
		ID:     row.ID,
		Name:   row.Name,
		Tier:   domain.Tier(row.SubscriptionTier),
		Status: row.Status,
	}, nil
}

// InTenantTx runs fn inside a transaction holding the tenant's advisory
// lock, so admissions for one company are serialized while other
// companies proceed. The lock is released at commit or rollback.
func (s *Storage) InTenantTx(ctx context.Context, companyID string, fn func(tx admission.Tx) error) (err error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Error("Failed to roll back admission transaction",
				slog.String("company_id", companyID),
				slog.Any("error", rbErr),
			)
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, companyID); err != nil {
		return fmt.Errorf("failed to lock tenant: %w", err)
	}

	if err = fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) CountBatchesSince(ctx context.Context, companyID string, since time.Time) (int, error) {
	var count int
	query := `
		SELECT COUNT(*)
		FROM bulk_rating_requests
		WHERE company_id = $1 AND created_at >= $2
	`

	if err := t.tx.GetContext(ctx, &count, query, companyID, since); err != nil {
		return 0, fmt.Errorf("failed to count recent batches: %w", err)
	}

	return count, nil
}

func (t *pgTx) InsertBatch(ctx context.Context, batch *model.BulkRatingRequest) error {
	query := `
		INSERT INTO bulk_rating_requests (
			id, company_id, total_jobs, priority, callback_url,
			status, estimated_completion, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9
		)
	`

	_, err := t.tx.ExecContext(
		ctx,
		query,
		batch.ID,
		batch.CompanyID,
		batch.TotalJobs,
		batch.Priority,
		batch.CallbackURL,
		batch.Status,
		batch.EstimatedCompletion,
		batch.CreatedAt,
		batch.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert bulk request: %w", err)
	}

	return nil
}

// InsertJobs writes all rows in one multi-row INSERT
func (t *pgTx) InsertJobs(ctx context.Context, jobs []model.RatingJob) error {
	if len(jobs) == 0 {
		return nil
	}

	query := `INSERT INTO rating_jobs (
			company_id, bulk_request_id, job_index, fn_name,
			payload, status, created_at, updated_at
		) VALUES (
			:company_id, :bulk_request_id, :job_index, :fn_name,
			CAST(:payload AS JSONB), :status, :created_at, :updated_at
		)`

	res, err := t.tx.NamedExecContext(ctx, query, jobs)
	if err != nil {
		return fmt.Errorf("failed to insert rating jobs: %w", err)
	}

	if n, err := res.RowsAffected(); err == nil && n != int64(len(jobs)) {
		return fmt.Errorf("failed to insert rating jobs: inserted %d of %d rows", n, len(jobs))
	}

	return nil
}

func (s *Storage) GetBatchStatus(ctx context.Context, companyID, requestID string) (*domain.BatchStatus, error) {
	var batch model.BulkRatingRequest
	query := `
		SELECT
			id, company_id, total_jobs, priority, callback_url,
			status, estimated_completion, created_at, updated_at
		FROM bulk_rating_requests
		WHERE id = $1 AND company_id = $2
	`

	if err := s.db.GetContext(ctx, &batch, query, requestID, companyID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrBatchNotFound
		}
		return nil, fmt.Errorf("failed to get bulk request: %w", err)
	}

	var counts []model.JobStatusCount
	countQuery := `
		SELECT status, COUNT(*) AS count
		FROM rating_jobs
		WHERE bulk_request_id = $1
		GROUP BY status
	`

	if err := s.db.SelectContext(ctx, &counts, countQuery, requestID); err != nil {
		return nil, fmt.Errorf("failed to count rating jobs: %w", err)
	}

	status := &domain.BatchStatus{
		RequestID:           batch.ID,
		Status:              batch.Status,
		TotalJobs:           batch.TotalJobs,
		Priority:            domain.Priority(batch.Priority),
		EstimatedCompletion: batch.EstimatedCompletion,
		CreatedAt:           batch.CreatedAt,
	}

	for _, c := range counts {
		switch c.Status {
		case domain.JobStatusPending:
			status.Jobs.Pending = c.Count
		case domain.JobStatusRunning:
			status.Jobs.Running = c.Count
		case domain.JobStatusDone:
			status.Jobs.Done = c.Count
		case domain.JobStatusFailed:
			status.Jobs.Failed = c.Count
		}
	}

	return status, nil
}

func (s *Storage) AppendAudit(ctx context.Context, entry *model.AuditLog) error {
	query := `
		INSERT INTO audit_logs (
			company_id, user_id, action, resource_type,
			resource_id, details, created_at
		) VALUES (
			$1, $2, $3, $4,
			$5, CAST($6 AS JSONB), $7
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		entry.CompanyID,
		entry.UserID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Details,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}

	return nil
}
