package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	"github.com/cuongbtq/rate-bulk/shared/logger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewStorage(sqlx.NewDb(db, "postgres"), logger.NewDiscard()), mock
}

func TestStorage_ListBatchPendingJobs(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`SELECT id\s+FROM rating_jobs\s+WHERE bulk_request_id = \$1 AND status = \$2\s+ORDER BY job_index`).
		WithArgs("bulk_1", domain.JobStatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)).AddRow(int64(12)))

	ids, err := s.ListBatchPendingJobs(context.Background(), "bulk_1")
	require.NoError(t, err)
	assert.Equal(t, []int64{11, 12}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListPendingJobs(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`SELECT id\s+FROM rating_jobs\s+WHERE status = \$1\s+ORDER BY created_at, job_index\s+LIMIT \$2`).
		WithArgs(domain.JobStatusPending, 25).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))

	ids, err := s.ListPendingJobs(context.Background(), 25)
	require.NoError(t, err)
	assert.Equal(t, []int64{3}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ListPendingJobs_Error(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`SELECT id`).WillReturnError(errors.New("connection reset"))

	_, err := s.ListPendingJobs(context.Background(), 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list pending jobs")
}

func TestStorage_ResetStaleJobs(t *testing.T) {
	s, mock := newMockStorage(t)
	cutoff := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`UPDATE rating_jobs\s+SET status = \$1,\s+worker_id = NULL`).
		WithArgs(domain.JobStatusPending, domain.JobStatusRunning, cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.ResetStaleJobs(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ClaimJob(t *testing.T) {
	s, mock := newMockStorage(t)

	rows := sqlmock.NewRows([]string{"id", "company_id", "bulk_request_id", "job_index", "fn_name", "payload"}).
		AddRow(int64(7), "acme", "bulk_1", 2, "rate-engine", `{"mode":"rate"}`)
	mock.ExpectQuery(`UPDATE rating_jobs\s+SET status = \$1,\s+worker_id = \$2`).
		WithArgs(domain.JobStatusRunning, "worker-1", int64(7), domain.JobStatusPending).
		WillReturnRows(rows)

	job, err := s.ClaimJob(context.Background(), 7, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, &domain.Job{
		ID:            7,
		CompanyID:     "acme",
		BulkRequestID: "bulk_1",
		JobIndex:      2,
		FnName:        "rate-engine",
		Payload:       `{"mode":"rate"}`,
	}, job)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ClaimJob_AlreadyClaimed(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`UPDATE rating_jobs`).WillReturnError(sql.ErrNoRows)

	job, err := s.ClaimJob(context.Background(), 7, "worker-1")
	assert.Nil(t, job)
	assert.ErrorIs(t, err, domain.ErrJobAlreadyClaimed)
}

func TestStorage_ClaimJob_DatabaseError(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectQuery(`UPDATE rating_jobs`).WillReturnError(errors.New("deadlock detected"))

	_, err := s.ClaimJob(context.Background(), 7, "worker-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrJobAlreadyClaimed)
	assert.Contains(t, err.Error(), "failed to claim job")
}

func TestStorage_CompleteJob(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(`UPDATE rating_jobs\s+SET status = \$1,\s+result = CAST\(\$2 AS JSONB\)`).
		WithArgs(domain.JobStatusDone, `{"total":1250.5}`, int64(7), domain.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.CompleteJob(context.Background(), 7, map[string]float64{"total": 1250.5})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_FailJob(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(`UPDATE rating_jobs\s+SET status = \$1,\s+error_message = \$2`).
		WithArgs(domain.JobStatusFailed, "unknown equipment type", int64(7), domain.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.FailJob(context.Background(), 7, "unknown equipment type")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_ReleaseJob(t *testing.T) {
	s, mock := newMockStorage(t)

	mock.ExpectExec(`UPDATE rating_jobs\s+SET status = \$1,\s+worker_id = NULL`).
		WithArgs(domain.JobStatusPending, int64(7), domain.JobStatusRunning).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, s.ReleaseJob(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStorage_FinalizeBatch(t *testing.T) {
	finalizeArgs := []any{
		"bulk_1",
		domain.BatchStatusFailed,
		domain.BatchStatusCompleted,
		domain.JobStatusDone,
		domain.JobStatusFailed,
		domain.JobStatusPending,
		domain.JobStatusRunning,
		domain.BatchStatusProcessing,
	}

	t.Run("terminal batch", func(t *testing.T) {
		s, mock := newMockStorage(t)

		rows := sqlmock.NewRows([]string{"id", "company_id", "status", "total_jobs", "callback_url", "done", "failed"}).
			AddRow("bulk_1", "acme", domain.BatchStatusFailed, 3, "https://hooks.example.com/rates", 2, 1)
		mock.ExpectQuery(`UPDATE bulk_rating_requests b`).WithArgs(toValues(finalizeArgs)...).WillReturnRows(rows)

		outcome, err := s.FinalizeBatch(context.Background(), "bulk_1")
		require.NoError(t, err)
		assert.Equal(t, &domain.BatchOutcome{
			RequestID:   "bulk_1",
			CompanyID:   "acme",
			Status:      domain.BatchStatusFailed,
			TotalJobs:   3,
			CallbackURL: "https://hooks.example.com/rates",
			Done:        2,
			Failed:      1,
		}, outcome)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("batch still open", func(t *testing.T) {
		s, mock := newMockStorage(t)

		mock.ExpectQuery(`UPDATE bulk_rating_requests b`).WillReturnError(sql.ErrNoRows)

		outcome, err := s.FinalizeBatch(context.Background(), "bulk_1")
		require.NoError(t, err)
		assert.Nil(t, outcome)
	})

	t.Run("database error", func(t *testing.T) {
		s, mock := newMockStorage(t)

		mock.ExpectQuery(`UPDATE bulk_rating_requests b`).WillReturnError(errors.New("connection reset"))

		_, err := s.FinalizeBatch(context.Background(), "bulk_1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to finalize batch")
	})
}

func toValues(args []any) []driver.Value {
	values := make([]driver.Value, len(args))
	for i, a := range args {
		values[i] = a
	}
	return values
}
