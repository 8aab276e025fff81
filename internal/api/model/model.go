package model

import (
	"database/sql"
	"time"
)

type Company struct {
	ID               string    `db:"id"`
	Name             string    `db:"name"`
	SubscriptionTier string    `db:"subscription_tier"`
	Status           string    `db:"status"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

type BulkRatingRequest struct {
	ID                  string         `db:"id"`
	CompanyID           string         `db:"company_id"`
	TotalJobs           int            `db:"total_jobs"`
	Priority            string         `db:"priority"`
	CallbackURL         sql.NullString `db:"callback_url"`
	Status              string         `db:"status"`
	EstimatedCompletion time.Time      `db:"estimated_completion"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

type RatingJob struct {
	CompanyID     string    `db:"company_id"`
	BulkRequestID string    `db:"bulk_request_id"`
	JobIndex      int       `db:"job_index"`
	FnName        string    `db:"fn_name"`
	Payload       string    `db:"payload"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type AuditLog struct {
	CompanyID    string    `db:"company_id"`
	UserID       string    `db:"user_id"`
	Action       string    `db:"action"`
	ResourceType string    `db:"resource_type"`
	ResourceID   string    `db:"resource_id"`
	Details      string    `db:"details"`
	CreatedAt    time.Time `db:"created_at"`
}

// JobStatusCount is one row of a per-status job count
type JobStatusCount struct {
	Status string `db:"status"`
	Count  int    `db:"count"`
}
