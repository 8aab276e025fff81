package handler

import (
	"context"
	"log/slog"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
)

// Admitter runs bulk rating admission and status lookups
type Admitter interface {
	Admit(ctx context.Context, authorization string, body []byte) (*domain.Admission, error)
	Status(ctx context.Context, authorization, requestID string) (*domain.BatchStatus, error)
}

// HealthChecker reports the health of a backing service
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger      *slog.Logger
	Admission   Admitter
	Database    HealthChecker
	ServiceName string
	MaxBodySize int64
}

// RateBulkHandler handles bulk rating HTTP requests
type RateBulkHandler struct {
	logger      *slog.Logger
	admission   Admitter
	maxBodySize int64
}

// NewRateBulkHandler creates a new RateBulkHandler instance
func NewRateBulkHandler(deps *Dependencies) *RateBulkHandler {
	maxBody := deps.MaxBodySize
	if maxBody <= 0 {
		maxBody = 8 << 20
	}
	return &RateBulkHandler{
		logger:      deps.Logger,
		admission:   deps.Admission,
		maxBodySize: maxBody,
	}
}
