// Package audit records accepted bulk rating requests. Emission is
// asynchronous and never affects the admission outcome.
package audit

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/model"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	ActionBulkRateAccepted  = "bulk_rate_request.accepted"
	ResourceBulkRateRequest = "bulk_rating_request"
	defaultTimeout          = 5 * time.Second
)

// Writer persists audit rows
type Writer interface {
	AppendAudit(ctx context.Context, entry *model.AuditLog) error
}

// Details is the structured detail blob of an accepted batch
type Details struct {
	RequestID     string `json:"request_id"`
	JobCount      int    `json:"job_count"`
	Priority      string `json:"priority"`
	Tier          string `json:"tier"`
	CallbackURL   string `json:"callback_url,omitempty"`
	PayloadDigest string `json:"payload_digest,omitempty"`
}

// Emitter writes audit entries in the background
type Emitter struct {
	writer  Writer
	logger  *slog.Logger
	tracer  trace.Tracer
	timeout time.Duration
	now     func() time.Time
	wg      sync.WaitGroup
}

func NewEmitter(writer Writer, logger *slog.Logger, tracer trace.Tracer, timeout time.Duration) *Emitter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Emitter{
		writer:  writer,
		logger:  logger,
		tracer:  tracer,
		timeout: timeout,
		now:     time.Now,
	}
}

// Digest returns the hex BLAKE3 hash of a request body
func Digest(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// BatchAccepted schedules the audit entry for an accepted batch and
// returns immediately. The write outlives ctx cancellation but is bounded
// by the emitter timeout.
func (e *Emitter) BatchAccepted(ctx context.Context, caller *domain.Caller, sub *domain.Submission, admission *domain.Admission) {
	details := Details{
		RequestID:     admission.RequestID,
		JobCount:      admission.Accepted,
		Priority:      string(sub.Priority),
		Tier:          string(caller.Company.Tier),
		CallbackURL:   sub.CallbackURL,
		PayloadDigest: sub.Digest,
	}

	entry := &model.AuditLog{
		CompanyID:    caller.Company.ID,
		UserID:       caller.UserID,
		Action:       ActionBulkRateAccepted,
		ResourceType: ResourceBulkRateRequest,
		ResourceID:   admission.RequestID,
		CreatedAt:    e.now().UTC(),
	}

	bgCtx := context.WithoutCancel(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.write(bgCtx, entry, details)
	}()
}

func (e *Emitter) write(ctx context.Context, entry *model.AuditLog, details Details) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	ctx, span := e.tracer.Start(ctx, "audit.emit",
		trace.WithAttributes(
			attribute.String("company_id", entry.CompanyID),
			attribute.String("request_id", entry.ResourceID),
		),
	)
	defer span.End()

	raw, err := json.Marshal(details)
	if err == nil {
		entry.Details = string(raw)
		err = e.writer.AppendAudit(ctx, entry)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "audit write failed")
		e.logger.Error("Failed to write audit entry",
			slog.String("company_id", entry.CompanyID),
			slog.String("request_id", entry.ResourceID),
			slog.Any("error", err),
		)
		return
	}

	e.logger.Debug("Audit entry written",
		slog.String("company_id", entry.CompanyID),
		slog.String("request_id", entry.ResourceID),
	)
}

// Close waits for in-flight audit writes
func (e *Emitter) Close() {
	e.wg.Wait()
}
