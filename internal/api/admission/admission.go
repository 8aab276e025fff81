// Package admission accepts or rejects bulk rating requests. A request is
// authenticated, validated and checked against the tenant's quota before
// its batch and job rows are written in a single transaction.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/model"
	"github.com/cuongbtq/rate-bulk/internal/api/quota"
	"github.com/cuongbtq/rate-bulk/internal/api/stats"
	"github.com/cuongbtq/rate-bulk/shared/clock"
	"github.com/cuongbtq/rate-bulk/shared/rabbitmq"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultPerJobEstimate = 2 * time.Second
	DefaultRequestTimeout = 10 * time.Second
	DefaultRatingFunction = "rate-engine"

	batchIDPrefix = "bulk_"
)

// Tx is the transactional view of the store used while admitting a batch
type Tx interface {
	CountBatchesSince(ctx context.Context, companyID string, since time.Time) (int, error)
	InsertBatch(ctx context.Context, batch *model.BulkRatingRequest) error
	InsertJobs(ctx context.Context, jobs []model.RatingJob) error
}

// Store runs fn in a transaction serialized per tenant. The transaction
// commits only when fn returns nil.
type Store interface {
	InTenantTx(ctx context.Context, companyID string, fn func(tx Tx) error) error
	GetBatchStatus(ctx context.Context, companyID, requestID string) (*domain.BatchStatus, error)
}

type TenantResolver interface {
	Resolve(ctx context.Context, authorization string) (*domain.Caller, error)
}

type Publisher interface {
	PublishWithRetry(ctx context.Context, msg rabbitmq.Message) error
}

type AuditEmitter interface {
	BatchAccepted(ctx context.Context, caller *domain.Caller, sub *domain.Submission, admission *domain.Admission)
}

type StatsRecorder interface {
	Record(ctx context.Context, ev stats.Event) error
}

// IDGenerator returns a new batch id
type IDGenerator func() (string, error)

// NewBatchID returns "bulk_" followed by a time-ordered UUIDv7
func NewBatchID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate batch id: %w", err)
	}
	return batchIDPrefix + id.String(), nil
}

// Config holds admission settings
type Config struct {
	// PerJobEstimate is the linear cost per job used for estimated_completion.
	// It is an estimate, not a processing guarantee.
	PerJobEstimate time.Duration
	RequestTimeout time.Duration
	RatingFunction string
	StatsTimeout   time.Duration
}

// Dependencies holds the collaborators of an Orchestrator. Publisher, Audit
// and Stats are optional.
type Dependencies struct {
	Resolver  TenantResolver
	Quota     *quota.Engine
	Store     Store
	Publisher Publisher
	Audit     AuditEmitter
	Stats     StatsRecorder
	Clock     clock.Clock
	NewID     IDGenerator
	Tracer    trace.Tracer
	Logger    *slog.Logger
}

// Orchestrator runs the admission sequence
type Orchestrator struct {
	cfg  Config
	deps Dependencies
}

func NewOrchestrator(cfg Config, deps Dependencies) *Orchestrator {
	if cfg.PerJobEstimate <= 0 {
		cfg.PerJobEstimate = DefaultPerJobEstimate
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.RatingFunction == "" {
		cfg.RatingFunction = DefaultRatingFunction
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = time.Second
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.NewID == nil {
		deps.NewID = NewBatchID
	}
	if deps.Tracer == nil {
		deps.Tracer = noop.NewTracerProvider().Tracer("admission")
	}
	return &Orchestrator{cfg: cfg, deps: deps}
}

// EstimateCompletion is now plus the per-job estimate for every job
func (o *Orchestrator) EstimateCompletion(now time.Time, jobs int) time.Time {
	return now.Add(time.Duration(jobs) * o.cfg.PerJobEstimate)
}

// Admit authenticates, validates and persists a bulk rating request. Every
// error it returns is a *domain.AdmissionError.
func (o *Orchestrator) Admit(ctx context.Context, authorization string, body []byte) (*domain.Admission, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	ctx, span := o.deps.Tracer.Start(ctx, "admission.admit")
	defer span.End()

	caller, admission, err := o.admit(ctx, authorization, body)

	companyID := ""
	if caller != nil {
		companyID = caller.Company.ID
		span.SetAttributes(attribute.String("company_id", companyID))
	}

	if err != nil {
		ae := classify(err)
		span.SetAttributes(attribute.String("admission.outcome", ae.Label()))
		if ae.Code == domain.CodeInternal {
			span.RecordError(err)
			span.SetStatus(codes.Error, ae.Message)
			o.deps.Logger.Error("Bulk rating admission failed",
				slog.String("company_id", companyID),
				slog.Any("error", err),
			)
		} else {
			o.deps.Logger.Info("Bulk rating request rejected",
				slog.String("company_id", companyID),
				slog.String("code", ae.Code),
				slog.String("reason", ae.Reason),
				slog.String("message", ae.Message),
			)
		}
		o.record(ctx, stats.Event{CompanyID: companyID, Outcome: ae.Label()})
		return nil, ae
	}

	span.SetAttributes(
		attribute.String("admission.outcome", "accepted"),
		attribute.String("request_id", admission.RequestID),
		attribute.Int("jobs", admission.Accepted),
	)
	o.record(ctx, stats.Event{CompanyID: companyID, Jobs: admission.Accepted})

	return admission, nil
}

func (o *Orchestrator) admit(ctx context.Context, authorization string, body []byte) (*domain.Caller, *domain.Admission, error) {
	caller, err := o.resolve(ctx, authorization)
	if err != nil {
		return nil, nil, err
	}
	company := caller.Company

	sub, err := DecodeSubmission(body)
	if err != nil {
		return caller, nil, err
	}
	if sub.ClaimedCompanyID != "" && sub.ClaimedCompanyID != company.ID {
		o.deps.Logger.Warn("Request body company_id differs from token tenant",
			slog.String("company_id", company.ID),
			slog.String("claimed_company_id", sub.ClaimedCompanyID),
		)
	}

	if err := o.checkSize(ctx, company.Tier, len(sub.Lanes)); err != nil {
		return caller, nil, err
	}

	requestID, err := o.deps.NewID()
	if err != nil {
		return caller, nil, domain.Internal("failed to generate request id", err)
	}

	now := o.deps.Clock.Now().UTC()
	admission := &domain.Admission{
		RequestID:           requestID,
		Accepted:            len(sub.Lanes),
		EstimatedCompletion: o.EstimateCompletion(now, len(sub.Lanes)),
	}

	batch, jobs, err := o.buildRows(company.ID, sub, admission, now)
	if err != nil {
		return caller, nil, domain.Internal("failed to encode job payload", err)
	}

	if err := o.persist(ctx, company, batch, jobs, now); err != nil {
		return caller, nil, err
	}

	o.deps.Logger.Info("Bulk rating request accepted",
		slog.String("company_id", company.ID),
		slog.String("request_id", requestID),
		slog.Int("jobs", admission.Accepted),
		slog.String("priority", string(sub.Priority)),
	)

	o.publish(ctx, company.ID, sub.Priority, admission)

	if o.deps.Audit != nil {
		o.deps.Audit.BatchAccepted(ctx, caller, sub, admission)
	}

	return caller, admission, nil
}

func (o *Orchestrator) resolve(ctx context.Context, authorization string) (*domain.Caller, error) {
	ctx, span := o.deps.Tracer.Start(ctx, "admission.resolve_tenant")
	defer span.End()

	caller, err := o.deps.Resolver.Resolve(ctx, authorization)
	if err != nil {
		span.SetStatus(codes.Error, "tenant resolution failed")
		return nil, err
	}
	span.SetAttributes(
		attribute.String("company_id", caller.Company.ID),
		attribute.String("tier", string(caller.Company.Tier)),
	)
	return caller, nil
}

func (o *Orchestrator) checkSize(ctx context.Context, tier domain.Tier, jobs int) error {
	_, span := o.deps.Tracer.Start(ctx, "admission.quota",
		trace.WithAttributes(attribute.String("tier", string(tier)), attribute.Int("jobs", jobs)),
	)
	defer span.End()

	if err := o.deps.Quota.CheckSize(tier, jobs); err != nil {
		span.SetStatus(codes.Error, "batch size limit")
		return err
	}
	return nil
}

func (o *Orchestrator) buildRows(companyID string, sub *domain.Submission, admission *domain.Admission, now time.Time) (*model.BulkRatingRequest, []model.RatingJob, error) {
	batch := &model.BulkRatingRequest{
		ID:                  admission.RequestID,
		CompanyID:           companyID,
		TotalJobs:           admission.Accepted,
		Priority:            string(sub.Priority),
		Status:              domain.BatchStatusProcessing,
		EstimatedCompletion: admission.EstimatedCompletion,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if sub.CallbackURL != "" {
		batch.CallbackURL.String = sub.CallbackURL
		batch.CallbackURL.Valid = true
	}

	jobs := make([]model.RatingJob, len(sub.Lanes))
	for i, lane := range sub.Lanes {
		payload, err := json.Marshal(domain.NewJobPayload(lane, sub.Priority))
		if err != nil {
			return nil, nil, fmt.Errorf("job %d: %w", i, err)
		}
		jobs[i] = model.RatingJob{
			CompanyID:     companyID,
			BulkRequestID: admission.RequestID,
			JobIndex:      i,
			FnName:        o.cfg.RatingFunction,
			Payload:       string(payload),
			Status:        domain.JobStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}

	return batch, jobs, nil
}

// persist counts the tenant's recent batches and writes the new batch and
// its jobs in one tenant-serialized transaction. Any failure rolls back
// both inserts.
func (o *Orchestrator) persist(ctx context.Context, company *domain.Company, batch *model.BulkRatingRequest, jobs []model.RatingJob, now time.Time) error {
	ctx, span := o.deps.Tracer.Start(ctx, "admission.persist",
		trace.WithAttributes(attribute.String("request_id", batch.ID)),
	)
	defer span.End()

	since := o.deps.Quota.WindowStart(now)

	err := o.deps.Store.InTenantTx(ctx, company.ID, func(tx Tx) error {
		recent, err := tx.CountBatchesSince(ctx, company.ID, since)
		if err != nil {
			return domain.Internal("failed to count recent requests", err)
		}
		span.SetAttributes(attribute.Int("recent_batches", recent))

		if err := o.deps.Quota.CheckFrequency(company.Tier, recent); err != nil {
			return err
		}

		if err := tx.InsertBatch(ctx, batch); err != nil {
			return domain.Internal("failed to create bulk request", err)
		}

		if err := tx.InsertJobs(ctx, jobs); err != nil {
			return domain.Internal("failed to create rating jobs", err)
		}

		return nil
	})
	if err != nil {
		span.SetStatus(codes.Error, "persist failed")
		var ae *domain.AdmissionError
		if errors.As(err, &ae) {
			return err
		}
		return domain.Internal("failed to persist bulk request", err)
	}

	return nil
}

// publish hands the committed batch to the worker queue. The worker also
// polls for pending jobs, so a failed publish only delays processing.
func (o *Orchestrator) publish(ctx context.Context, companyID string, priority domain.Priority, admission *domain.Admission) {
	if o.deps.Publisher == nil {
		return
	}

	body, err := json.Marshal(domain.BatchMessage{
		RequestID: admission.RequestID,
		CompanyID: companyID,
		TotalJobs: admission.Accepted,
		Priority:  priority,
	})
	if err == nil {
		err = o.deps.Publisher.PublishWithRetry(ctx, rabbitmq.Message{
			MessageID:   admission.RequestID,
			ContentType: "application/json",
			Priority:    priority.QueuePriority(),
			Body:        body,
		})
	}
	if err != nil {
		o.deps.Logger.Warn("Failed to publish batch notification",
			slog.String("request_id", admission.RequestID),
			slog.Any("error", err),
		)
	}
}

func (o *Orchestrator) record(ctx context.Context, ev stats.Event) {
	if o.deps.Stats == nil {
		return
	}
	ev.At = o.deps.Clock.Now()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.StatsTimeout)
	defer cancel()

	if err := o.deps.Stats.Record(ctx, ev); err != nil {
		o.deps.Logger.Warn("Failed to record admission stats", slog.Any("error", err))
	}
}

// Status returns the state of a batch owned by the caller's tenant
func (o *Orchestrator) Status(ctx context.Context, authorization, requestID string) (*domain.BatchStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.RequestTimeout)
	defer cancel()

	ctx, span := o.deps.Tracer.Start(ctx, "admission.status",
		trace.WithAttributes(attribute.String("request_id", requestID)),
	)
	defer span.End()

	caller, err := o.resolve(ctx, authorization)
	if err != nil {
		return nil, classify(err)
	}

	status, err := o.deps.Store.GetBatchStatus(ctx, caller.Company.ID, requestID)
	if err != nil {
		if errors.Is(err, domain.ErrBatchNotFound) {
			return nil, domain.BatchNotFound(requestID)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "status lookup failed")
		return nil, classify(domain.Internal("failed to load bulk request", err))
	}

	return status, nil
}

// classify normalizes err to an AdmissionError. Deadline expiry is always
// internal.
func classify(err error) *domain.AdmissionError {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Internal("request timed out", err)
	}
	return domain.AsAdmissionError(err)
}
