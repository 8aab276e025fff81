package admission

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/api/domain"
	"github.com/cuongbtq/rate-bulk/internal/api/model"
	"github.com/cuongbtq/rate-bulk/internal/api/stats"
	"github.com/cuongbtq/rate-bulk/shared/rabbitmq"
)

// memStore is a transactional in-memory Store. Writes made inside
// InTenantTx become visible only when fn returns nil.
type memStore struct {
	mu      sync.Mutex
	batches map[string]model.BulkRatingRequest
	jobs    []model.RatingJob

	countCalls      int
	failCount       error
	failInsertBatch error
	failInsertJobs  error
	blockUntilDone  bool
}

func newMemStore() *memStore {
	return &memStore{batches: map[string]model.BulkRatingRequest{}}
}

type memTx struct {
	store   *memStore
	batches []model.BulkRatingRequest
	jobs    []model.RatingJob
}

func (s *memStore) InTenantTx(ctx context.Context, companyID string, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blockUntilDone {
		<-ctx.Done()
		return ctx.Err()
	}

	tx := &memTx{store: s}
	if err := fn(tx); err != nil {
		return err
	}

	for _, b := range tx.batches {
		s.batches[b.ID] = b
	}
	s.jobs = append(s.jobs, tx.jobs...)
	return nil
}

func (t *memTx) CountBatchesSince(_ context.Context, companyID string, since time.Time) (int, error) {
	t.store.countCalls++
	if t.store.failCount != nil {
		return 0, t.store.failCount
	}
	n := 0
	for _, b := range t.store.batches {
		if b.CompanyID == companyID && !b.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (t *memTx) InsertBatch(_ context.Context, batch *model.BulkRatingRequest) error {
	if t.store.failInsertBatch != nil {
		return t.store.failInsertBatch
	}
	if _, exists := t.store.batches[batch.ID]; exists {
		return errors.New("duplicate key value violates unique constraint")
	}
	t.batches = append(t.batches, *batch)
	return nil
}

func (t *memTx) InsertJobs(_ context.Context, jobs []model.RatingJob) error {
	if t.store.failInsertJobs != nil {
		return t.store.failInsertJobs
	}
	t.jobs = append(t.jobs, jobs...)
	return nil
}

func (s *memStore) GetBatchStatus(_ context.Context, companyID, requestID string) (*domain.BatchStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[requestID]
	if !ok || b.CompanyID != companyID {
		return nil, domain.ErrBatchNotFound
	}
	status := &domain.BatchStatus{
		RequestID:           b.ID,
		Status:              b.Status,
		TotalJobs:           b.TotalJobs,
		Priority:            domain.Priority(b.Priority),
		EstimatedCompletion: b.EstimatedCompletion,
		CreatedAt:           b.CreatedAt,
	}
	for _, j := range s.jobs {
		if j.BulkRequestID == requestID && j.Status == domain.JobStatusPending {
			status.Jobs.Pending++
		}
	}
	return status, nil
}

func (s *memStore) batchesFor(companyID string) []model.BulkRatingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.BulkRatingRequest
	for _, b := range s.batches {
		if b.CompanyID == companyID {
			out = append(out, b)
		}
	}
	return out
}

func (s *memStore) jobsFor(requestID string) []model.RatingJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.RatingJob
	for _, j := range s.jobs {
		if j.BulkRequestID == requestID {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].JobIndex < out[b].JobIndex })
	return out
}

// headerResolver treats "Bearer <company id>" as a valid token
type headerResolver struct {
	companies map[string]*domain.Company
	calls     int
	mu        sync.Mutex
}

func (r *headerResolver) Resolve(_ context.Context, authorization string) (*domain.Caller, error) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()

	id, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || id == "" {
		return nil, domain.Unauthorized("missing or malformed bearer token", nil)
	}
	c, ok := r.companies[id]
	if !ok {
		return nil, domain.CompanyNotFound(id)
	}
	if !c.Active() {
		return nil, domain.AccountSuspended(id)
	}
	return &domain.Caller{UserID: "user-" + id, Company: c}, nil
}

type capturePublisher struct {
	mu       sync.Mutex
	messages []rabbitmq.Message
	err      error
}

func (p *capturePublisher) PublishWithRetry(_ context.Context, msg rabbitmq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return p.err
}

type captureAudit struct {
	mu         sync.Mutex
	admissions []*domain.Admission
	subs       []*domain.Submission
}

func (a *captureAudit) BatchAccepted(_ context.Context, _ *domain.Caller, sub *domain.Submission, admission *domain.Admission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.admissions = append(a.admissions, admission)
	a.subs = append(a.subs, sub)
}

type captureStats struct {
	mu     sync.Mutex
	events []stats.Event
}

func (s *captureStats) Record(_ context.Context, ev stats.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
