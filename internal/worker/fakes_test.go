package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	"github.com/cuongbtq/rate-bulk/internal/worker/notify"
	amqp "github.com/rabbitmq/amqp091-go"
)

type fakeJob struct {
	job      domain.Job
	status   string
	workerID string
	result   any
	reason   string
}

type fakeBatch struct {
	companyID   string
	status      string
	callbackURL string
	total       int
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	jobs     map[int64]*fakeJob
	batches  map[string]*fakeBatch
	claimErr error
	listErr  error
	resets   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[int64]*fakeJob{}, batches: map[string]*fakeBatch{}}
}

func lanePayload(equipment string) string {
	body, _ := json.Marshal(domain.JobPayload{
		Lane: domain.Lane{
			Origin:        "Chicago, IL",
			Destination:   "Dallas, TX",
			EquipmentType: equipment,
			PickupDate:    "2026-11-02",
		},
		Mode:     domain.JobModeRate,
		Priority: "normal",
	})
	return string(body)
}

// addBatch stores a processing batch with one job per payload and returns the job ids
func (s *fakeStore) addBatch(batchID, callbackURL string, payloads ...string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.batches[batchID] = &fakeBatch{
		companyID:   "acme",
		status:      domain.BatchStatusProcessing,
		callbackURL: callbackURL,
		total:       len(payloads),
	}
	ids := make([]int64, len(payloads))
	for i, p := range payloads {
		s.nextID++
		ids[i] = s.nextID
		s.jobs[s.nextID] = &fakeJob{
			job: domain.Job{
				ID:            s.nextID,
				CompanyID:     "acme",
				BulkRequestID: batchID,
				JobIndex:      i,
				FnName:        "rate-engine",
				Payload:       p,
			},
			status: domain.JobStatusPending,
		}
	}
	return ids
}

func (s *fakeStore) jobStatus(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].status
}

func (s *fakeStore) jobReason(id int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id].reason
}

func (s *fakeStore) batchStatus(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batches[id].status
}

func (s *fakeStore) setStatus(id int64, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].status = status
}

func (s *fakeStore) pendingIDs(batchID string) []int64 {
	var ids []int64
	for id, j := range s.jobs {
		if j.status == domain.JobStatusPending && (batchID == "" || j.job.BulkRequestID == batchID) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids
}

func (s *fakeStore) ListBatchPendingJobs(ctx context.Context, batchID string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.pendingIDs(batchID), nil
}

func (s *fakeStore) ListPendingJobs(ctx context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	ids := s.pendingIDs("")
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *fakeStore) ResetStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets++
	return 0, nil
}

func (s *fakeStore) ClaimJob(ctx context.Context, jobID int64, workerID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	j, ok := s.jobs[jobID]
	if !ok || j.status != domain.JobStatusPending {
		return nil, domain.ErrJobAlreadyClaimed
	}
	j.status = domain.JobStatusRunning
	j.workerID = workerID
	job := j.job
	return &job, nil
}

func (s *fakeStore) finish(jobID int64, status string) *fakeJob {
	j, ok := s.jobs[jobID]
	if !ok || j.status != domain.JobStatusRunning {
		return nil
	}
	j.status = status
	return j
}

func (s *fakeStore) CompleteJob(ctx context.Context, jobID int64, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.finish(jobID, domain.JobStatusDone); j != nil {
		j.result = result
	}
	return nil
}

func (s *fakeStore) FailJob(ctx context.Context, jobID int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.finish(jobID, domain.JobStatusFailed); j != nil {
		j.reason = reason
	}
	return nil
}

func (s *fakeStore) ReleaseJob(ctx context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j := s.finish(jobID, domain.JobStatusPending); j != nil {
		j.workerID = ""
	}
	return nil
}

func (s *fakeStore) FinalizeBatch(ctx context.Context, batchID string) (*domain.BatchOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.batches[batchID]
	if !ok || b.status != domain.BatchStatusProcessing {
		return nil, nil
	}

	var done, failed int
	for _, j := range s.jobs {
		if j.job.BulkRequestID != batchID {
			continue
		}
		switch j.status {
		case domain.JobStatusDone:
			done++
		case domain.JobStatusFailed:
			failed++
		default:
			return nil, nil
		}
	}

	b.status = domain.BatchStatusCompleted
	if failed > 0 {
		b.status = domain.BatchStatusFailed
	}
	return &domain.BatchOutcome{
		RequestID:   batchID,
		CompanyID:   b.companyID,
		Status:      b.status,
		TotalJobs:   b.total,
		CallbackURL: b.callbackURL,
		Done:        done,
		Failed:      failed,
	}, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	calls []notify.Callback
	urls  []string
	err   error
}

func (n *captureNotifier) Notify(ctx context.Context, url string, cb notify.Callback) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, cb)
	n.urls = append(n.urls, url)
	return n.err
}

func (n *captureNotifier) snapshot() []notify.Callback {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Callback(nil), n.calls...)
}

type ackRecord struct {
	acked   bool
	nacked  bool
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	records map[uint64]*ackRecord
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{records: map[uint64]*ackRecord{}}
}

func (a *fakeAcknowledger) record(tag uint64) *ackRecord {
	r, ok := a.records[tag]
	if !ok {
		r = &ackRecord{}
		a.records[tag] = r
	}
	return r
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.record(tag).acked = true
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.record(tag)
	r.nacked = true
	r.requeue = requeue
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) get(tag uint64) ackRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return *a.record(tag)
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	err        error
}

func (c *fakeConsumer) Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.deliveries, nil
}

var errDatabaseDown = errors.New("database down")
