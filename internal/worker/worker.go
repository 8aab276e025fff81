package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	"github.com/cuongbtq/rate-bulk/internal/worker/notify"
	"github.com/cuongbtq/rate-bulk/internal/worker/rating"
	"github.com/cuongbtq/rate-bulk/shared/clock"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// JobStore is the persistence the worker needs
type JobStore interface {
	ListBatchPendingJobs(ctx context.Context, batchID string) ([]int64, error)
	ListPendingJobs(ctx context.Context, limit int) ([]int64, error)
	ResetStaleJobs(ctx context.Context, startedBefore time.Time) (int64, error)
	ClaimJob(ctx context.Context, jobID int64, workerID string) (*domain.Job, error)
	CompleteJob(ctx context.Context, jobID int64, result any) error
	FailJob(ctx context.Context, jobID int64, reason string) error
	ReleaseJob(ctx context.Context, jobID int64) error
	FinalizeBatch(ctx context.Context, batchID string) (*domain.BatchOutcome, error)
}

// Rater prices a job payload
type Rater interface {
	Rate(ctx context.Context, p *domain.JobPayload) (*rating.Quote, error)
}

// CallbackNotifier delivers batch completion callbacks
type CallbackNotifier interface {
	Notify(ctx context.Context, url string, cb notify.Callback) error
}

// Consumer is the queue side of the RabbitMQ client
type Consumer interface {
	Consume(consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Storage       JobStore
	Consumer      Consumer
	Rater         Rater
	Notifier      CallbackNotifier
	Tracer        trace.Tracer
	Clock         clock.Clock
	WorkerID      string
	Concurrency   int
	JobTimeout    time.Duration
	PollInterval  time.Duration
	PollBatchSize int
	PrefetchCount int
}

// Worker represents the background rating worker
type Worker struct {
	logger        *slog.Logger
	storage       JobStore
	consumer      Consumer
	rater         Rater
	notifier      CallbackNotifier
	tracer        trace.Tracer
	clock         clock.Clock
	workerID      string
	concurrency   int
	jobTimeout    time.Duration
	pollInterval  time.Duration
	pollBatchSize int
	prefetchCount int
	jobsChan      chan int64
	wg            sync.WaitGroup
	stopChan      chan struct{}
	stopOnce      sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := max(cfg.Concurrency, 1)

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		prefetch = concurrency
	}

	return &Worker{
		logger:        cfg.Logger,
		storage:       cfg.Storage,
		consumer:      cfg.Consumer,
		rater:         cfg.Rater,
		notifier:      cfg.Notifier,
		tracer:        tracer,
		clock:         clk,
		workerID:      cfg.WorkerID,
		concurrency:   concurrency,
		jobTimeout:    cfg.JobTimeout,
		pollInterval:  cfg.PollInterval,
		pollBatchSize: max(cfg.PollBatchSize, 1),
		prefetchCount: prefetch,
		jobsChan:      make(chan int64, concurrency),
		stopChan:      make(chan struct{}),
	}
}

// Start runs the pool, the queue dispatcher and the poller until ctx is canceled
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("job_timeout", w.jobTimeout),
		slog.Duration("poll_interval", w.pollInterval),
	)

	w.spawnWorkerPool(ctx)

	if w.consumer != nil {
		deliveries, err := w.setupConsumer()
		if err != nil {
			w.logger.Warn("Queue consumer unavailable, relying on polling",
				slog.Any("error", err),
			)
		} else {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.startMessageDispatcher(ctx, deliveries)
			}()
		}
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startPoller(ctx)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// dispatch hands a job id to the pool, giving up when the worker stops
func (w *Worker) dispatch(ctx context.Context, jobID int64) bool {
	select {
	case w.jobsChan <- jobID:
		return true
	case <-ctx.Done():
		return false
	case <-w.stopChan:
		return false
	}
}
