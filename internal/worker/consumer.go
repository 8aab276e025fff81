package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/rate-bulk/internal/worker/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// setupConsumer starts consuming batch notifications with manual acks
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	deliveries, err := w.consumer.Consume(w.workerID, w.prefetchCount)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	return deliveries, nil
}

// startMessageDispatcher turns batch notifications into job ids for the pool
func (w *Worker) startMessageDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Message dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Message dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Message dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			if !w.handleDelivery(ctx, delivery) {
				return
			}
		}
	}
}

// handleDelivery dispatches the pending jobs of one batch. It returns false
// when the worker is shutting down.
func (w *Worker) handleDelivery(ctx context.Context, delivery amqp.Delivery) bool {
	msg, err := parseBatchMessage(delivery.Body)
	if err != nil {
		w.logger.Error("Discarding malformed batch message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// malformed messages never succeed, dead-letter them
		w.nack(delivery, false)
		return true
	}

	ids, err := w.storage.ListBatchPendingJobs(ctx, msg.RequestID)
	if err != nil {
		w.logger.Error("Failed to load batch jobs",
			slog.String("request_id", msg.RequestID),
			slog.Any("error", err),
		)
		w.nack(delivery, true)
		return true
	}

	for _, id := range ids {
		if !w.dispatch(ctx, id) {
			w.logger.Info("Message dispatcher stopped while dispatching jobs",
				slog.String("request_id", msg.RequestID),
			)
			w.nack(delivery, true)
			return false
		}
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("request_id", msg.RequestID),
			slog.Any("error", err),
		)
	}

	w.logger.Debug("Batch dispatched to worker pool",
		slog.String("request_id", msg.RequestID),
		slog.String("priority", msg.Priority),
		slog.Int("jobs", len(ids)),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
	return true
}

func (w *Worker) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		w.logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}

func parseBatchMessage(body []byte) (*domain.BatchMessage, error) {
	var msg domain.BatchMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidMessage, err)
	}
	if msg.RequestID == "" {
		return nil, fmt.Errorf("%w: missing request_id", domain.ErrInvalidMessage)
	}
	return &msg, nil
}
