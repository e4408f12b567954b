package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/audio-pipeline/internal/domain"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers job notifications published by the gateway
type Consumer interface {
	Qos(prefetchCount int) error
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// setupConsumer sets up the notification consumer with QoS and returns the delivery channel
func (w *Worker) setupConsumer() (<-chan amqp.Delivery, error) {
	if err := w.wakeups.Qos(w.prefetchCount); err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	w.logger.Info("RabbitMQ QoS configured",
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.wakeups.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming: %w", err)
	}

	w.logger.Info("RabbitMQ consumer started",
		slog.String("consumer_tag", w.workerID),
	)

	return deliveries, nil
}

// startWakeupDispatcher turns notifications into non-blocking pokes. The
// job store stays the source of truth: a notification only shortens the
// wait before the next claim.
func (w *Worker) startWakeupDispatcher(ctx context.Context, deliveries <-chan amqp.Delivery) {
	w.logger.Info("Wake-up dispatcher started",
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Wake-up dispatcher stopped - context canceled")
			return

		case <-w.stopChan:
			w.logger.Info("Wake-up dispatcher stopped - stopChan closed")
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Warn("RabbitMQ delivery channel closed")
				return
			}
			w.handleDelivery(delivery)
		}
	}
}

func (w *Worker) handleDelivery(delivery amqp.Delivery) {
	var msg domain.JobMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
		w.logger.Error("Failed to parse job notification",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// malformed notifications go to the DLQ
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	if _, ok := domain.MessageIDFromJobID(msg.JobID); !ok {
		w.logger.Warn("Ignoring notification with foreign job id",
			slog.String("job_id", msg.JobID),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK message with invalid job_id",
				slog.String("error", nackErr.Error()),
			)
		}
		return
	}

	w.Poke()

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("job_id", msg.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Debug("Job notification received",
		slog.String("job_id", msg.JobID),
		slog.Uint64("delivery_tag", delivery.DeliveryTag),
	)
}
