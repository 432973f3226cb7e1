package worker

import (
	"context"
	"encoding/json"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/testrun-service/internal/domain"
)

// dispatchWakeups turns broker deliveries into slot wake-ups until ctx ends
func (w *Worker) dispatchWakeups(ctx context.Context, deliveries <-chan amqp.Delivery) {
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
				w.logger.Warn("RabbitMQ delivery channel closed, relying on polling")
				return
			}
			w.handleWakeup(delivery)
		}
	}
}

// handleWakeup acks a wake-up and nudges a slot. Malformed messages are
// dropped; the queue is never driven by broker contents.
func (w *Worker) handleWakeup(delivery amqp.Delivery) {
	var msg domain.Wakeup
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.JobID == "" {
		w.logger.Warn("Dropping malformed wake-up message",
			slog.String("body", string(delivery.Body)),
		)
		if nackErr := delivery.Nack(false, false); nackErr != nil {
			w.logger.Error("Failed to NACK malformed message",
				slog.Any("error", nackErr),
			)
		}
		return
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		w.logger.Error("Failed to ACK wake-up message",
			slog.String("job_id", msg.JobID),
			slog.Any("error", ackErr),
		)
	}

	w.logger.Debug("Wake-up received", slog.String("job_id", msg.JobID))
	w.Wake()
}
