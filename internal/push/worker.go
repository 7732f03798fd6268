package push

import (
	"context"
	"encoding/json"
	"log/slog"

	"market_core/internal/domain"

	amqp "github.com/rabbitmq/amqp091-go"
)

type QueueSource interface {
	ConsumePushQueue() (<-chan amqp.Delivery, error)
}

type NotificationStore interface {
	Create(ctx context.Context, n *domain.Notification) error
}

// Worker consumes changes dead-lettered from user queues. Such a change
// expired unread, so the user is offline and gets a notification row.
type Worker struct {
	source        QueueSource
	notifications NotificationStore
}

func NewWorker(source QueueSource, notifications NotificationStore) *Worker {
	return &Worker{
		source:        source,
		notifications: notifications,
	}
}

func (w *Worker) Start(ctx context.Context) {
	msgs, err := w.source.ConsumePushQueue()
	if err != nil {
		slog.Error("Failed to start push consumer", "error", err)
		return
	}

	go func() {
		for d := range msgs {
			w.handle(ctx, d)
		}
	}()

	<-ctx.Done()
}

func (w *Worker) handle(ctx context.Context, d amqp.Delivery) {
	var change domain.ChangeEvent
	if err := json.Unmarshal(d.Body, &change); err != nil {
		slog.Error("Failed to unmarshal push event", "error", err)
		d.Ack(false)
		return
	}

	userID, ok := recipient(d)
	if !ok {
		slog.Warn("Skipping push: invalid routing key", "routing_key", d.RoutingKey)
		d.Ack(false)
		return
	}
	// The actor's own copy expiring says nothing the actor doesn't know.
	if change.UserID == userID {
		slog.Debug("Skipping push for own change", "user_id", userID, "type", change.Type)
		d.Ack(false)
		return
	}

	n, ok, err := BuildNotification(change, userID)
	if err != nil {
		slog.Error("Failed to build notification", "type", change.Type, "error", err)
		d.Ack(false)
		return
	}
	if !ok {
		d.Ack(false)
		return
	}

	if err := w.notifications.Create(ctx, n); err != nil {
		slog.Error("Failed to store notification", "user_id", userID, "error", err)
		d.Nack(false, false)
		return
	}
	slog.Debug("Notification stored", "user_id", userID, "type", n.Type, "title", n.Title)
	d.Ack(false)
}
