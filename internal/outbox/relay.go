package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"market_core/internal/broker"
	"market_core/internal/domain"

	"github.com/google/uuid"
)

// ErrMalformedEvent marks outbox rows that can never be delivered. Relays
// mark them processed instead of retrying forever.
var ErrMalformedEvent = errors.New("malformed outbox event")

type Publisher interface {
	Publish(ctx context.Context, routingKey string, body interface{}) error
	PublishToExchange(ctx context.Context, exchange, routingKey string, body interface{}) error
}

type OrderLookup interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
}

type PresenceChecker interface {
	IsUserOnline(ctx context.Context, userID uuid.UUID) (bool, error)
}

// Relay turns one outbox row into broker messages: the change itself on the
// order topic, and a copy per participant on their user queue (online) or the
// push exchange (offline).
type Relay struct {
	publisher Publisher
	orders    OrderLookup
	presence  PresenceChecker
}

func NewRelay(publisher Publisher, orders OrderLookup, presence PresenceChecker) *Relay {
	return &Relay{
		publisher: publisher,
		orders:    orders,
		presence:  presence,
	}
}

func (r *Relay) Dispatch(ctx context.Context, event *domain.OutboxEvent) error {
	var change domain.ChangeEvent
	if err := json.Unmarshal(event.Payload, &change); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, event.ID, err)
	}
	if change.OrderID == uuid.Nil {
		return fmt.Errorf("%w: %s has no order id", ErrMalformedEvent, event.ID)
	}
	if change.Type == "" {
		change.Type = event.EventType
	}

	if err := r.publisher.Publish(ctx, broker.OrderRoutingKey(change.OrderID, change.Type), change); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}

	// Participant fan-out is best effort; the order topic already has the event.
	order, err := r.orders.Get(ctx, change.OrderID)
	if err != nil {
		slog.Warn("Skipping participant fan-out", "order_id", change.OrderID, "error", err)
		return nil
	}

	for _, userID := range []uuid.UUID{order.BuyerID, order.SellerID} {
		online, err := r.presence.IsUserOnline(ctx, userID)
		if err != nil {
			slog.Warn("Failed to check presence", "user_id", userID, "error", err)
			online = true
		}

		routingKey := broker.UserRoutingKey(userID)
		if online {
			if err := r.publisher.Publish(ctx, routingKey, change); err != nil {
				slog.Error("Failed to publish to user queue", "routing_key", routingKey, "error", err)
			}
			continue
		}
		// Nobody needs a notification about their own action.
		if userID == change.UserID {
			continue
		}
		if err := r.publisher.PublishToExchange(ctx, broker.ExchangePush, routingKey, change); err != nil {
			slog.Error("Failed to publish push", "user_id", userID, "error", err)
		}
	}
	return nil
}
