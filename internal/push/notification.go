package push

import (
	"encoding/json"
	"fmt"
	"strings"

	"market_core/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const previewLength = 80

// BuildNotification turns a change that expired in an offline user's queue
// into the notification row the user sees later. Changes that are not worth a
// notification (read receipts, typing) return false.
func BuildNotification(change domain.ChangeEvent, userID uuid.UUID) (*domain.Notification, bool, error) {
	n := &domain.Notification{UserID: userID}
	data, err := json.Marshal(map[string]interface{}{"order_id": change.OrderID, "event": change.Type})
	if err != nil {
		return nil, false, err
	}
	n.Data = data

	switch change.Type {
	case domain.EventTypeMessageCreated:
		var msg domain.ChatMessage
		if err := json.Unmarshal(change.Payload, &msg); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal message payload: %w", err)
		}
		n.Type = domain.NotificationMessage
		n.Title = "New message"
		n.Body = preview(msg.Text)
		if n.Body == "" && len(msg.Attachments) > 0 {
			n.Body = "Sent an attachment"
		}

	case domain.EventTypeNegotiationCreated:
		var ev domain.NegotiationEvent
		if err := json.Unmarshal(change.Payload, &ev); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal negotiation payload: %w", err)
		}
		n.Type = domain.NotificationOrder
		switch ev.Action {
		case domain.ActionOffer:
			n.Title = "New offer"
		case domain.ActionCounter:
			n.Title = "Counter offer"
		case domain.ActionAccept:
			n.Title = "Offer accepted"
		case domain.ActionDecline:
			n.Title = "Offer declined"
		default:
			return nil, false, nil
		}
		n.Body = "Amount: " + ev.Amount.StringFixed(2)

	case domain.EventTypeOrderUpdated:
		var payload struct {
			Status domain.OrderStatus `json:"status"`
		}
		if err := json.Unmarshal(change.Payload, &payload); err != nil {
			return nil, false, fmt.Errorf("failed to unmarshal order payload: %w", err)
		}
		n.Type = domain.NotificationOrder
		n.Title = "Order updated"
		n.Body = "Status: " + string(payload.Status)

	default:
		return nil, false, nil
	}
	return n, true, nil
}

func preview(text string) string {
	text = strings.TrimSpace(text)
	r := []rune(text)
	if len(r) <= previewLength {
		return text
	}
	return string(r[:previewLength-3]) + "..."
}

// recipient extracts the user id from the routing key, falling back to the
// original key recorded in the x-death header by the dead-letter exchange.
func recipient(d amqp.Delivery) (uuid.UUID, bool) {
	routingKey := d.RoutingKey
	if !strings.HasPrefix(routingKey, "user.") {
		if headers, ok := d.Headers["x-death"].([]interface{}); ok && len(headers) > 0 {
			if header, ok := headers[0].(amqp.Table); ok {
				if rk, ok := header["routing-keys"].([]interface{}); ok && len(rk) > 0 {
					if s, ok := rk[0].(string); ok {
						routingKey = s
					}
				}
			}
		}
	}

	if !strings.HasPrefix(routingKey, "user.") {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(strings.TrimPrefix(routingKey, "user."))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}
