package messaging

import (
	"context"
	"fmt"
	"strings"

	"market_core/internal/domain"

	"github.com/google/uuid"
)

type SendRequest struct {
	Text        string   `json:"text"`
	Attachments []string `json:"attachments,omitempty"`

	// ClientRef is echoed back so the sender can match its optimistic entry.
	ClientRef string `json:"client_ref,omitempty"`
}

// SendMessage stores a chat message from sender to the other participant of
// the order. Blank text is rejected before the store is touched.
func (s *Service) SendMessage(ctx context.Context, orderID, sender uuid.UUID, req SendRequest) (*domain.ChatMessage, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	order, err := s.participantOrder(ctx, orderID, sender)
	if err != nil {
		return nil, err
	}

	msg := &domain.ChatMessage{
		OrderID:     order.ID,
		ListingID:   order.ListingID,
		FromUserID:  sender,
		ToUserID:    order.Counterpart(sender),
		Text:        text,
		Attachments: req.Attachments,
	}
	if err := s.messages.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}
	s.invalidateOrder(order)

	msg.ClientRef = req.ClientRef
	msg.Status = msg.DisplayStatus(sender)
	return msg, nil
}

// MarkRead marks every unread message addressed to the viewer as read and
// returns how many changed. Messages already read are left untouched.
func (s *Service) MarkRead(ctx context.Context, orderID, viewerID uuid.UUID) (int, error) {
	order, err := s.participantOrder(ctx, orderID, viewerID)
	if err != nil {
		return 0, err
	}

	ids, err := s.messages.MarkRead(ctx, order.ID, viewerID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark messages read: %w", err)
	}
	if len(ids) > 0 {
		s.InvalidateTimeline(order.ID)
		s.InvalidateConversations(viewerID)
	}
	return len(ids), nil
}
