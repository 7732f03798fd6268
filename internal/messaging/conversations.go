package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"market_core/internal/domain"
	"market_core/internal/negotiation"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	UnknownUserName   = "Unknown User"
	EmptyConversation = "Start a conversation..."
)

type Tab string

const (
	TabAll    Tab = "all"
	TabUnread Tab = "unread"
	TabOffers Tab = "offers"
	TabActive Tab = "active"
)

func ParseTab(s string) (Tab, bool) {
	switch t := Tab(s); t {
	case TabAll, TabUnread, TabOffers, TabActive:
		return t, true
	case "":
		return TabAll, true
	}
	return "", false
}

// Conversations lists one summary per order the user takes part in, most
// recently active first. Lookups that fail for a single order fall back to
// placeholders; only failing to list the orders is an error.
func (s *Service) Conversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	return s.conversations.Fetch(ctx, ConversationsKey(userID), func(ctx context.Context) ([]domain.Conversation, error) {
		return s.buildConversations(ctx, userID)
	})
}

func (s *Service) buildConversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	orders, err := s.orders.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}

	convs := make([]domain.Conversation, len(orders))
	var g errgroup.Group
	g.SetLimit(s.lookupLimit)
	for i, order := range orders {
		g.Go(func() error {
			convs[i] = s.resolveConversation(ctx, order, userID)
			return nil
		})
	}
	g.Wait()

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].LastMessageAt.After(convs[j].LastMessageAt)
	})
	return convs, nil
}

func (s *Service) resolveConversation(ctx context.Context, order domain.Order, userID uuid.UUID) domain.Conversation {
	counterpartID := order.Counterpart(userID)
	conv := domain.Conversation{
		OrderID:       order.ID,
		ListingID:     order.ListingID,
		Counterpart:   domain.Profile{ID: counterpartID, Name: UnknownUserName},
		LastMessage:   EmptyConversation,
		LastMessageAt: order.CreatedAt,
		OrderStatus:   order.Status,
		Amount:        order.FinalAmount,
	}
	if order.Listing != nil {
		conv.ListingTitle = order.Listing.Title
		conv.ListingImage = order.Listing.FirstImage()
		conv.ListingPrice = order.Listing.Price
		if !order.FinalAmount.IsPositive() {
			conv.Amount = order.Listing.Price
		}
	}

	log := slog.With("order_id", order.ID, "user_id", userID)

	if profile, err := s.profiles.Get(ctx, counterpartID); err != nil {
		log.Warn("Counterpart profile unavailable", "counterpart_id", counterpartID, "error", err)
	} else {
		conv.Counterpart = *profile
		if conv.Counterpart.Name == "" {
			conv.Counterpart.Name = UnknownUserName
		}
	}

	last, err := s.messages.LastMessage(ctx, order.ID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		log.Warn("Last message unavailable", "error", err)
	default:
		conv.LastMessage = last.Text
		conv.LastMessageAt = last.CreatedAt
	}

	if unread, err := s.messages.CountUnread(ctx, order.ID, userID); err != nil {
		log.Warn("Unread count unavailable", "error", err)
	} else {
		conv.UnreadCount = unread
	}

	if history, err := s.negotiations.ListForOrder(ctx, order.ID); err != nil {
		log.Warn("Negotiation state unavailable", "error", err)
	} else {
		conv.HasPendingNegotiation = negotiation.AwaitingResponse(history, userID)
	}

	return conv
}

// FilterConversations returns the conversations shown under a tab, keeping
// their order.
func FilterConversations(convs []domain.Conversation, tab Tab) []domain.Conversation {
	out := make([]domain.Conversation, 0, len(convs))
	for _, c := range convs {
		var keep bool
		switch tab {
		case TabUnread:
			keep = c.UnreadCount > 0 || c.HasPendingNegotiation
		case TabOffers:
			keep = c.HasPendingNegotiation
		case TabActive:
			keep = c.OrderStatus.Active()
		default:
			keep = true
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}
