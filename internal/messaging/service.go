// Package messaging implements the conversation and negotiation flow of an
// order: the per-user conversation list, the merged order timeline, chat
// messages with read receipts, and price negotiation.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"market_core/internal/domain"
	"market_core/internal/querycache"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStore interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Order, error)
	ApplyAcceptedPrice(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error
	MarkNegotiating(ctx context.Context, orderID uuid.UUID) error
}

type MessageStore interface {
	CreateMessage(ctx context.Context, msg *domain.ChatMessage) error
	ListMessages(ctx context.Context, orderID uuid.UUID) ([]domain.ChatMessage, error)
	LastMessage(ctx context.Context, orderID uuid.UUID) (*domain.ChatMessage, error)
	CountUnread(ctx context.Context, orderID, userID uuid.UUID) (int, error)
	MarkRead(ctx context.Context, orderID, userID uuid.UUID) ([]uuid.UUID, error)
}

type NegotiationStore interface {
	Append(ctx context.Context, ev *domain.NegotiationEvent) error
	ListForOrder(ctx context.Context, orderID uuid.UUID) ([]domain.NegotiationEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationEvent, error)
}

type ProfileStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.Profile, error)
}

type Options struct {
	ConversationsTTL time.Duration
	TimelineTTL      time.Duration

	// LookupConcurrency bounds the per-order lookups of the conversation list.
	LookupConcurrency int
}

func (o Options) withDefaults() Options {
	if o.ConversationsTTL <= 0 {
		o.ConversationsTTL = 30 * time.Second
	}
	if o.TimelineTTL <= 0 {
		o.TimelineTTL = 30 * time.Second
	}
	if o.LookupConcurrency <= 0 {
		o.LookupConcurrency = 8
	}
	return o
}

type Service struct {
	orders       OrderStore
	messages     MessageStore
	negotiations NegotiationStore
	profiles     ProfileStore

	conversations *querycache.Cache[[]domain.Conversation]
	timelines     *querycache.Cache[[]domain.TimelineEntry]
	lookupLimit   int
}

func NewService(orders OrderStore, messages MessageStore, negotiations NegotiationStore, profiles ProfileStore, opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		orders:        orders,
		messages:      messages,
		negotiations:  negotiations,
		profiles:      profiles,
		conversations: querycache.New[[]domain.Conversation](opts.ConversationsTTL),
		timelines:     querycache.New[[]domain.TimelineEntry](opts.TimelineTTL),
		lookupLimit:   opts.LookupConcurrency,
	}
}

func ConversationsKey(userID uuid.UUID) string {
	return "conversations:" + userID.String()
}

func TimelineKey(orderID, viewerID uuid.UUID) string {
	return timelinePrefix(orderID) + viewerID.String()
}

func timelinePrefix(orderID uuid.UUID) string {
	return "timeline:" + orderID.String() + ":"
}

// InvalidateTimeline drops the cached timeline of the order for every viewer.
func (s *Service) InvalidateTimeline(orderID uuid.UUID) {
	s.timelines.InvalidatePrefix(timelinePrefix(orderID))
}

func (s *Service) InvalidateConversations(userIDs ...uuid.UUID) {
	for _, id := range userIDs {
		s.conversations.Invalidate(ConversationsKey(id))
	}
}

func (s *Service) InvalidateAllConversations() {
	s.conversations.InvalidatePrefix("conversations:")
}

func (s *Service) invalidateOrder(order *domain.Order) {
	s.InvalidateTimeline(order.ID)
	s.InvalidateConversations(order.BuyerID, order.SellerID)
}

// participantOrder loads the order and checks that userID takes part in it.
func (s *Service) participantOrder(ctx context.Context, orderID, userID uuid.UUID) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load order: %w", err)
	}
	if !order.Involves(userID) {
		return nil, ErrNotParticipant
	}
	return order, nil
}

// Order returns the order as seen by one of its participants.
func (s *Service) Order(ctx context.Context, orderID, viewerID uuid.UUID) (*domain.Order, error) {
	return s.participantOrder(ctx, orderID, viewerID)
}
