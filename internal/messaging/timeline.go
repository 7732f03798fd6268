package messaging

import (
	"context"
	"sort"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Timeline returns the order's messages and negotiation events as one feed in
// creation order, as seen by viewerID.
func (s *Service) Timeline(ctx context.Context, orderID, viewerID uuid.UUID) ([]domain.TimelineEntry, error) {
	return s.timelines.Fetch(ctx, TimelineKey(orderID, viewerID), func(ctx context.Context) ([]domain.TimelineEntry, error) {
		order, err := s.participantOrder(ctx, orderID, viewerID)
		if err != nil {
			return nil, err
		}

		var (
			messages []domain.ChatMessage
			events   []domain.NegotiationEvent
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			messages, err = s.messages.ListMessages(gctx, orderID)
			return err
		})
		g.Go(func() error {
			var err error
			events, err = s.negotiations.ListForOrder(gctx, orderID)
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}

		return MergeTimeline(*order, messages, events, viewerID), nil
	})
}

// MergeTimeline tags messages and negotiation events, prepends the order's
// creation marker and sorts everything by creation time. The sort is stable:
// entries with equal timestamps keep the marker first, then messages, then
// negotiation events, each in the order given.
func MergeTimeline(order domain.Order, messages []domain.ChatMessage, events []domain.NegotiationEvent, viewerID uuid.UUID) []domain.TimelineEntry {
	entries := make([]domain.TimelineEntry, 0, len(messages)+len(events)+1)
	entries = append(entries, domain.SystemEntry(domain.SystemEvent{
		OrderID:   order.ID,
		Action:    domain.SystemOrderCreated,
		CreatedAt: order.CreatedAt,
	}))
	for _, m := range messages {
		m.Status = m.DisplayStatus(viewerID)
		entries = append(entries, domain.MessageEntry(m))
	}
	for _, ev := range events {
		entries = append(entries, domain.NegotiationEntry(ev))
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].At().Before(entries[j].At())
	})
	return entries
}
