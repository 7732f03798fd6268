package realtime

import (
	"context"

	"market_core/internal/domain"

	"github.com/google/uuid"
)

type Invalidator interface {
	InvalidateTimeline(orderID uuid.UUID)
	InvalidateAllConversations()
}

// Refresher drops cached read models that a change event made stale.
type Refresher struct {
	invalidator Invalidator
}

func NewRefresher(invalidator Invalidator) *Refresher {
	return &Refresher{invalidator: invalidator}
}

// Apply invalidates what ev touches and reports whether views showing the
// order's timeline need to re-fetch. Typing signals touch nothing.
func (r *Refresher) Apply(ev domain.ChangeEvent) bool {
	switch ev.Type {
	case domain.EventTypeMessageCreated, domain.EventTypeNegotiationCreated, domain.EventTypeOrderUpdated:
		r.invalidator.InvalidateTimeline(ev.OrderID)
		r.invalidator.InvalidateAllConversations()
		return true
	case domain.EventTypeMessageUpdated:
		r.invalidator.InvalidateTimeline(ev.OrderID)
		return true
	}
	return false
}

// Run applies every event of sub until it ends. onStale, when set, is called
// for events that made the timeline stale.
func (r *Refresher) Run(ctx context.Context, sub *Subscription, onStale func(domain.ChangeEvent)) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if r.Apply(ev) && onStale != nil {
				onStale(ev)
			}
		}
	}
}
