// Package realtime delivers order change notifications and typing signals to
// whoever is looking at an order, and turns them into cache invalidations and
// a short-lived typing indicator.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"market_core/internal/broker"
	"market_core/internal/domain"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const subscriptionBuffer = 64

type Feed interface {
	// Subscribe starts delivering changes and typing signals of one order.
	// The subscription must be closed by the caller.
	Subscribe(ctx context.Context, orderID uuid.UUID) (*Subscription, error)
	Typing(ctx context.Context, orderID, userID uuid.UUID) error
}

// Subscription is a scoped stream of change events. Events() is closed once
// the subscription ends, either through Close, the subscribe context, or the
// underlying transport going away.
type Subscription struct {
	OrderID uuid.UUID

	events    chan domain.ChangeEvent
	done      chan struct{}
	closeOnce sync.Once
	release   func()
}

func newSubscription(orderID uuid.UUID, release func()) *Subscription {
	return &Subscription{
		OrderID: orderID,
		events:  make(chan domain.ChangeEvent, subscriptionBuffer),
		done:    make(chan struct{}),
		release: release,
	}
}

func (s *Subscription) Events() <-chan domain.ChangeEvent {
	return s.events
}

func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.release != nil {
			s.release()
		}
	})
}

// deliver hands ev to the reader unless the subscription is closed.
func (s *Subscription) deliver(ev domain.ChangeEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

type Broadcaster interface {
	ConsumeBroadcast(routingKeys ...string) (<-chan amqp.Delivery, func(), error)
	Publish(ctx context.Context, routingKey string, body interface{}) error
}

// BrokerFeed receives changes through a private queue bound to the order's
// topics on the broker.
type BrokerFeed struct {
	broker Broadcaster
}

func NewBrokerFeed(broker Broadcaster) *BrokerFeed {
	return &BrokerFeed{broker: broker}
}

func (f *BrokerFeed) Subscribe(ctx context.Context, orderID uuid.UUID) (*Subscription, error) {
	return f.subscribe(ctx, orderID, broker.OrderBindingKey(orderID), broker.TypingRoutingKey(orderID))
}

// SubscribeAll delivers row changes of every order, without typing signals.
func (f *BrokerFeed) SubscribeAll(ctx context.Context) (*Subscription, error) {
	return f.subscribe(ctx, uuid.Nil, broker.AllOrdersBindingKey)
}

func (f *BrokerFeed) subscribe(ctx context.Context, orderID uuid.UUID, routingKeys ...string) (*Subscription, error) {
	msgs, cancel, err := f.broker.ConsumeBroadcast(routingKeys...)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to order %s: %w", orderID, err)
	}

	sub := newSubscription(orderID, cancel)
	go func() {
		defer close(sub.events)
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case <-sub.done:
				return
			case d, ok := <-msgs:
				if !ok {
					return
				}
				var ev domain.ChangeEvent
				if err := json.Unmarshal(d.Body, &ev); err != nil {
					slog.Warn("Dropping malformed change event", "routing_key", d.RoutingKey, "error", err)
					continue
				}
				if !sub.deliver(ev) {
					return
				}
			}
		}
	}()
	return sub, nil
}

// Typing broadcasts that userID is typing in the order. The signal is not
// stored anywhere.
func (f *BrokerFeed) Typing(ctx context.Context, orderID, userID uuid.UUID) error {
	ev := domain.ChangeEvent{
		Type:    domain.EventTypeTyping,
		OrderID: orderID,
		UserID:  userID,
	}
	if err := f.broker.Publish(ctx, broker.TypingRoutingKey(orderID), ev); err != nil {
		return fmt.Errorf("failed to publish typing signal: %w", err)
	}
	return nil
}

// MemoryFeed is an in-process Feed for a single node.
type MemoryFeed struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

func NewMemoryFeed() *MemoryFeed {
	return &MemoryFeed{subs: make(map[uuid.UUID]map[*Subscription]struct{})}
}

func (f *MemoryFeed) Subscribe(ctx context.Context, orderID uuid.UUID) (*Subscription, error) {
	var sub *Subscription
	sub = newSubscription(orderID, func() { f.remove(sub) })

	f.mu.Lock()
	if f.subs[orderID] == nil {
		f.subs[orderID] = make(map[*Subscription]struct{})
	}
	f.subs[orderID][sub] = struct{}{}
	f.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (f *MemoryFeed) remove(sub *Subscription) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if set, ok := f.subs[sub.OrderID]; ok {
		if _, ok := set[sub]; ok {
			delete(set, sub)
			close(sub.events)
		}
		if len(set) == 0 {
			delete(f.subs, sub.OrderID)
		}
	}
}

// Publish delivers ev to every open subscription of its order. Subscribers
// that are not keeping up lose the event.
func (f *MemoryFeed) Publish(ev domain.ChangeEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for sub := range f.subs[ev.OrderID] {
		select {
		case sub.events <- ev:
		default:
			slog.Warn("Subscriber is slow, dropping event", "order_id", ev.OrderID, "type", ev.Type)
		}
	}
}

func (f *MemoryFeed) Typing(ctx context.Context, orderID, userID uuid.UUID) error {
	f.Publish(domain.ChangeEvent{Type: domain.EventTypeTyping, OrderID: orderID, UserID: userID})
	return nil
}
