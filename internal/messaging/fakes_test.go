package messaging

import (
	"context"
	"sort"
	"sync"
	"time"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type fakeOrders struct {
	mu        sync.Mutex
	orders    map[uuid.UUID]*domain.Order
	listErr   error
	applyErr  error
	listCalls int
	getCalls  int
	applied   []decimal.Decimal
}

func newFakeOrders(orders ...domain.Order) *fakeOrders {
	f := &fakeOrders{orders: make(map[uuid.UUID]*domain.Order)}
	for i := range orders {
		o := orders[i]
		f.orders[o.ID] = &o
	}
	return f
}

func (f *fakeOrders) ListForUser(ctx context.Context, userID uuid.UUID) ([]domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.Order
	for _, o := range f.orders {
		if o.Involves(userID) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeOrders) Get(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	o, ok := f.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (f *fakeOrders) ApplyAcceptedPrice(ctx context.Context, orderID uuid.UUID, amount decimal.Decimal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, amount)
	if f.applyErr != nil {
		return f.applyErr
	}
	o, ok := f.orders[orderID]
	if !ok {
		return domain.ErrNotFound
	}
	o.NegotiatedPrice = decimal.NewNullDecimal(amount)
	o.FinalAmount = amount
	o.Status = domain.OrderStatusAccepted
	return nil
}

func (f *fakeOrders) MarkNegotiating(ctx context.Context, orderID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.orders[orderID]; ok && o.Status == domain.OrderStatusPending {
		o.Status = domain.OrderStatusNegotiating
	}
	return nil
}

func (f *fakeOrders) get(id uuid.UUID) domain.Order {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.orders[id]
}

type fakeMessages struct {
	mu          sync.Mutex
	msgs        []domain.ChatMessage
	seq         int64
	createErr   error
	lastErr     map[uuid.UUID]error
	createCalls int
	listCalls   int
	markCalls   int

	// listGate, when set, holds the next ListMessages result until closed.
	listGate    chan struct{}
	listStarted chan struct{}
}

func newFakeMessages(msgs ...domain.ChatMessage) *fakeMessages {
	f := &fakeMessages{lastErr: make(map[uuid.UUID]error)}
	for _, m := range msgs {
		f.add(m)
	}
	return f
}

func (f *fakeMessages) add(m domain.ChatMessage) domain.ChatMessage {
	f.seq++
	m.Seq = f.seq
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	f.msgs = append(f.msgs, m)
	return m
}

func (f *fakeMessages) CreateMessage(ctx context.Context, msg *domain.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return f.createErr
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	*msg = f.add(*msg)
	return nil
}

func (f *fakeMessages) ListMessages(ctx context.Context, orderID uuid.UUID) ([]domain.ChatMessage, error) {
	f.mu.Lock()
	f.listCalls++
	var out []domain.ChatMessage
	for _, m := range f.msgs {
		if m.OrderID == orderID {
			out = append(out, m)
		}
	}
	gate, started := f.listGate, f.listStarted
	f.listGate, f.listStarted = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(started)
		<-gate
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeMessages) LastMessage(ctx context.Context, orderID uuid.UUID) (*domain.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.lastErr[orderID]; err != nil {
		return nil, err
	}
	var last *domain.ChatMessage
	for i := range f.msgs {
		m := f.msgs[i]
		if m.OrderID == orderID && (last == nil || !m.CreatedAt.Before(last.CreatedAt)) {
			last = &m
		}
	}
	if last == nil {
		return nil, domain.ErrNotFound
	}
	return last, nil
}

func (f *fakeMessages) CountUnread(ctx context.Context, orderID, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, m := range f.msgs {
		if m.OrderID == orderID && m.ToUserID == userID && m.ReadAt == nil {
			n++
		}
	}
	return n, nil
}

func (f *fakeMessages) MarkRead(ctx context.Context, orderID, userID uuid.UUID) ([]uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markCalls++
	now := time.Now()
	var ids []uuid.UUID
	for i := range f.msgs {
		m := &f.msgs[i]
		if m.OrderID == orderID && m.ToUserID == userID && m.ReadAt == nil {
			t := now
			m.ReadAt = &t
			ids = append(ids, m.ID)
		}
	}
	return ids, nil
}

func (f *fakeMessages) all() []domain.ChatMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.ChatMessage(nil), f.msgs...)
}

type fakeNegotiations struct {
	mu        sync.Mutex
	events    []domain.NegotiationEvent
	seq       int64
	appendErr error
	listErr   error
}

func (f *fakeNegotiations) add(ev domain.NegotiationEvent) domain.NegotiationEvent {
	f.seq++
	ev.Seq = f.seq
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	f.events = append(f.events, ev)
	return ev
}

func (f *fakeNegotiations) Append(ctx context.Context, ev *domain.NegotiationEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if ev.RespondsTo != nil {
		for _, prev := range f.events {
			if prev.RespondsTo != nil && *prev.RespondsTo == *ev.RespondsTo {
				return domain.ErrConflict
			}
		}
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	*ev = f.add(*ev)
	return nil
}

func (f *fakeNegotiations) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]domain.NegotiationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []domain.NegotiationEvent
	for _, ev := range f.events {
		if ev.OrderID == orderID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeNegotiations) Get(ctx context.Context, id uuid.UUID) (*domain.NegotiationEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ev := range f.events {
		if ev.ID == id {
			cp := ev
			return &cp, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (f *fakeNegotiations) all() []domain.NegotiationEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.NegotiationEvent(nil), f.events...)
}

type fakeProfiles struct {
	profiles map[uuid.UUID]domain.Profile
	err      error
}

func (f *fakeProfiles) Get(ctx context.Context, id uuid.UUID) (*domain.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	p, ok := f.profiles[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &p, nil
}

type fixture struct {
	orders       *fakeOrders
	messages     *fakeMessages
	negotiations *fakeNegotiations
	profiles     *fakeProfiles
	svc          *Service
}

func newFixture(orders ...domain.Order) *fixture {
	f := &fixture{
		orders:       newFakeOrders(orders...),
		messages:     newFakeMessages(),
		negotiations: &fakeNegotiations{},
		profiles:     &fakeProfiles{profiles: make(map[uuid.UUID]domain.Profile)},
	}
	f.svc = NewService(f.orders, f.messages, f.negotiations, f.profiles, Options{})
	return f
}

var baseTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return baseTime.Add(time.Duration(minutes) * time.Minute)
}

func newOrder(buyer, seller uuid.UUID, status domain.OrderStatus, created time.Time) domain.Order {
	listingID := uuid.New()
	return domain.Order{
		ID:            uuid.New(),
		ListingID:     listingID,
		BuyerID:       buyer,
		SellerID:      seller,
		Status:        status,
		OriginalPrice: decimal.NewFromInt(100),
		Currency:      "USD",
		CreatedAt:     created,
		Listing: &domain.Listing{
			ID:     listingID,
			Title:  "Camera",
			Price:  decimal.NewFromInt(100),
			Images: []string{"/static/uploads/camera.jpg"},
		},
	}
}
