package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	"market_core/internal/domain"
	"market_core/internal/messaging"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input   string
		want    command
		wantErr bool
	}{
		{input: "  is it still available? ", want: command{kind: cmdMessage, text: "is it still available?"}},
		{input: "/offer 80", want: command{kind: cmdPropose, action: domain.ActionOffer, amount: decimal.NewFromInt(80)}},
		{input: "/counter $95.50 final price", want: command{kind: cmdPropose, action: domain.ActionCounter, amount: decimal.RequireFromString("95.5"), note: "final price"}},
		{input: "/ACCEPT", want: command{kind: cmdAccept}},
		{input: "/decline", want: command{kind: cmdDecline}},
		{input: "/offer", wantErr: true},
		{input: "/offer lots", wantErr: true},
		{input: "/haggle 10", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCommand(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.kind, got.kind)
			assert.Equal(t, tt.want.text, got.text)
			assert.Equal(t, tt.want.action, got.action)
			assert.True(t, tt.want.amount.Equal(got.amount), "amount %s", got.amount)
			assert.Equal(t, tt.want.note, got.note)
		})
	}
}

func TestPendingOffer(t *testing.T) {
	me, them := uuid.New(), uuid.New()
	theirOffer := domain.NegotiationEvent{ID: uuid.New(), FromUserID: them, Action: domain.ActionOffer, Amount: decimal.NewFromInt(70)}
	myCounter := domain.NegotiationEvent{ID: uuid.New(), FromUserID: me, Action: domain.ActionCounter, Amount: decimal.NewFromInt(90)}
	myDecline := domain.NegotiationEvent{ID: uuid.New(), FromUserID: me, Action: domain.ActionDecline, RespondsTo: &theirOffer.ID}

	entries := []domain.TimelineEntry{
		domain.SystemEntry(domain.SystemEvent{Action: domain.SystemOrderCreated}),
		domain.NegotiationEntry(theirOffer),
		domain.MessageEntry(domain.ChatMessage{FromUserID: them, Text: "deal?"}),
	}
	got, err := pendingOffer(entries, me)
	require.NoError(t, err)
	assert.Equal(t, theirOffer.ID, got.ID)

	// A counter of mine does not answer their offer.
	got, err = pendingOffer(append(entries, domain.NegotiationEntry(myCounter)), me)
	require.NoError(t, err)
	assert.Equal(t, theirOffer.ID, got.ID)

	_, err = pendingOffer(append(entries, domain.NegotiationEntry(myCounter), domain.NegotiationEntry(myDecline)), me)
	assert.ErrorIs(t, err, errNoPendingOffer)

	_, err = pendingOffer(nil, me)
	assert.ErrorIs(t, err, errNoPendingOffer)
}

func TestPendingOfferBehindTheirDecline(t *testing.T) {
	me, them := uuid.New(), uuid.New()
	mine := domain.NegotiationEvent{ID: uuid.New(), FromUserID: me, Action: domain.ActionOffer, Amount: decimal.NewFromInt(80)}
	theirs := domain.NegotiationEvent{ID: uuid.New(), FromUserID: them, Action: domain.ActionCounter, Amount: decimal.NewFromInt(95)}
	declined := domain.NegotiationEvent{ID: uuid.New(), FromUserID: them, Action: domain.ActionDecline, Amount: mine.Amount, RespondsTo: &mine.ID}

	entries := []domain.TimelineEntry{
		domain.NegotiationEntry(mine),
		domain.NegotiationEntry(theirs),
		domain.NegotiationEntry(declined),
	}
	got, err := pendingOffer(entries, me)
	require.NoError(t, err)
	assert.Equal(t, theirs.ID, got.ID)
}

func TestRenderTimeline(t *testing.T) {
	me, them := uuid.New(), uuid.New()
	note := "cash on pickup"
	entries := []domain.TimelineEntry{
		domain.SystemEntry(domain.SystemEvent{Action: domain.SystemOrderCreated, CreatedAt: time.Now()}),
		domain.MessageEntry(domain.ChatMessage{FromUserID: them, Text: "hello there", CreatedAt: time.Now()}),
		domain.MessageEntry(domain.ChatMessage{FromUserID: me, Text: "hi", Status: domain.DeliverySending, CreatedAt: time.Now()}),
		domain.NegotiationEntry(domain.NegotiationEvent{FromUserID: them, Action: domain.ActionCounter, Amount: decimal.RequireFromString("87.5"), Note: &note}),
	}

	out := renderTimeline(entries, me, "EUR", 60)
	assert.Contains(t, out, "Order created")
	assert.Contains(t, out, "hello there")
	assert.Contains(t, out, "sending...")
	assert.Contains(t, out, "Counter offer: 87.50 EUR (They)")
	assert.Contains(t, out, note)
}

func TestConversationItem(t *testing.T) {
	item := conversationItem{conv: domain.Conversation{
		Counterpart:           domain.Profile{Name: "Ana"},
		ListingTitle:          "Camera",
		UnreadCount:           2,
		HasPendingNegotiation: true,
		LastMessage:           strings.Repeat("x", 80),
		OrderStatus:           domain.OrderStatusNegotiating,
	}}
	assert.Equal(t, "Ana · Camera (2) [offer]", item.Title())
	assert.Contains(t, item.Description(), strings.Repeat("x", 47)+"...")
	assert.Contains(t, item.Description(), "unknown")
}

type fakeAPI struct {
	convs    map[messaging.Tab][]domain.Conversation
	timeline []domain.TimelineEntry
}

func (f *fakeAPI) Timeline(ctx context.Context, orderID uuid.UUID) ([]domain.TimelineEntry, error) {
	return f.timeline, nil
}

func (f *fakeAPI) Send(ctx context.Context, orderID uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error) {
	return &domain.ChatMessage{ID: uuid.New(), OrderID: orderID, Text: req.Text}, nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, orderID uuid.UUID) (int, error) {
	return 0, nil
}

func (f *fakeAPI) Conversations(ctx context.Context, tab messaging.Tab) ([]domain.Conversation, error) {
	return f.convs[tab], nil
}

func (f *fakeAPI) Order(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return &domain.Order{ID: orderID, Status: domain.OrderStatusNegotiating, Currency: "USD"}, nil
}

func (f *fakeAPI) Propose(ctx context.Context, orderID uuid.UUID, req messaging.ProposalRequest) (*domain.NegotiationEvent, error) {
	return &domain.NegotiationEvent{ID: uuid.New(), Action: req.Action, Amount: req.Amount}, nil
}

func (f *fakeAPI) Accept(ctx context.Context, orderID, offerID uuid.UUID) (*domain.Order, error) {
	return &domain.Order{ID: orderID, Status: domain.OrderStatusAccepted}, nil
}

func (f *fakeAPI) Decline(ctx context.Context, orderID, offerID uuid.UUID) (*domain.NegotiationEvent, error) {
	return &domain.NegotiationEvent{ID: uuid.New(), Action: domain.ActionDecline}, nil
}

func TestModelTabsAndConversations(t *testing.T) {
	offer := domain.Conversation{OrderID: uuid.New(), HasPendingNegotiation: true}
	api := &fakeAPI{convs: map[messaging.Tab][]domain.Conversation{
		messaging.TabAll:    {offer, {OrderID: uuid.New()}},
		messaging.TabUnread: {offer},
	}}
	m := NewModel(api, nil, uuid.New())

	next, _ := m.Update(m.fetchConversationsCmd()())
	m = next.(Model)
	assert.Len(t, m.convs, 2)
	assert.False(t, m.loading)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(Model)
	assert.Equal(t, messaging.TabUnread, tabs[m.tab])
	require.NotNil(t, cmd)

	// A late answer for the previous tab is ignored.
	next, _ = m.Update(conversationsFetchedMsg{tab: messaging.TabAll, convs: api.convs[messaging.TabAll]})
	m = next.(Model)
	assert.Len(t, m.convs, 2)

	next, _ = m.Update(m.fetchConversationsCmd()())
	m = next.(Model)
	assert.Len(t, m.convs, 1)
}

func TestModelAcceptWithoutOffer(t *testing.T) {
	m := NewModel(&fakeAPI{}, nil, uuid.New())
	m.screen = screenChat
	m.input.SetValue("/accept")

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	require.NotNil(t, cmd)
	assert.Empty(t, m.input.Value())

	done, ok := cmd().(actionDoneMsg)
	require.True(t, ok)
	assert.ErrorIs(t, done.err, errNoPendingOffer)

	next, _ = m.Update(done)
	assert.ErrorIs(t, next.(Model).err, errNoPendingOffer)
}
