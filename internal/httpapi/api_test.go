package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/repository"
	"market_core/internal/storage"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMessaging struct {
	order      domain.Order
	convs      []domain.Conversation
	sendErr    error
	acceptErr  error
	sent       []messaging.SendRequest
	proposals  []messaging.ProposalRequest
	convsCalls int
}

func (f *fakeMessaging) participant(orderID, userID uuid.UUID) error {
	if orderID != f.order.ID {
		return messaging.ErrOrderNotFound
	}
	if !f.order.Involves(userID) {
		return messaging.ErrNotParticipant
	}
	return nil
}

func (f *fakeMessaging) Conversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error) {
	f.convsCalls++
	return f.convs, nil
}

func (f *fakeMessaging) Order(ctx context.Context, orderID, viewerID uuid.UUID) (*domain.Order, error) {
	if err := f.participant(orderID, viewerID); err != nil {
		return nil, err
	}
	o := f.order
	return &o, nil
}

func (f *fakeMessaging) Timeline(ctx context.Context, orderID, viewerID uuid.UUID) ([]domain.TimelineEntry, error) {
	if err := f.participant(orderID, viewerID); err != nil {
		return nil, err
	}
	return messaging.MergeTimeline(f.order, nil, nil, viewerID), nil
}

func (f *fakeMessaging) SendMessage(ctx context.Context, orderID, sender uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error) {
	f.sent = append(f.sent, req)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, messaging.ErrEmptyMessage
	}
	if err := f.participant(orderID, sender); err != nil {
		return nil, err
	}
	return &domain.ChatMessage{ID: uuid.New(), OrderID: orderID, FromUserID: sender, Text: req.Text, ClientRef: req.ClientRef}, nil
}

func (f *fakeMessaging) MarkRead(ctx context.Context, orderID, viewerID uuid.UUID) (int, error) {
	if err := f.participant(orderID, viewerID); err != nil {
		return 0, err
	}
	return 3, nil
}

func (f *fakeMessaging) Propose(ctx context.Context, orderID, actor uuid.UUID, req messaging.ProposalRequest) (*domain.NegotiationEvent, error) {
	f.proposals = append(f.proposals, req)
	if !req.Amount.IsPositive() {
		return nil, messaging.ErrInvalidAmount
	}
	return &domain.NegotiationEvent{ID: uuid.New(), OrderID: orderID, FromUserID: actor, Action: req.Action, Amount: req.Amount}, nil
}

func (f *fakeMessaging) Accept(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.Order, error) {
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	o := f.order
	o.Status = domain.OrderStatusAccepted
	return &o, nil
}

func (f *fakeMessaging) Decline(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.NegotiationEvent, error) {
	return nil, messaging.ErrOfferNotFound
}

type fakeTyping struct {
	signals []uuid.UUID
}

func (f *fakeTyping) Typing(ctx context.Context, orderID, userID uuid.UUID) error {
	f.signals = append(f.signals, userID)
	return nil
}

type fakeListings struct {
	filter repository.ListingFilter
}

func (f *fakeListings) Search(ctx context.Context, filter repository.ListingFilter) ([]domain.Listing, error) {
	f.filter = filter
	return nil, nil
}

type testEnv struct {
	mux      *http.ServeMux
	svc      *fakeMessaging
	typing   *fakeTyping
	listings *fakeListings
	buyer    uuid.UUID
	seller   uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	buyer, seller := uuid.New(), uuid.New()
	env := &testEnv{
		svc: &fakeMessaging{order: domain.Order{
			ID:        uuid.New(),
			BuyerID:   buyer,
			SellerID:  seller,
			Status:    domain.OrderStatusNegotiating,
			CreatedAt: time.Now(),
		}},
		typing:   &fakeTyping{},
		listings: &fakeListings{},
		buyer:    buyer,
		seller:   seller,
		mux:      http.NewServeMux(),
	}
	objects, err := storage.NewFileStore(t.TempDir(), "/static/uploads")
	require.NoError(t, err)
	NewAPI(env.svc, env.typing, env.listings, objects).Routes(env.mux)
	return env
}

func (e *testEnv) do(method, path string, user uuid.UUID, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != uuid.Nil {
		req.Header.Set(UserHeader, user.String())
	}
	rec := httptest.NewRecorder()
	e.mux.ServeHTTP(rec, req)
	return rec
}

func TestRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodGet, "/conversations", uuid.Nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, env.svc.convsCalls)
}

func TestConversationsTab(t *testing.T) {
	env := newTestEnv(t)
	env.svc.convs = []domain.Conversation{
		{OrderID: uuid.New(), UnreadCount: 2, OrderStatus: domain.OrderStatusNegotiating},
		{OrderID: uuid.New(), OrderStatus: domain.OrderStatusCompleted},
	}

	rec := env.do(http.MethodGet, "/conversations?tab=unread", env.buyer, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var got []domain.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, env.svc.convs[0].OrderID, got[0].OrderID)

	rec = env.do(http.MethodGet, "/conversations?tab=archived", env.buyer, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessage(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/orders/%s/messages", env.svc.order.ID)

	rec := env.do(http.MethodPost, path, env.buyer, `{"text":"hello","client_ref":"temp-01"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var msg domain.ChatMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "temp-01", msg.ClientRef)

	rec = env.do(http.MethodPost, path, env.buyer, `{"text":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, path, uuid.New(), `{"text":"hi"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = env.do(http.MethodPost, "/orders/not-a-uuid/messages", env.buyer, `{"text":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(http.MethodPost, path, env.buyer, `{"text":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStoreFailureIsInternal(t *testing.T) {
	env := newTestEnv(t)
	env.svc.sendErr = errors.New("connection reset")

	rec := env.do(http.MethodPost, fmt.Sprintf("/orders/%s/messages", env.svc.order.ID), env.buyer, `{"text":"hello"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "connection reset")
}

func TestNegotiationEndpoints(t *testing.T) {
	env := newTestEnv(t)
	base := fmt.Sprintf("/orders/%s/negotiations", env.svc.order.ID)

	rec := env.do(http.MethodPost, base, env.buyer, `{"action":"offer","amount":"87.50","note":"cash"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, env.svc.proposals, 1)
	assert.True(t, decimal.RequireFromString("87.5").Equal(env.svc.proposals[0].Amount))

	rec = env.do(http.MethodPost, base, env.buyer, `{"action":"offer","amount":0}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	offerID := uuid.New()
	rec = env.do(http.MethodPost, fmt.Sprintf("%s/%s/accept", base, offerID), env.seller, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var order domain.Order
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &order))
	assert.Equal(t, domain.OrderStatusAccepted, order.Status)

	rec = env.do(http.MethodPost, fmt.Sprintf("%s/%s/decline", base, offerID), env.seller, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAcceptPartialWrite(t *testing.T) {
	env := newTestEnv(t)
	written := domain.NegotiationEvent{ID: uuid.New(), OrderID: env.svc.order.ID, Action: domain.ActionAccept}
	env.svc.acceptErr = &messaging.PartialWriteError{Event: written, Err: errors.New("deadlock")}

	rec := env.do(http.MethodPost, fmt.Sprintf("/orders/%s/negotiations/%s/accept", env.svc.order.ID, uuid.New()), env.seller, "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Event)
	assert.Equal(t, written.ID, body.Event.ID)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{messaging.ErrEmptyMessage, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", messaging.ErrInvalidAction), http.StatusBadRequest},
		{storage.ErrInvalidBucket, http.StatusBadRequest},
		{messaging.ErrNotParticipant, http.StatusForbidden},
		{messaging.ErrOrderNotFound, http.StatusNotFound},
		{messaging.ErrOfferNotFound, http.StatusNotFound},
		{messaging.ErrInvalidTransition, http.StatusConflict},
		{messaging.ErrTerminalOrder, http.StatusConflict},
		{fmt.Errorf("failed to record decline: %w", messaging.ErrAlreadyAnswered), http.StatusConflict},
		{messaging.ErrSettled, http.StatusConflict},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestTypingChecksParticipant(t *testing.T) {
	env := newTestEnv(t)
	path := fmt.Sprintf("/orders/%s/typing", env.svc.order.ID)

	assert.Equal(t, http.StatusAccepted, env.do(http.MethodPost, path, env.seller, "").Code)
	assert.Equal(t, http.StatusForbidden, env.do(http.MethodPost, path, uuid.New(), "").Code)
	assert.Equal(t, []uuid.UUID{env.seller}, env.typing.signals)
}

func TestMarkRead(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, fmt.Sprintf("/orders/%s/read", env.svc.order.ID), env.buyer, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"updated":3}`, rec.Body.String())
}

func TestSearchListings(t *testing.T) {
	env := newTestEnv(t)
	category := uuid.New()

	rec := env.do(http.MethodGet, "/listings?q=camera&sort=price_asc&limit=5&category="+category.String(), uuid.Nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, "camera", env.listings.filter.Query)
	assert.Equal(t, repository.SortPriceLow, env.listings.filter.Sort)
	assert.Equal(t, 5, env.listings.filter.Limit)
	require.NotNil(t, env.listings.filter.CategoryID)
	assert.Equal(t, category, *env.listings.filter.CategoryID)

	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/listings?sort=random", uuid.Nil, "").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(http.MethodGet, "/listings?category=shoes", uuid.Nil, "").Code)
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	part, err := mw.CreateFormFile("file", "terms.pdf")
	require.NoError(t, err)
	_, err = part.Write([]byte("%PDF-1.4"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/uploads/"+storage.BucketChatAttachments, body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(UserHeader, env.buyer.String())
	rec := httptest.NewRecorder()
	env.mux.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, strings.HasPrefix(got["url"], "/static/uploads/chat-attachments/"))
}

func TestMiddleware(t *testing.T) {
	handler := LoggingMiddleware(CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/conversations", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), UserHeader)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/conversations", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
