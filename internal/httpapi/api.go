// Package httpapi exposes the conversation, negotiation, listing and upload
// operations over JSON/HTTP. Callers identify themselves with the X-User-ID
// header.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/repository"

	"github.com/google/uuid"
)

const (
	UserHeader = "X-User-ID"

	maxUploadSize = 10 << 20
	maxBodySize   = 1 << 20
)

var errUnauthenticated = errors.New("missing or invalid " + UserHeader + " header")

type Messaging interface {
	Conversations(ctx context.Context, userID uuid.UUID) ([]domain.Conversation, error)
	Order(ctx context.Context, orderID, viewerID uuid.UUID) (*domain.Order, error)
	Timeline(ctx context.Context, orderID, viewerID uuid.UUID) ([]domain.TimelineEntry, error)
	SendMessage(ctx context.Context, orderID, sender uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error)
	MarkRead(ctx context.Context, orderID, viewerID uuid.UUID) (int, error)
	Propose(ctx context.Context, orderID, actor uuid.UUID, req messaging.ProposalRequest) (*domain.NegotiationEvent, error)
	Accept(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.Order, error)
	Decline(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.NegotiationEvent, error)
}

type TypingBroadcaster interface {
	Typing(ctx context.Context, orderID, userID uuid.UUID) error
}

type ListingSearcher interface {
	Search(ctx context.Context, f repository.ListingFilter) ([]domain.Listing, error)
}

type ObjectStore interface {
	Put(ctx context.Context, bucket, filename string, r io.Reader) (string, error)
}

type API struct {
	messaging Messaging
	typing    TypingBroadcaster
	listings  ListingSearcher
	objects   ObjectStore
}

func NewAPI(svc Messaging, typing TypingBroadcaster, listings ListingSearcher, objects ObjectStore) *API {
	return &API{
		messaging: svc,
		typing:    typing,
		listings:  listings,
		objects:   objects,
	}
}

// Routes registers every endpoint on mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /conversations", a.withUser(a.listConversations))
	mux.HandleFunc("GET /orders/{id}", a.withUser(a.getOrder))
	mux.HandleFunc("GET /orders/{id}/timeline", a.withUser(a.getTimeline))
	mux.HandleFunc("POST /orders/{id}/messages", a.withUser(a.sendMessage))
	mux.HandleFunc("POST /orders/{id}/read", a.withUser(a.markRead))
	mux.HandleFunc("POST /orders/{id}/typing", a.withUser(a.signalTyping))
	mux.HandleFunc("POST /orders/{id}/negotiations", a.withUser(a.propose))
	mux.HandleFunc("POST /orders/{id}/negotiations/{eventID}/accept", a.withUser(a.accept))
	mux.HandleFunc("POST /orders/{id}/negotiations/{eventID}/decline", a.withUser(a.decline))
	mux.HandleFunc("GET /listings", a.searchListings)
	mux.HandleFunc("POST /uploads/{bucket}", a.withUser(a.upload))
}

type userHandler func(w http.ResponseWriter, r *http.Request, userID uuid.UUID)

func (a *API) withUser(next userHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, err := uuid.Parse(r.Header.Get(UserHeader))
		if err != nil || userID == uuid.Nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: errUnauthenticated.Error()})
			return
		}
		next(w, r, userID)
	}
}

func (a *API) listConversations(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	tab, ok := messaging.ParseTab(r.URL.Query().Get("tab"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown tab"})
		return
	}
	convs, err := a.messaging.Conversations(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, messaging.FilterConversations(convs, tab))
}

func (a *API) getOrder(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	order, err := a.messaging.Order(r.Context(), orderID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) getTimeline(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	entries, err := a.messaging.Timeline(r.Context(), orderID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (a *API) sendMessage(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req messaging.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	msg, err := a.messaging.SendMessage(r.Context(), orderID, userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (a *API) markRead(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := a.messaging.MarkRead(r.Context(), orderID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": n})
}

// signalTyping only broadcasts for participants; the order is checked first.
func (a *API) signalTyping(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := a.messaging.Order(r.Context(), orderID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	if err := a.typing.Typing(r.Context(), orderID, userID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) propose(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req messaging.ProposalRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ev, err := a.messaging.Propose(r.Context(), orderID, userID, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ev)
}

func (a *API) accept(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	order, err := a.messaging.Accept(r.Context(), orderID, eventID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

func (a *API) decline(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	eventID, ok := pathID(w, r, "eventID")
	if !ok {
		return
	}
	ev, err := a.messaging.Decline(r.Context(), orderID, eventID, userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (a *API) searchListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListingFilter{
		Query: q.Get("q"),
		Sort:  repository.ListingSort(q.Get("sort")),
	}
	switch filter.Sort {
	case "", repository.SortNewest, repository.SortPriceLow, repository.SortPriceHigh:
	default:
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown sort"})
		return
	}
	if raw := q.Get("category"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid category"})
			return
		}
		filter.CategoryID = &id
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid limit"})
			return
		}
		filter.Limit = n
	}

	listings, err := a.listings.Search(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if listings == nil {
		listings = []domain.Listing{}
	}
	writeJSON(w, http.StatusOK, listings)
}

func (a *API) upload(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid upload"})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "file is required"})
		return
	}
	defer file.Close()

	url, err := a.objects.Put(r.Context(), r.PathValue("bucket"), header.Filename, file)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("Object uploaded", "user_id", userID, "url", url)
	writeJSON(w, http.StatusCreated, map[string]string{"url": url})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid " + name})
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid body"})
		return false
	}
	return true
}
