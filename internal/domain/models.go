package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending     OrderStatus = "pending"
	OrderStatusNegotiating OrderStatus = "negotiating"
	OrderStatusAccepted    OrderStatus = "accepted"
	OrderStatusPaid        OrderStatus = "paid"
	OrderStatusShipped     OrderStatus = "shipped"
	OrderStatusCompleted   OrderStatus = "completed"
	OrderStatusCancelled   OrderStatus = "cancelled"
	OrderStatusRejected    OrderStatus = "rejected"
	OrderStatusInProgress  OrderStatus = "in_progress"
)

// Terminal reports whether the order can no longer be negotiated. Payment and
// everything after it closes negotiation, as do cancellation and rejection.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusPaid, OrderStatusShipped, OrderStatusCompleted, OrderStatusInProgress,
		OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// Active orders are the ones still being agreed on.
func (s OrderStatus) Active() bool {
	return s == OrderStatusPending || s == OrderStatusNegotiating || s == OrderStatusAccepted
}

type Profile struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatar_url,omitempty"`
	Online    bool       `json:"online"`
	LastSeen  *time.Time `json:"last_seen,omitempty"`
}

type Listing struct {
	ID          uuid.UUID       `json:"id"`
	SellerID    uuid.UUID       `json:"seller_id"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Price       decimal.Decimal `json:"price"`
	Images      []string        `json:"images"`
	CategoryID  *uuid.UUID      `json:"category_id,omitempty"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
}

// FirstImage returns the cover image or an empty string.
func (l Listing) FirstImage() string {
	if len(l.Images) == 0 {
		return ""
	}
	return l.Images[0]
}

type Order struct {
	ID              uuid.UUID           `json:"id"`
	ListingID       uuid.UUID           `json:"listing_id"`
	BuyerID         uuid.UUID           `json:"buyer_id"`
	SellerID        uuid.UUID           `json:"seller_id"`
	Status          OrderStatus         `json:"status"`
	OriginalPrice   decimal.Decimal     `json:"original_price"`
	NegotiatedPrice decimal.NullDecimal `json:"negotiated_price"`
	FinalAmount     decimal.Decimal     `json:"final_amount"`
	Currency        string              `json:"currency"`
	QRCodeData      json.RawMessage     `json:"qr_code_data,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`

	Listing *Listing `json:"listing,omitempty"`
}

// Involves reports whether the user is the buyer or the seller.
func (o Order) Involves(userID uuid.UUID) bool {
	return o.BuyerID == userID || o.SellerID == userID
}

// Counterpart returns the other participant of the order for the given user.
func (o Order) Counterpart(userID uuid.UUID) uuid.UUID {
	if o.BuyerID == userID {
		return o.SellerID
	}
	return o.BuyerID
}

type DeliveryStatus string

const (
	DeliverySending   DeliveryStatus = "sending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryRead      DeliveryStatus = "read"
)

type ChatMessage struct {
	ID          uuid.UUID      `json:"id"`
	OrderID     uuid.UUID      `json:"order_id"`
	ListingID   uuid.UUID      `json:"listing_id"`
	FromUserID  uuid.UUID      `json:"from_user_id"`
	ToUserID    uuid.UUID      `json:"to_user_id"`
	Text        string         `json:"message_text"`
	Attachments []string       `json:"attachments,omitempty"`
	ReadAt      *time.Time     `json:"read_at"`
	CreatedAt   time.Time      `json:"created_at"`
	Seq         int64          `json:"seq"`
	ClientRef   string         `json:"client_ref,omitempty"`
	Status      DeliveryStatus `json:"status,omitempty"`
}

// DisplayStatus classifies a stored message for the viewer. It is a display
// hint only and says nothing about transport-level delivery.
func (m ChatMessage) DisplayStatus(viewerID uuid.UUID) DeliveryStatus {
	switch {
	case m.ReadAt != nil:
		return DeliveryRead
	case m.ToUserID == viewerID:
		return DeliverySent
	default:
		return DeliveryDelivered
	}
}

type NegotiationAction string

const (
	ActionOffer   NegotiationAction = "offer"
	ActionCounter NegotiationAction = "counter"
	ActionAccept  NegotiationAction = "accept"
	ActionDecline NegotiationAction = "decline"
)

// Proposal reports whether the action puts a price on the table.
func (a NegotiationAction) Proposal() bool {
	return a == ActionOffer || a == ActionCounter
}

func (a NegotiationAction) Valid() bool {
	switch a {
	case ActionOffer, ActionCounter, ActionAccept, ActionDecline:
		return true
	}
	return false
}

type NegotiationEvent struct {
	ID         uuid.UUID         `json:"id"`
	OrderID    uuid.UUID         `json:"order_id"`
	FromUserID uuid.UUID         `json:"from_user_id"`
	Action     NegotiationAction `json:"action"`
	Amount     decimal.Decimal   `json:"amount"`
	Note       *string           `json:"message"`
	CreatedAt  time.Time         `json:"created_at"`
	Seq        int64             `json:"seq"`

	// RespondsTo is the proposal an accept or decline answers.
	RespondsTo *uuid.UUID `json:"responds_to,omitempty"`
}

type SystemAction string

const (
	SystemOrderCreated   SystemAction = "order_created"
	SystemOrderAccepted  SystemAction = "order_accepted"
	SystemOrderCompleted SystemAction = "order_completed"
)

type SystemEvent struct {
	OrderID   uuid.UUID    `json:"order_id"`
	Action    SystemAction `json:"system_action"`
	CreatedAt time.Time    `json:"created_at"`
}

type Conversation struct {
	OrderID               uuid.UUID       `json:"order_id"`
	ListingID             uuid.UUID       `json:"listing_id"`
	ListingTitle          string          `json:"listing_title"`
	ListingImage          string          `json:"listing_image"`
	ListingPrice          decimal.Decimal `json:"listing_price"`
	Counterpart           Profile         `json:"other_user"`
	LastMessage           string          `json:"last_message"`
	LastMessageAt         time.Time       `json:"last_message_time"`
	UnreadCount           int             `json:"unread_count"`
	OrderStatus           OrderStatus     `json:"order_status"`
	Amount                decimal.Decimal `json:"amount"`
	HasPendingNegotiation bool            `json:"has_unread_negotiation"`
}

type NotificationType string

const (
	NotificationOrder   NotificationType = "order"
	NotificationMessage NotificationType = "message"
	NotificationPayment NotificationType = "payment"
	NotificationListing NotificationType = "listing"
	NotificationSystem  NotificationType = "system"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Data      json.RawMessage  `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

type OutboxEvent struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

const (
	EventTypeMessageCreated     = "MESSAGE_CREATED"
	EventTypeMessageUpdated     = "MESSAGE_UPDATED"
	EventTypeNegotiationCreated = "NEGOTIATION_CREATED"
	EventTypeOrderUpdated       = "ORDER_UPDATED"
	EventTypeTyping             = "TYPING"
)

// ChangeEvent is what subscribers receive for a row change on an order, or for
// the ephemeral typing broadcast.
type ChangeEvent struct {
	Type    string          `json:"type"`
	OrderID uuid.UUID       `json:"order_id"`
	UserID  uuid.UUID       `json:"user_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Creation reports whether the event adds a row (as opposed to updating one
// or being ephemeral).
func (e ChangeEvent) Creation() bool {
	return e.Type == EventTypeMessageCreated || e.Type == EventTypeNegotiationCreated
}
