// Package negotiation holds the price negotiation rules of an order. The
// negotiation itself is a linear, append-only history of events; the rules
// here decide which new event may be appended given the order and the event
// being answered.
package negotiation

import (
	"errors"

	"market_core/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotParticipant    = errors.New("user is not a participant of the order")
	ErrTerminalOrder     = errors.New("order is no longer open for negotiation")
	ErrInvalidAmount     = errors.New("amount must be greater than zero")
	ErrInvalidAction     = errors.New("invalid negotiation action")
	ErrInvalidTransition = errors.New("negotiation event cannot be answered by this user")
	ErrAlreadyAnswered   = errors.New("proposal has already been answered")
	ErrSettled           = errors.New("negotiation was settled by an accepted offer")
)

// CanPropose checks an offer or counter-offer. Either party may propose at
// any time while the order is open; earlier proposals stay outstanding.
func CanPropose(order domain.Order, actor uuid.UUID, action domain.NegotiationAction, amount decimal.Decimal) error {
	if !action.Proposal() {
		return ErrInvalidAction
	}
	if !order.Involves(actor) {
		return ErrNotParticipant
	}
	if order.Status.Terminal() {
		return ErrTerminalOrder
	}
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	return nil
}

// CanRespond checks an accept or decline of target against the order's
// history. Only the counterpart of whoever made the proposal may answer it,
// each proposal is answered once and nothing is answered after an accept.
func CanRespond(order domain.Order, target domain.NegotiationEvent, actor uuid.UUID, history []domain.NegotiationEvent) error {
	if !order.Involves(actor) {
		return ErrNotParticipant
	}
	if order.Status.Terminal() {
		return ErrTerminalOrder
	}
	if target.OrderID != order.ID || !target.Action.Proposal() || target.FromUserID == actor {
		return ErrInvalidTransition
	}
	for _, ev := range history {
		if ev.Action == domain.ActionAccept {
			return ErrSettled
		}
		if ev.RespondsTo != nil && *ev.RespondsTo == target.ID {
			return ErrAlreadyAnswered
		}
	}
	return nil
}

// Outstanding returns the counterpart's proposals the viewer has not answered
// yet, oldest first. Once an offer was accepted nothing is outstanding.
func Outstanding(history []domain.NegotiationEvent, viewer uuid.UUID) []domain.NegotiationEvent {
	answered := make(map[uuid.UUID]bool)
	for _, ev := range history {
		if ev.Action == domain.ActionAccept {
			return nil
		}
		if ev.RespondsTo != nil {
			answered[*ev.RespondsTo] = true
		}
	}

	var out []domain.NegotiationEvent
	for _, ev := range history {
		if ev.Action.Proposal() && ev.FromUserID != viewer && !answered[ev.ID] {
			out = append(out, ev)
		}
	}
	return out
}

// AwaitingResponse reports whether any proposal of the counterpart is still
// waiting for the viewer's answer.
func AwaitingResponse(history []domain.NegotiationEvent, viewer uuid.UUID) bool {
	return len(Outstanding(history, viewer)) > 0
}
