package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"market_core/internal/domain"
	"market_core/internal/negotiation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const acceptedNote = "Offer accepted"

type ProposalRequest struct {
	Action domain.NegotiationAction `json:"action"`
	Amount decimal.Decimal          `json:"amount"`
	Note   string                   `json:"note,omitempty"`
}

func (s *Service) Offer(ctx context.Context, orderID, actor uuid.UUID, amount decimal.Decimal, note string) (*domain.NegotiationEvent, error) {
	return s.Propose(ctx, orderID, actor, ProposalRequest{Action: domain.ActionOffer, Amount: amount, Note: note})
}

func (s *Service) Counter(ctx context.Context, orderID, actor uuid.UUID, amount decimal.Decimal, note string) (*domain.NegotiationEvent, error) {
	return s.Propose(ctx, orderID, actor, ProposalRequest{Action: domain.ActionCounter, Amount: amount, Note: note})
}

// Propose appends an offer or counter-offer. Earlier proposals stay
// outstanding. The first proposal moves a pending order to negotiating; if
// that update fails the proposal still stands.
func (s *Service) Propose(ctx context.Context, orderID, actor uuid.UUID, req ProposalRequest) (*domain.NegotiationEvent, error) {
	order, err := s.participantOrder(ctx, orderID, actor)
	if err != nil {
		return nil, err
	}
	if err := negotiation.CanPropose(*order, actor, req.Action, req.Amount); err != nil {
		return nil, err
	}

	ev := &domain.NegotiationEvent{
		OrderID:    order.ID,
		FromUserID: actor,
		Action:     req.Action,
		Amount:     req.Amount,
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		ev.Note = &note
	}
	if err := s.negotiations.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record %s: %w", req.Action, err)
	}

	if order.Status == domain.OrderStatusPending {
		if err := s.orders.MarkNegotiating(ctx, order.ID); err != nil {
			slog.Warn("Failed to move order to negotiating", "order_id", order.ID, "error", err)
		}
	}
	s.invalidateOrder(order)
	return ev, nil
}

// Accept takes the counterpart's offer. It appends the accept event and then
// sets the agreed price on the order. The two writes are not atomic: when the
// second one fails the error is a *PartialWriteError.
func (s *Service) Accept(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.Order, error) {
	order, offer, err := s.respondable(ctx, orderID, offerID, actor)
	if err != nil {
		return nil, err
	}

	note := acceptedNote
	ev := &domain.NegotiationEvent{
		OrderID:    order.ID,
		FromUserID: actor,
		Action:     domain.ActionAccept,
		Amount:     offer.Amount,
		Note:       &note,
		RespondsTo: &offer.ID,
	}
	if err := s.appendAnswer(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record acceptance: %w", err)
	}

	if err := s.orders.ApplyAcceptedPrice(ctx, order.ID, offer.Amount); err != nil {
		s.invalidateOrder(order)
		slog.Error("Accept event stored without order update", "order_id", order.ID, "event_id", ev.ID, "error", err)
		return nil, &PartialWriteError{Event: *ev, Err: err}
	}
	s.invalidateOrder(order)

	accepted := *order
	accepted.Status = domain.OrderStatusAccepted
	accepted.NegotiatedPrice = decimal.NewNullDecimal(offer.Amount)
	accepted.FinalAmount = offer.Amount
	return &accepted, nil
}

// Decline rejects the counterpart's offer. The order is not changed.
func (s *Service) Decline(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.NegotiationEvent, error) {
	order, offer, err := s.respondable(ctx, orderID, offerID, actor)
	if err != nil {
		return nil, err
	}

	ev := &domain.NegotiationEvent{
		OrderID:    order.ID,
		FromUserID: actor,
		Action:     domain.ActionDecline,
		Amount:     offer.Amount,
		RespondsTo: &offer.ID,
	}
	if err := s.appendAnswer(ctx, ev); err != nil {
		return nil, fmt.Errorf("failed to record decline: %w", err)
	}
	s.invalidateOrder(order)
	return ev, nil
}

func (s *Service) respondable(ctx context.Context, orderID, offerID, actor uuid.UUID) (*domain.Order, *domain.NegotiationEvent, error) {
	order, err := s.participantOrder(ctx, orderID, actor)
	if err != nil {
		return nil, nil, err
	}

	offer, err := s.negotiations.Get(ctx, offerID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil, ErrOfferNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load offer: %w", err)
	}
	if offer.OrderID != order.ID {
		return nil, nil, ErrOfferNotFound
	}

	history, err := s.negotiations.ListForOrder(ctx, order.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load negotiation history: %w", err)
	}
	if err := negotiation.CanRespond(*order, *offer, actor, history); err != nil {
		return nil, nil, err
	}
	return order, offer, nil
}

// appendAnswer stores an accept or decline. A concurrent answer to the same
// proposal surfaces as ErrAlreadyAnswered.
func (s *Service) appendAnswer(ctx context.Context, ev *domain.NegotiationEvent) error {
	err := s.negotiations.Append(ctx, ev)
	if errors.Is(err, domain.ErrConflict) {
		return ErrAlreadyAnswered
	}
	return err
}
