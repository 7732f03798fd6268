package messaging

import (
	"errors"
	"fmt"

	"market_core/internal/domain"
	"market_core/internal/negotiation"
)

var (
	ErrEmptyMessage  = errors.New("message text is empty")
	ErrOrderNotFound = errors.New("order not found")
	ErrOfferNotFound = errors.New("offer not found")

	ErrNotParticipant    = negotiation.ErrNotParticipant
	ErrTerminalOrder     = negotiation.ErrTerminalOrder
	ErrInvalidAmount     = negotiation.ErrInvalidAmount
	ErrInvalidAction     = negotiation.ErrInvalidAction
	ErrInvalidTransition = negotiation.ErrInvalidTransition
	ErrAlreadyAnswered   = negotiation.ErrAlreadyAnswered
	ErrSettled           = negotiation.ErrSettled
)

// PartialWriteError is returned by Accept when the accept event was stored
// but the order could not be updated. The two are left inconsistent until
// someone repairs the order.
type PartialWriteError struct {
	Event domain.NegotiationEvent
	Err   error
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("accept event %s stored but order %s was not updated: %v", e.Event.ID, e.Event.OrderID, e.Err)
}

func (e *PartialWriteError) Unwrap() error {
	return e.Err
}
