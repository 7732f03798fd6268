package tui

import (
	"errors"
	"fmt"
	"strings"

	"market_core/internal/domain"
	"market_core/internal/negotiation"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type commandKind int

const (
	cmdMessage commandKind = iota
	cmdPropose
	cmdAccept
	cmdDecline
)

type command struct {
	kind   commandKind
	text   string
	action domain.NegotiationAction
	amount decimal.Decimal
	note   string
}

var errNoPendingOffer = errors.New("there is no offer waiting for your answer")

// parseCommand reads the compose box. Plain text is a chat message; a
// leading slash selects a negotiation command:
//
//	/offer <amount> [note]
//	/counter <amount> [note]
//	/accept
//	/decline
func parseCommand(input string) (command, error) {
	input = strings.TrimSpace(input)
	if !strings.HasPrefix(input, "/") {
		return command{kind: cmdMessage, text: input}, nil
	}

	fields := strings.Fields(input)
	switch name := strings.ToLower(fields[0]); name {
	case "/offer", "/counter":
		if len(fields) < 2 {
			return command{}, fmt.Errorf("usage: %s <amount> [note]", name)
		}
		amount, err := decimal.NewFromString(strings.TrimPrefix(fields[1], "$"))
		if err != nil {
			return command{}, fmt.Errorf("invalid amount %q", fields[1])
		}
		action := domain.ActionOffer
		if name == "/counter" {
			action = domain.ActionCounter
		}
		return command{
			kind:   cmdPropose,
			action: action,
			amount: amount,
			note:   strings.Join(fields[2:], " "),
		}, nil
	case "/accept":
		return command{kind: cmdAccept}, nil
	case "/decline":
		return command{kind: cmdDecline}, nil
	default:
		return command{}, fmt.Errorf("unknown command %s", fields[0])
	}
}

// pendingOffer finds the proposal /accept and /decline act on: the newest
// of the counterpart's proposals the viewer has not answered.
func pendingOffer(entries []domain.TimelineEntry, viewer uuid.UUID) (*domain.NegotiationEvent, error) {
	var history []domain.NegotiationEvent
	for _, e := range entries {
		if e.Kind == domain.EntryNegotiation {
			history = append(history, *e.Negotiation)
		}
	}
	outstanding := negotiation.Outstanding(history, viewer)
	if len(outstanding) == 0 {
		return nil, errNoPendingOffer
	}
	return &outstanding[len(outstanding)-1], nil
}
