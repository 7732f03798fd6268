package domain

import (
	"fmt"
	"time"
)

type EntryKind string

const (
	EntryMessage     EntryKind = "message"
	EntryNegotiation EntryKind = "negotiation"
	EntrySystem      EntryKind = "system"
)

// TimelineEntry is one item of an order's feed. Exactly one of Message,
// Negotiation and System is set, selected by Kind.
type TimelineEntry struct {
	Kind        EntryKind         `json:"type"`
	Message     *ChatMessage      `json:"message,omitempty"`
	Negotiation *NegotiationEvent `json:"negotiation,omitempty"`
	System      *SystemEvent      `json:"system,omitempty"`
}

func MessageEntry(m ChatMessage) TimelineEntry {
	return TimelineEntry{Kind: EntryMessage, Message: &m}
}

func NegotiationEntry(n NegotiationEvent) TimelineEntry {
	return TimelineEntry{Kind: EntryNegotiation, Negotiation: &n}
}

func SystemEntry(s SystemEvent) TimelineEntry {
	return TimelineEntry{Kind: EntrySystem, System: &s}
}

// At is the creation time used to order the feed.
func (e TimelineEntry) At() time.Time {
	switch e.Kind {
	case EntryMessage:
		return e.Message.CreatedAt
	case EntryNegotiation:
		return e.Negotiation.CreatedAt
	case EntrySystem:
		return e.System.CreatedAt
	default:
		panic(fmt.Sprintf("domain: unknown timeline entry kind %q", e.Kind))
	}
}

// Key identifies the entry inside one feed. Optimistic messages have no
// store id yet and are keyed by their client reference.
func (e TimelineEntry) Key() string {
	switch e.Kind {
	case EntryMessage:
		if e.Message.ClientRef != "" {
			return e.Message.ClientRef
		}
		return "msg-" + e.Message.ID.String()
	case EntryNegotiation:
		return "neg-" + e.Negotiation.ID.String()
	case EntrySystem:
		return "sys-" + string(e.System.Action)
	default:
		panic(fmt.Sprintf("domain: unknown timeline entry kind %q", e.Kind))
	}
}
