package ws

import (
	"market_core/internal/chatview"

	"github.com/google/uuid"
)

type FrameType string

// Frames sent by the browser or terminal client.
const (
	FrameSelect FrameType = "select"
	FrameSend   FrameType = "send"
	FrameTyping FrameType = "typing"
	FrameRead   FrameType = "read"
)

// Frames sent by the server. FrameTyping is used in both directions.
const (
	FrameTimeline             FrameType = "timeline"
	FrameConversationsChanged FrameType = "conversations_changed"
	FrameError                FrameType = "error"
)

type ClientFrame struct {
	Type        FrameType `json:"type"`
	OrderID     uuid.UUID `json:"order_id"`
	Text        string    `json:"text,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

type ServerFrame struct {
	Type    FrameType      `json:"type"`
	OrderID uuid.UUID      `json:"order_id"`
	View    *chatview.View `json:"view,omitempty"`
	Typing  bool           `json:"typing"`
	Event   string         `json:"event,omitempty"`
	Error   string         `json:"error,omitempty"`
}
