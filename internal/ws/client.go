package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"market_core/internal/chatview"
	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

var (
	ErrUnknownFrame = errors.New("unknown frame type")
	ErrMissingOrder = errors.New("order_id is required")
)

// Client is one socket of one device. It owns a chat view whose changes are
// pushed to the socket as timeline frames.
type Client struct {
	Hub      *Hub
	Conn     *websocket.Conn
	UserID   uuid.UUID
	DeviceID uuid.UUID
	Send     chan []byte

	session *chatview.Session
	typing  *realtime.TypingIndicator

	mu     sync.Mutex
	closed bool
	sub    *realtime.Subscription
}

func NewClient(hub *Hub, conn *websocket.Conn, userID, deviceID uuid.UUID) *Client {
	c := &Client{
		Hub:      hub,
		Conn:     conn,
		UserID:   userID,
		DeviceID: deviceID,
		Send:     make(chan []byte, sendBuffer),
	}
	backend := &serviceBackend{svc: hub.service, userID: userID}
	c.session = chatview.NewSession(userID, backend, chatview.NotifierFunc(c.sendError), c.onView)
	c.typing = realtime.NewTypingIndicator(userID, hub.typingTimeout, c.onTyping)
	return c
}

// ReadPump reads client frames until the socket fails. Frames are handled one
// at a time.
func (c *Client) ReadPump() {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		c.unsubscribe()
		c.typing.Stop()
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("Websocket closed unexpectedly", "user_id", c.UserID, "error", err)
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError(fmt.Errorf("invalid frame: %w", err))
			continue
		}
		if err := c.handle(ctx, frame); err != nil {
			c.sendError(err)
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, frame ClientFrame) error {
	switch frame.Type {
	case FrameSelect:
		return c.selectOrder(ctx, frame.OrderID)

	case FrameSend:
		// Store failures reach the socket through the session's notifier.
		_, err := c.session.Send(ctx, frame.Text, frame.Attachments)
		if errors.Is(err, messaging.ErrEmptyMessage) || errors.Is(err, chatview.ErrNoConversation) {
			return err
		}
		return nil

	case FrameTyping:
		orderID := c.session.Selected()
		if orderID == uuid.Nil {
			return chatview.ErrNoConversation
		}
		return c.Hub.feed.Typing(ctx, orderID, c.UserID)

	case FrameRead:
		orderID := c.session.Selected()
		if orderID == uuid.Nil {
			return chatview.ErrNoConversation
		}
		_, err := c.Hub.service.MarkRead(ctx, orderID, c.UserID)
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownFrame, frame.Type)
	}
}

// selectOrder switches the socket to another order. The change feed is only
// followed once the viewer was allowed to load the timeline.
func (c *Client) selectOrder(ctx context.Context, orderID uuid.UUID) error {
	if orderID == uuid.Nil {
		return ErrMissingOrder
	}
	c.unsubscribe()

	sub, err := c.Hub.feed.Subscribe(ctx, orderID)
	if err != nil {
		return err
	}
	if err := c.session.Select(ctx, orderID); err != nil {
		sub.Close()
		return nil
	}

	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	go c.follow(ctx, sub)
	return nil
}

func (c *Client) follow(ctx context.Context, sub *realtime.Subscription) {
	for ev := range sub.Events() {
		if ev.Type == domain.EventTypeTyping {
			c.typing.Observe(ev)
			continue
		}
		stale := true
		if c.Hub.refresher != nil {
			stale = c.Hub.refresher.Apply(ev)
		}
		if stale && c.session.MarkStale(ev.OrderID) {
			// Errors reach the socket through the notifier.
			c.session.RefreshIfStale(ctx)
		}
	}
}

func (c *Client) unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (c *Client) onView(v chatview.View) {
	c.send(ServerFrame{Type: FrameTimeline, OrderID: v.OrderID, View: &v})
}

func (c *Client) onTyping(orderID uuid.UUID, typing bool) {
	if orderID != c.session.Selected() {
		return
	}
	c.send(ServerFrame{Type: FrameTyping, OrderID: orderID, Typing: typing})
}

func (c *Client) sendError(err error) {
	c.send(ServerFrame{Type: FrameError, OrderID: c.session.Selected(), Error: err.Error()})
}

// send queues a frame. A client that stops draining its queue is
// disconnected.
func (c *Client) send(frame ServerFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal frame", "type", frame.Type, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.Send <- data:
	default:
		slog.Warn("Client send buffer full, disconnecting", "user_id", c.UserID, "device_id", c.DeviceID)
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

// serviceBackend runs the chat view of one user against the messaging
// service in-process.
type serviceBackend struct {
	svc    Service
	userID uuid.UUID
}

func (b *serviceBackend) Timeline(ctx context.Context, orderID uuid.UUID) ([]domain.TimelineEntry, error) {
	return b.svc.Timeline(ctx, orderID, b.userID)
}

func (b *serviceBackend) Send(ctx context.Context, orderID uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error) {
	return b.svc.SendMessage(ctx, orderID, b.userID, req)
}

func (b *serviceBackend) MarkRead(ctx context.Context, orderID uuid.UUID) (int, error) {
	return b.svc.MarkRead(ctx, orderID, b.userID)
}
