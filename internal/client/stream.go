package client

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"market_core/internal/ws"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Stream is the user's websocket. It carries typing signals and change
// notices; timelines are fetched over HTTP.
type Stream struct {
	conn   *websocket.Conn
	frames chan ws.ServerFrame

	writeMu sync.Mutex
}

// Connect opens the websocket. Frames() is closed when the connection ends.
func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse api url: %w", err)
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	q := u.Query()
	q.Set("user_id", c.userID.String())
	q.Set("device_id", c.deviceID.String())
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket: %w", err)
	}

	s := &Stream{conn: conn, frames: make(chan ws.ServerFrame, 32)}
	go s.readLoop()
	return s, nil
}

func (s *Stream) readLoop() {
	defer close(s.frames)
	for {
		var frame ws.ServerFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Websocket closed", "error", err)
			}
			return
		}
		// Timelines are loaded by the caller's own view.
		if frame.Type == ws.FrameTimeline {
			continue
		}
		s.frames <- frame
	}
}

func (s *Stream) Frames() <-chan ws.ServerFrame {
	return s.frames
}

// Select makes the server forward typing signals of orderID.
func (s *Stream) Select(orderID uuid.UUID) error {
	return s.write(ws.ClientFrame{Type: ws.FrameSelect, OrderID: orderID})
}

func (s *Stream) Typing() error {
	return s.write(ws.ClientFrame{Type: ws.FrameTyping})
}

func (s *Stream) write(frame ws.ClientFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", frame.Type, err)
	}
	return nil
}

func (s *Stream) Close() error {
	s.writeMu.Lock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	s.writeMu.Unlock()
	return s.conn.Close()
}
