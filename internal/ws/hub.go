package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/presence"
	"market_core/internal/realtime"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// UserQueues hands out the per-user queue that order changes are routed to
// while the user is online.
type UserQueues interface {
	ConsumeUserQueue(userID uuid.UUID) (<-chan amqp.Delivery, func(), error)
}

// Service is the part of the messaging service a socket acts on.
type Service interface {
	Timeline(ctx context.Context, orderID, viewerID uuid.UUID) ([]domain.TimelineEntry, error)
	SendMessage(ctx context.Context, orderID, sender uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error)
	MarkRead(ctx context.Context, orderID, viewerID uuid.UUID) (int, error)
}

type Options struct {
	Service Service
	Feed    realtime.Feed

	// Refresher, when set, drops cached timelines before a socket re-fetches
	// after a change.
	Refresher     *realtime.Refresher
	TypingTimeout time.Duration
}

type Hub struct {
	// Registered clients: UserID -> DeviceID -> Client
	clients map[uuid.UUID]map[uuid.UUID]*Client

	Register   chan *Client
	Unregister chan *Client

	presenceRepo presence.Repository
	queues       UserQueues
	nodeID       string

	service       Service
	feed          realtime.Feed
	refresher     *realtime.Refresher
	typingTimeout time.Duration

	// Cancel functions of the user queue consumers: UserID -> CancelFunc
	consumers map[uuid.UUID]func()

	done chan struct{}
	mu   sync.RWMutex
}

func NewHub(presenceRepo presence.Repository, queues UserQueues, nodeID string, opts Options) *Hub {
	return &Hub{
		clients:       make(map[uuid.UUID]map[uuid.UUID]*Client),
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		presenceRepo:  presenceRepo,
		queues:        queues,
		nodeID:        nodeID,
		service:       opts.Service,
		feed:          opts.Feed,
		refresher:     opts.Refresher,
		typingTimeout: opts.TypingTimeout,
		consumers:     make(map[uuid.UUID]func()),
		done:          make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.Register:
			h.mu.Lock()
			if _, ok := h.clients[client.UserID]; !ok {
				h.clients[client.UserID] = make(map[uuid.UUID]*Client)

				// First device of the user: start consuming the user queue
				msgs, cancel, err := h.queues.ConsumeUserQueue(client.UserID)
				if err != nil {
					slog.Error("Failed to consume user queue", "user_id", client.UserID, "error", err)
				} else {
					h.consumers[client.UserID] = cancel
					go h.handleUserMessages(client.UserID, msgs)
				}
			}
			h.clients[client.UserID][client.DeviceID] = client
			h.mu.Unlock()

			go func() {
				if err := h.presenceRepo.AddSession(context.Background(), client.UserID, client.DeviceID, h.nodeID); err != nil {
					slog.Error("Failed to add session", "user_id", client.UserID, "error", err)
				}
			}()

			slog.Info("Client registered", "user_id", client.UserID, "device_id", client.DeviceID)

		case client := <-h.Unregister:
			h.mu.Lock()
			if userClients, ok := h.clients[client.UserID]; ok {
				if current, ok := userClients[client.DeviceID]; ok && current == client {
					delete(userClients, client.DeviceID)
					client.closeSend()
					if len(userClients) == 0 {
						delete(h.clients, client.UserID)

						if cancel, ok := h.consumers[client.UserID]; ok {
							cancel()
							delete(h.consumers, client.UserID)
						}
					}
				}
			}
			h.mu.Unlock()

			go func() {
				if err := h.presenceRepo.RemoveSession(context.Background(), client.UserID, client.DeviceID); err != nil {
					slog.Error("Failed to remove session", "user_id", client.UserID, "error", err)
				}
			}()

			slog.Info("Client unregistered", "user_id", client.UserID, "device_id", client.DeviceID)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, userClients := range h.clients {
		for _, client := range userClients {
			client.closeSend()
		}
		if cancel, ok := h.consumers[userID]; ok {
			cancel()
		}
	}
	h.clients = make(map[uuid.UUID]map[uuid.UUID]*Client)
	h.consumers = make(map[uuid.UUID]func())
}

// handleUserMessages tells every device of the user that one of its
// conversations changed.
func (h *Hub) handleUserMessages(userID uuid.UUID, msgs <-chan amqp.Delivery) {
	for d := range msgs {
		var ev domain.ChangeEvent
		if err := json.Unmarshal(d.Body, &ev); err != nil {
			slog.Warn("Failed to unmarshal change event", "user_id", userID, "error", err)
			continue
		}
		h.BroadcastToUser(userID, ServerFrame{
			Type:    FrameConversationsChanged,
			OrderID: ev.OrderID,
			Event:   ev.Type,
		})
	}
}

func (h *Hub) BroadcastToUser(userID uuid.UUID, frame ServerFrame) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, client := range h.clients[userID] {
		client.send(frame)
	}
}

// Connected reports how many devices of the user hold a socket on this node.
func (h *Hub) Connected(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeWS upgrades the request and attaches a client. The user is given by
// the user_id query parameter; device_id is optional.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "Missing or invalid user_id", http.StatusBadRequest)
		return
	}
	deviceID := uuid.New()
	if raw := r.URL.Query().Get("device_id"); raw != "" {
		if deviceID, err = uuid.Parse(raw); err != nil {
			http.Error(w, "Invalid device_id", http.StatusBadRequest)
			return
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade websocket", "error", err)
		return
	}

	client := NewClient(h, conn, userID, deviceID)
	select {
	case h.Register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.WritePump()
	go client.ReadPump()
}
