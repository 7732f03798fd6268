// Package chatview keeps the conversation a single viewer is looking at:
// which order is selected, its merged timeline, messages still being sent and
// whether the counterpart is typing.
package chatview

import (
	"context"
	"crypto/rand"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"market_core/internal/domain"
	"market_core/internal/messaging"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

const tempPrefix = "temp-"

var ErrNoConversation = errors.New("no conversation selected")

// Backend is the viewer's access to the store. Implementations act on behalf
// of one user.
type Backend interface {
	Timeline(ctx context.Context, orderID uuid.UUID) ([]domain.TimelineEntry, error)
	Send(ctx context.Context, orderID uuid.UUID, req messaging.SendRequest) (*domain.ChatMessage, error)
	MarkRead(ctx context.Context, orderID uuid.UUID) (int, error)
}

// Notifier surfaces failed actions to the user.
type Notifier interface {
	Notify(err error)
}

type NotifierFunc func(err error)

func (f NotifierFunc) Notify(err error) { f(err) }

type View struct {
	OrderID uuid.UUID              `json:"order_id"`
	Entries []domain.TimelineEntry `json:"entries"`
	Typing  bool                   `json:"typing"`
	Stale   bool                   `json:"stale"`
}

type Session struct {
	viewer   uuid.UUID
	backend  Backend
	notifier Notifier
	onChange func(View)

	mu       sync.Mutex
	selected uuid.UUID
	entries  []domain.TimelineEntry
	pending  map[string]domain.ChatMessage
	typing   bool
	stale    bool
	entropy  *ulid.MonotonicEntropy
}

// NewSession creates a session for viewer. onChange receives every new view
// and may be nil.
func NewSession(viewer uuid.UUID, backend Backend, notifier Notifier, onChange func(View)) *Session {
	if notifier == nil {
		notifier = NotifierFunc(func(err error) {
			slog.Warn("Chat action failed", "error", err)
		})
	}
	return &Session{
		viewer:   viewer,
		backend:  backend,
		notifier: notifier,
		onChange: onChange,
		pending:  make(map[string]domain.ChatMessage),
		entropy:  ulid.Monotonic(rand.Reader, 0),
	}
}

func (s *Session) Selected() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked()
}

// Select switches to orderID, marks its messages read and loads its
// timeline. A response that arrives after the viewer moved on is dropped.
func (s *Session) Select(ctx context.Context, orderID uuid.UUID) error {
	s.mu.Lock()
	s.selected = orderID
	s.entries = nil
	s.pending = make(map[string]domain.ChatMessage)
	s.typing = false
	s.stale = true
	view := s.viewLocked()
	s.mu.Unlock()
	s.publish(view)

	if _, err := s.backend.MarkRead(ctx, orderID); err != nil {
		slog.Warn("Failed to mark conversation read", "order_id", orderID, "error", err)
	}
	return s.load(ctx, orderID)
}

// Refresh re-fetches the selected timeline.
func (s *Session) Refresh(ctx context.Context) error {
	orderID := s.Selected()
	if orderID == uuid.Nil {
		return nil
	}
	return s.load(ctx, orderID)
}

// RefreshIfStale re-fetches only when a change made the timeline stale.
func (s *Session) RefreshIfStale(ctx context.Context) error {
	s.mu.Lock()
	orderID, stale := s.selected, s.stale
	s.mu.Unlock()
	if orderID == uuid.Nil || !stale {
		return nil
	}
	return s.load(ctx, orderID)
}

// MarkStale flags the timeline of orderID as outdated if it is the one on
// screen and reports whether it was.
func (s *Session) MarkStale(orderID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selected != orderID {
		return false
	}
	s.stale = true
	return true
}

func (s *Session) SetTyping(orderID uuid.UUID, typing bool) {
	s.mu.Lock()
	if s.selected != orderID || s.typing == typing {
		s.mu.Unlock()
		return
	}
	s.typing = typing
	view := s.viewLocked()
	s.mu.Unlock()
	s.publish(view)
}

func (s *Session) load(ctx context.Context, orderID uuid.UUID) error {
	entries, err := s.backend.Timeline(ctx, orderID)

	s.mu.Lock()
	if s.selected != orderID {
		s.mu.Unlock()
		slog.Debug("Discarding timeline of a conversation no longer selected", "order_id", orderID)
		return nil
	}
	if err != nil {
		s.mu.Unlock()
		s.notifier.Notify(err)
		return err
	}
	s.entries = s.withPendingLocked(entries)
	s.stale = false
	view := s.viewLocked()
	s.mu.Unlock()

	s.publish(view)

	// Messages that arrived while the conversation is open are read now.
	if hasUnread(entries, s.viewer) {
		if _, err := s.backend.MarkRead(ctx, orderID); err != nil {
			slog.Warn("Failed to mark conversation read", "order_id", orderID, "error", err)
		}
	}
	return nil
}

func hasUnread(entries []domain.TimelineEntry, viewer uuid.UUID) bool {
	for _, e := range entries {
		if e.Kind == domain.EntryMessage && e.Message != nil && e.Message.ToUserID == viewer && e.Message.ReadAt == nil {
			return true
		}
	}
	return false
}

// Send shows the message immediately as "sending" and then stores it. On
// success the placeholder is replaced by the stored message; on failure it is
// removed and the error goes to the notifier. Nothing is retried.
func (s *Session) Send(ctx context.Context, text string, attachments []string) (*domain.ChatMessage, error) {
	if strings.TrimSpace(text) == "" {
		return nil, messaging.ErrEmptyMessage
	}

	s.mu.Lock()
	orderID := s.selected
	if orderID == uuid.Nil {
		s.mu.Unlock()
		return nil, ErrNoConversation
	}
	ref := tempPrefix + ulid.MustNew(ulid.Now(), s.entropy).String()
	temp := domain.ChatMessage{
		OrderID:     orderID,
		FromUserID:  s.viewer,
		Text:        strings.TrimSpace(text),
		Attachments: attachments,
		CreatedAt:   time.Now(),
		ClientRef:   ref,
		Status:      domain.DeliverySending,
	}
	s.pending[ref] = temp
	s.entries = append(s.entries, domain.MessageEntry(temp))
	view := s.viewLocked()
	s.mu.Unlock()
	s.publish(view)

	msg, err := s.backend.Send(ctx, orderID, messaging.SendRequest{Text: text, Attachments: attachments, ClientRef: ref})

	s.mu.Lock()
	delete(s.pending, ref)
	if s.selected != orderID {
		s.mu.Unlock()
		if err != nil {
			s.notifier.Notify(err)
		}
		return msg, err
	}
	s.entries = removeEntry(s.entries, ref)
	if err == nil {
		confirmed := *msg
		confirmed.ClientRef = ""
		if !containsMessage(s.entries, confirmed.ID) {
			s.entries = append(s.entries, domain.MessageEntry(confirmed))
		}
		s.stale = true
	}
	view = s.viewLocked()
	s.mu.Unlock()
	s.publish(view)

	if err != nil {
		s.notifier.Notify(err)
		return nil, err
	}
	return msg, nil
}

func (s *Session) withPendingLocked(entries []domain.TimelineEntry) []domain.TimelineEntry {
	out := make([]domain.TimelineEntry, 0, len(entries)+len(s.pending))
	out = append(out, entries...)
	refs := make([]string, 0, len(s.pending))
	for ref := range s.pending {
		refs = append(refs, ref)
	}
	// ULID refs sort by creation time.
	sort.Strings(refs)
	for _, ref := range refs {
		out = append(out, domain.MessageEntry(s.pending[ref]))
	}
	return out
}

func (s *Session) viewLocked() View {
	return View{
		OrderID: s.selected,
		Entries: append([]domain.TimelineEntry(nil), s.entries...),
		Typing:  s.typing,
		Stale:   s.stale,
	}
}

func (s *Session) publish(v View) {
	if s.onChange != nil {
		s.onChange(v)
	}
}

func removeEntry(entries []domain.TimelineEntry, key string) []domain.TimelineEntry {
	out := entries[:0]
	for _, e := range entries {
		if e.Key() != key {
			out = append(out, e)
		}
	}
	return out
}

func containsMessage(entries []domain.TimelineEntry, id uuid.UUID) bool {
	for _, e := range entries {
		if e.Kind == domain.EntryMessage && e.Message.ID == id && e.Message.ClientRef == "" {
			return true
		}
	}
	return false
}
