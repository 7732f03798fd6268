package realtime

import (
	"sync"
	"time"

	"market_core/internal/domain"

	"github.com/google/uuid"
)

const DefaultTypingTimeout = 2 * time.Second

type typingState struct {
	timer *time.Timer
	gen   uint64
}

// TypingIndicator tracks which orders have a counterpart typing. A signal
// keeps the indicator on for the timeout; every new signal restarts it.
type TypingIndicator struct {
	self     uuid.UUID
	timeout  time.Duration
	onChange func(orderID uuid.UUID, typing bool)

	mu     sync.Mutex
	gen    uint64
	states map[uuid.UUID]*typingState
}

// NewTypingIndicator ignores signals from self. onChange is called outside
// the indicator's lock whenever an order starts or stops showing the
// indicator.
func NewTypingIndicator(self uuid.UUID, timeout time.Duration, onChange func(orderID uuid.UUID, typing bool)) *TypingIndicator {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &TypingIndicator{
		self:     self,
		timeout:  timeout,
		onChange: onChange,
		states:   make(map[uuid.UUID]*typingState),
	}
}

// Observe feeds an event to the indicator. Anything but a counterpart's
// typing signal is ignored.
func (t *TypingIndicator) Observe(ev domain.ChangeEvent) {
	if ev.Type != domain.EventTypeTyping || ev.UserID == t.self {
		return
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	orderID := ev.OrderID
	prev, active := t.states[orderID]
	if active {
		prev.timer.Stop()
	}
	t.states[orderID] = &typingState{
		timer: time.AfterFunc(t.timeout, func() { t.expire(orderID, gen) }),
		gen:   gen,
	}
	t.mu.Unlock()

	if !active && t.onChange != nil {
		t.onChange(orderID, true)
	}
}

func (t *TypingIndicator) expire(orderID uuid.UUID, gen uint64) {
	t.mu.Lock()
	st, ok := t.states[orderID]
	if !ok || st.gen != gen {
		t.mu.Unlock()
		return
	}
	delete(t.states, orderID)
	t.mu.Unlock()

	if t.onChange != nil {
		t.onChange(orderID, false)
	}
}

func (t *TypingIndicator) Typing(orderID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.states[orderID]
	return ok
}

// Stop clears every indicator without calling onChange.
func (t *TypingIndicator) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, st := range t.states {
		st.timer.Stop()
		delete(t.states, id)
	}
}
