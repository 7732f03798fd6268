// Package tui is a terminal client for the marketplace conversations: a
// conversation list with tabs and a chat view with negotiation commands.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"market_core/internal/chatview"
	"market_core/internal/domain"
	"market_core/internal/messaging"
	"market_core/internal/ws"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const typingThrottle = time.Second

var tabs = []messaging.Tab{messaging.TabAll, messaging.TabUnread, messaging.TabOffers, messaging.TabActive}

// API is what the client needs from the server.
type API interface {
	chatview.Backend
	Conversations(ctx context.Context, tab messaging.Tab) ([]domain.Conversation, error)
	Order(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	Propose(ctx context.Context, orderID uuid.UUID, req messaging.ProposalRequest) (*domain.NegotiationEvent, error)
	Accept(ctx context.Context, orderID, offerID uuid.UUID) (*domain.Order, error)
	Decline(ctx context.Context, orderID, offerID uuid.UUID) (*domain.NegotiationEvent, error)
}

// Stream delivers server pushes. It may be nil, in which case the client
// only refreshes on demand.
type Stream interface {
	Frames() <-chan ws.ServerFrame
	Select(orderID uuid.UUID) error
	Typing() error
}

type screen int

const (
	screenConversations screen = iota
	screenChat
)

type conversationsFetchedMsg struct {
	tab   messaging.Tab
	convs []domain.Conversation
	err   error
}

type orderFetchedMsg struct {
	order *domain.Order
	err   error
}

type viewMsg struct {
	view chatview.View
}

type notifyMsg struct {
	err error
}

type frameMsg struct {
	frame ws.ServerFrame
}

type streamClosedMsg struct{}

type actionDoneMsg struct {
	status string
	err    error
}

type Model struct {
	api     API
	stream  Stream
	userID  uuid.UUID
	session *chatview.Session
	updates chan tea.Msg

	screen  screen
	tab     int
	convs   []domain.Conversation
	order   *domain.Order
	view    chatview.View
	loading bool
	status  string
	err     error

	list     list.Model
	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	windowWidth  int
	windowHeight int
	lastTyping   time.Time
}

func NewModel(api API, stream Stream, userID uuid.UUID) Model {
	updates := make(chan tea.Msg, 64)
	notifier := chatview.NotifierFunc(func(err error) { updates <- notifyMsg{err: err} })
	session := chatview.NewSession(userID, api, notifier, func(v chatview.View) { updates <- viewMsg{view: v} })

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = statusStyle

	delegate := list.NewDefaultDelegate()
	delegate.Styles.SelectedTitle = delegate.Styles.SelectedTitle.
		Foreground(lipgloss.Color("5")).
		Bold(true)
	delegate.Styles.SelectedDesc = delegate.Styles.SelectedDesc.
		Foreground(lipgloss.Color("8"))

	l := list.New([]list.Item{}, delegate, 80, 20)
	l.Title = "Conversations"
	l.SetShowStatusBar(false)
	l.SetFilteringEnabled(true)
	l.SetShowHelp(false)

	ta := textarea.New()
	ta.Placeholder = "Type a message, or /offer 80, /counter 95, /accept, /decline"
	ta.CharLimit = 1000
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false)

	return Model{
		api:          api,
		stream:       stream,
		userID:       userID,
		session:      session,
		updates:      updates,
		loading:      true,
		list:         l,
		viewport:     viewport.New(80, 20),
		input:        ta,
		spinner:      s,
		windowWidth:  80,
		windowHeight: 30,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchConversationsCmd(), m.waitForUpdate(), m.waitForFrame())
}

func (m Model) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		return <-m.updates
	}
}

func (m Model) waitForFrame() tea.Cmd {
	if m.stream == nil {
		return nil
	}
	return func() tea.Msg {
		frame, ok := <-m.stream.Frames()
		if !ok {
			return streamClosedMsg{}
		}
		return frameMsg{frame: frame}
	}
}

func (m Model) fetchConversationsCmd() tea.Cmd {
	tab := tabs[m.tab]
	return func() tea.Msg {
		convs, err := m.api.Conversations(context.Background(), tab)
		return conversationsFetchedMsg{tab: tab, convs: convs, err: err}
	}
}

func (m Model) fetchOrderCmd(orderID uuid.UUID) tea.Cmd {
	return func() tea.Msg {
		order, err := m.api.Order(context.Background(), orderID)
		return orderFetchedMsg{order: order, err: err}
	}
}

// openCmd selects the order in the session; its views arrive as viewMsg.
func (m Model) openCmd(orderID uuid.UUID) tea.Cmd {
	session, stream := m.session, m.stream
	return func() tea.Msg {
		if stream != nil {
			if err := stream.Select(orderID); err != nil {
				return actionDoneMsg{err: err}
			}
		}
		// Failures reach the model through the notifier.
		session.Select(context.Background(), orderID)
		return nil
	}
}

func (m Model) refreshCmd() tea.Cmd {
	session := m.session
	return func() tea.Msg {
		session.RefreshIfStale(context.Background())
		return nil
	}
}

func (m Model) sendCmd(text string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		// The session reports failures through the notifier and rolls back.
		session.Send(context.Background(), text, nil)
		return nil
	}
}

func (m Model) typingCmd() tea.Cmd {
	stream := m.stream
	return func() tea.Msg {
		if err := stream.Typing(); err != nil {
			return actionDoneMsg{err: err}
		}
		return nil
	}
}

func (m Model) negotiateCmd(c command) tea.Cmd {
	api, orderID, viewer := m.api, m.session.Selected(), m.userID
	entries := m.view.Entries
	return func() tea.Msg {
		ctx := context.Background()
		switch c.kind {
		case cmdPropose:
			ev, err := api.Propose(ctx, orderID, messaging.ProposalRequest{Action: c.action, Amount: c.amount, Note: c.note})
			if err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{status: fmt.Sprintf("%s of %s sent", actionLabels[ev.Action], ev.Amount.StringFixed(2))}
		case cmdAccept:
			offer, err := pendingOffer(entries, viewer)
			if err != nil {
				return actionDoneMsg{err: err}
			}
			if _, err := api.Accept(ctx, orderID, offer.ID); err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{status: "Offer accepted at " + offer.Amount.StringFixed(2)}
		case cmdDecline:
			offer, err := pendingOffer(entries, viewer)
			if err != nil {
				return actionDoneMsg{err: err}
			}
			if _, err := api.Decline(ctx, orderID, offer.ID); err != nil {
				return actionDoneMsg{err: err}
			}
			return actionDoneMsg{status: "Offer declined"}
		}
		return nil
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.windowWidth = msg.Width
		m.windowHeight = msg.Height
		m.list.SetWidth(msg.Width)
		m.list.SetHeight(msg.Height - 4)
		m.viewport.Width = msg.Width - 4
		m.viewport.Height = msg.Height - 12
		m.input.SetWidth(msg.Width - 4)
		m.renderTimeline()
		return m, nil

	case conversationsFetchedMsg:
		m.loading = false
		if msg.tab != tabs[m.tab] {
			return m, nil
		}
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.convs = msg.convs
		items := make([]list.Item, len(m.convs))
		for i, conv := range m.convs {
			items[i] = conversationItem{conv: conv}
		}
		cmd := m.list.SetItems(items)
		m.list.Title = fmt.Sprintf("Conversations - %d", len(m.convs))
		return m, cmd

	case orderFetchedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		if msg.order.ID == m.session.Selected() {
			m.order = msg.order
			m.renderTimeline()
		}
		return m, nil

	case viewMsg:
		m.view = msg.view
		m.renderTimeline()
		m.viewport.GotoBottom()
		return m, m.waitForUpdate()

	case notifyMsg:
		m.err = msg.err
		return m, m.waitForUpdate()

	case frameMsg:
		return m.handleFrame(msg.frame)

	case streamClosedMsg:
		m.status = "Live updates disconnected"
		return m, nil

	case actionDoneMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.err = nil
		m.status = msg.status
		orderID := m.session.Selected()
		m.session.MarkStale(orderID)
		return m, tea.Batch(m.refreshCmd(), m.fetchOrderCmd(orderID))

	case spinner.TickMsg:
		if m.loading {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		if m.screen == screenChat {
			return m.updateChat(msg)
		}
		return m.updateConversations(msg)
	}

	return m, nil
}

func (m Model) handleFrame(frame ws.ServerFrame) (tea.Model, tea.Cmd) {
	cmds := []tea.Cmd{m.waitForFrame()}
	switch frame.Type {
	case ws.FrameTyping:
		m.session.SetTyping(frame.OrderID, frame.Typing)
	case ws.FrameConversationsChanged:
		cmds = append(cmds, m.fetchConversationsCmd())
		if m.screen == screenChat && m.session.MarkStale(frame.OrderID) {
			cmds = append(cmds, m.refreshCmd())
			if frame.Event == domain.EventTypeOrderUpdated || frame.Event == domain.EventTypeNegotiationCreated {
				cmds = append(cmds, m.fetchOrderCmd(frame.OrderID))
			}
		}
	case ws.FrameError:
		m.err = errors.New(frame.Error)
	}
	return m, tea.Batch(cmds...)
}

func (m Model) updateConversations(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.list.FilterState() == list.Filtering {
		var cmd tea.Cmd
		m.list, cmd = m.list.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "q":
		return m, tea.Quit

	case "tab", "shift+tab":
		if msg.String() == "tab" {
			m.tab = (m.tab + 1) % len(tabs)
		} else {
			m.tab = (m.tab + len(tabs) - 1) % len(tabs)
		}
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.fetchConversationsCmd())

	case "r":
		m.loading = true
		return m, tea.Batch(m.spinner.Tick, m.fetchConversationsCmd())

	case "enter":
		item, ok := m.list.SelectedItem().(conversationItem)
		if !ok {
			return m, nil
		}
		m.screen = screenChat
		m.order = nil
		m.view = chatview.View{}
		m.err = nil
		m.status = ""
		m.input.Reset()
		m.input.Focus()
		return m, tea.Batch(m.openCmd(item.conv.OrderID), m.fetchOrderCmd(item.conv.OrderID), textarea.Blink)
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) updateChat(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.screen = screenConversations
		m.input.Blur()
		m.err = nil
		m.status = ""
		return m, m.fetchConversationsCmd()

	case "pgup", "pgdown", "up", "down":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case "enter":
		c, err := parseCommand(m.input.Value())
		if err != nil {
			m.err = err
			return m, nil
		}
		m.err = nil
		if c.kind == cmdMessage {
			if c.text == "" {
				return m, nil
			}
			m.input.Reset()
			return m, m.sendCmd(c.text)
		}
		m.input.Reset()
		return m, m.negotiateCmd(c)
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	if m.stream != nil && msg.Type == tea.KeyRunes && time.Since(m.lastTyping) > typingThrottle {
		m.lastTyping = time.Now()
		cmds = append(cmds, m.typingCmd())
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) renderTimeline() {
	currency := ""
	if m.order != nil {
		currency = m.order.Currency
	}
	m.viewport.SetContent(renderTimeline(m.view.Entries, m.userID, currency, m.viewport.Width))
}

func (m Model) View() string {
	if m.screen == screenChat {
		return m.chatView()
	}
	return m.conversationsView()
}

func (m Model) tabBar() string {
	parts := make([]string, len(tabs))
	for i, t := range tabs {
		label := strings.ToUpper(string(t[:1])) + string(t[1:])
		if i == m.tab {
			parts[i] = activeTabStyle.Render(label)
		} else {
			parts[i] = tabStyle.Render(label)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m Model) conversationsView() string {
	s := m.tabBar() + "\n\n"
	if m.loading {
		return s + fmt.Sprintf("  %s Loading conversations...\n", m.spinner.View())
	}
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n\n"
	}
	if len(m.convs) == 0 {
		s += normalStyle.Render("  No conversations found.") + "\n"
		s += "\n" + helpStyle.Render("tab: switch tab • r: refresh • q: quit")
		return s
	}

	s += m.list.View() + "\n"
	s += helpStyle.Render("↑↓/jk: navigate • enter: open • tab: switch tab • /: search • r: refresh • q: quit")
	return s
}

func (m Model) chatView() string {
	title := "💬 Conversation"
	if m.order != nil {
		title = fmt.Sprintf("💬 Order %s · %s", m.order.Status, formatAmount(orderAmount(m.order), m.order.Currency))
		if m.order.Listing != nil {
			title = fmt.Sprintf("💬 %s · %s · %s", m.order.Listing.Title, m.order.Status, formatAmount(orderAmount(m.order), m.order.Currency))
		}
	}
	s := titleStyle.Render(title) + "\n"

	if m.view.Stale && len(m.view.Entries) == 0 {
		s += statusStyle.Render("  Loading messages...") + "\n"
	} else if len(m.view.Entries) == 0 {
		s += normalStyle.Render("  No messages in this conversation.") + "\n"
	} else {
		s += m.viewport.View() + "\n"
	}

	if m.view.Typing {
		s += typingStyle.Render("  is typing...") + "\n"
	} else {
		s += "\n"
	}
	if m.err != nil {
		s += errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n"
	} else if m.status != "" {
		s += statusStyle.Render(m.status) + "\n"
	}

	s += m.input.View() + "\n"
	s += helpStyle.Render("enter: send • /offer /counter /accept /decline • pgup/pgdown: scroll • esc: back")
	return s
}

// orderAmount is what the buyer currently owes: the final amount once set,
// else the negotiated price, else the original price.
func orderAmount(o *domain.Order) decimal.Decimal {
	switch {
	case !o.FinalAmount.IsZero():
		return o.FinalAmount
	case o.NegotiatedPrice.Valid:
		return o.NegotiatedPrice.Decimal
	}
	return o.OriginalPrice
}
