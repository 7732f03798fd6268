package tui

import (
	"fmt"
	"strings"
	"time"

	"market_core/internal/domain"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/muesli/reflow/wordwrap"
	"github.com/shopspring/decimal"
)

type conversationItem struct {
	conv domain.Conversation
}

func (i conversationItem) Title() string {
	title := fmt.Sprintf("%s · %s", i.conv.Counterpart.Name, i.conv.ListingTitle)
	if i.conv.UnreadCount > 0 {
		title += fmt.Sprintf(" (%d)", i.conv.UnreadCount)
	}
	if i.conv.HasPendingNegotiation {
		title += " [offer]"
	}
	return title
}

func (i conversationItem) Description() string {
	preview := []rune(i.conv.LastMessage)
	if len(preview) > 50 {
		preview = append(preview[:47], []rune("...")...)
	}
	return fmt.Sprintf("%s • %s • %s", formatTimeAgo(i.conv.LastMessageAt), i.conv.OrderStatus, string(preview))
}

func (i conversationItem) FilterValue() string {
	return i.conv.Counterpart.Name + " " + i.conv.ListingTitle
}

func formatTimeAgo(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}

	duration := time.Since(t)
	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	case duration < 48*time.Hour:
		return "yesterday"
	case duration < 7*24*time.Hour:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
	return t.Format("Jan 2")
}

func formatAmount(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = "USD"
	}
	return amount.StringFixed(2) + " " + currency
}

func statusMark(status domain.DeliveryStatus) string {
	switch status {
	case domain.DeliverySending:
		return "sending..."
	case domain.DeliveryRead:
		return "✓✓"
	default:
		return "✓"
	}
}

var actionLabels = map[domain.NegotiationAction]string{
	domain.ActionOffer:   "Offer",
	domain.ActionCounter: "Counter offer",
	domain.ActionAccept:  "Accepted",
	domain.ActionDecline: "Declined",
}

var systemLabels = map[domain.SystemAction]string{
	domain.SystemOrderCreated:   "Order created",
	domain.SystemOrderAccepted:  "Order accepted",
	domain.SystemOrderCompleted: "Order completed",
}

// renderTimeline draws the feed the way the viewer sees it: own messages
// right-aligned, negotiation and lifecycle markers in between.
func renderTimeline(entries []domain.TimelineEntry, viewer uuid.UUID, currency string, width int) string {
	if width <= 0 {
		width = 80
	}
	right := lipgloss.NewStyle().Align(lipgloss.Right).Width(width)

	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteString("\n")
		}
		switch e.Kind {
		case domain.EntryMessage:
			m := e.Message
			ts := m.CreatedAt.Format("3:04 PM")
			text := wordwrap.String(m.Text, width-10)
			if m.FromUserID == viewer {
				header := messageHeaderStyle.Render(fmt.Sprintf("You • %s • %s", ts, statusMark(m.Status)))
				b.WriteString(right.Render(header) + "\n")
				b.WriteString(right.Render(messageFromMeStyle.Render(text)) + "\n")
			} else {
				b.WriteString(messageHeaderStyle.Render("Them • "+ts) + "\n")
				b.WriteString(messageFromOtherStyle.Render(text) + "\n")
			}
			for _, a := range m.Attachments {
				b.WriteString(messageHeaderStyle.Render("📎 "+a) + "\n")
			}

		case domain.EntryNegotiation:
			n := e.Negotiation
			who := "They"
			if n.FromUserID == viewer {
				who = "You"
			}
			line := fmt.Sprintf("💰 %s: %s (%s)", actionLabels[n.Action], formatAmount(n.Amount, currency), who)
			if n.Note != nil && *n.Note != "" {
				line += " · " + *n.Note
			}
			b.WriteString(negotiationStyle.Render(wordwrap.String(line, width)) + "\n")

		case domain.EntrySystem:
			label := fmt.Sprintf("%s · %s", systemLabels[e.System.Action], e.System.CreatedAt.Format("Jan 2 3:04 PM"))
			b.WriteString(systemStyle.Width(width).Render(label) + "\n")
		}
	}
	return b.String()
}
