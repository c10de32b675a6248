// Package notify delivers marketplace events to operator channels (Discord,
// Telegram), filtered by event type.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

// Field is a labelled value rendered under a message title.
type Field struct {
	Name  string
	Value string
}

// Message is a rendered notification.
type Message struct {
	Title  string
	Fields []Field
}

// Text renders the fields one per line.
func (m Message) Text() string {
	var b strings.Builder
	for i, f := range m.Fields {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(f.Name)
		b.WriteString(": ")
		b.WriteString(f.Value)
	}
	return b.String()
}

// Sender is one notification channel.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Name() string
}

// Notifier fans events out to every sender. Only event types in the allowed
// set are forwarded; an empty set allows everything.
type Notifier struct {
	senders []Sender
	events  map[string]bool
	logger  *slog.Logger
}

// NewNotifier creates a Notifier.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether any sender is configured.
func (n *Notifier) Enabled() bool { return len(n.senders) > 0 }

// NotifyEvent renders ev and delivers it if its type is allowed.
func (n *Notifier) NotifyEvent(ctx context.Context, ev domain.MarketEvent) error {
	if len(n.events) > 0 && !n.events[ev.Type] {
		n.logger.DebugContext(ctx, "event filtered out", slog.String("event", ev.Type))
		return nil
	}
	return n.dispatch(ctx, Render(ev))
}

// dispatch delivers to every sender; one failure does not stop the rest.
func (n *Notifier) dispatch(ctx context.Context, msg Message) error {
	var errs []error
	for _, s := range n.senders {
		if err := s.Send(ctx, msg); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", msg.Title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// Render turns an event into a message.
func Render(ev domain.MarketEvent) Message {
	var msg Message
	add := func(name, value string) {
		if value != "" {
			msg.Fields = append(msg.Fields, Field{Name: name, Value: value})
		}
	}

	switch ev.Type {
	case domain.EventItemListed:
		msg.Title = fmt.Sprintf("Item #%d listed", ev.ItemID)
		add("Token", ev.Contract+" #"+ev.TokenID)
		add("Seller", ev.Seller)
		add("Price", etherString(ev.Amount))
	case domain.EventItemSold:
		msg.Title = fmt.Sprintf("Item #%d sold", ev.ItemID)
		add("Token", ev.Contract+" #"+ev.TokenID)
		add("Seller", ev.Seller)
		add("Buyer", ev.Buyer)
		add("Price", etherString(ev.Amount))
	case domain.EventFeeChanged:
		msg.Title = "Listing fee changed"
		add("New fee", etherString(ev.Amount))
		add("By", ev.Caller)
	case domain.EventFeesWithdrawn:
		msg.Title = "Fees withdrawn"
		add("Amount", etherString(ev.Amount))
		add("To", ev.Caller)
	default:
		msg.Title = ev.Type
	}
	if !ev.Timestamp.IsZero() {
		add("At", ev.Timestamp.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	return msg
}

func etherString(wei string) string {
	if wei == "" {
		return ""
	}
	v, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return wei + " wei"
	}
	return domain.FormatEther(v) + " ETH"
}
