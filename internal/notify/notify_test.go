package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

type captureSender struct {
	name string
	got  []Message
	err  error
}

func (c *captureSender) Send(_ context.Context, msg Message) error {
	c.got = append(c.got, msg)
	return c.err
}

func (c *captureSender) Name() string { return c.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

var soldEvent = domain.MarketEvent{
	Type:      domain.EventItemSold,
	ItemID:    1,
	Contract:  "0x00000000000000000000000000000000000000aA",
	TokenID:   "1",
	Seller:    "0x0000000000000000000000000000000000000001",
	Buyer:     "0x0000000000000000000000000000000000000002",
	Amount:    "100000000000000000000",
	Timestamp: time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC),
}

func TestRender(t *testing.T) {
	msg := Render(soldEvent)
	if msg.Title != "Item #1 sold" {
		t.Errorf("Title = %q", msg.Title)
	}
	text := msg.Text()
	for _, want := range []string{"Price: 100 ETH", "Buyer: 0x0000000000000000000000000000000000000002", "At: 2025-01-31 09:00:00 UTC"} {
		if !strings.Contains(text, want) {
			t.Errorf("Text() missing %q:\n%s", want, text)
		}
	}

	fee := Render(domain.MarketEvent{Type: domain.EventFeeChanged, Amount: "25000000000000000"})
	if !strings.Contains(fee.Text(), "New fee: 0.025 ETH") {
		t.Errorf("fee message = %q", fee.Text())
	}
}

func TestNotifier_FiltersAndFansOut(t *testing.T) {
	a := &captureSender{name: "a"}
	b := &captureSender{name: "b", err: errors.New("down")}
	n := NewNotifier([]Sender{a, b}, []string{" item_sold ", ""}, quietLogger())

	if err := n.NotifyEvent(context.Background(), domain.MarketEvent{Type: domain.EventItemListed}); err != nil {
		t.Errorf("filtered event returned %v", err)
	}
	if len(a.got) != 0 {
		t.Fatal("filtered event delivered")
	}

	err := n.NotifyEvent(context.Background(), soldEvent)
	if err == nil || !strings.Contains(err.Error(), "1 sender(s) failed") {
		t.Errorf("NotifyEvent error = %v, want one sender failure", err)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Errorf("deliveries a=%d b=%d, want 1 each", len(a.got), len(b.got))
	}

	all := NewNotifier([]Sender{a}, nil, quietLogger())
	if err := all.NotifyEvent(context.Background(), domain.MarketEvent{Type: domain.EventItemListed}); err != nil || len(a.got) != 2 {
		t.Errorf("empty filter should allow all events")
	}
	if NewNotifier(nil, nil, quietLogger()).Enabled() {
		t.Error("Enabled() with no senders")
	}
}

func TestDiscordSender(t *testing.T) {
	var payload discordPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	if err := NewDiscordSender(srv.URL).Send(context.Background(), Render(soldEvent)); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(payload.Embeds) != 1 || payload.Embeds[0].Title != "Item #1 sold" || len(payload.Embeds[0].Fields) == 0 {
		t.Errorf("payload = %+v", payload)
	}

	fail := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer fail.Close()
	if err := NewDiscordSender(fail.URL).Send(context.Background(), Render(soldEvent)); err == nil || !strings.Contains(err.Error(), "429") {
		t.Errorf("Send error = %v, want status 429", err)
	}
}

func TestTelegramSender(t *testing.T) {
	var path string
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	if err := s.Send(context.Background(), Message{Title: "a<b", Fields: []Field{{"Price", "1 ETH"}}}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if path != "/botTOKEN/sendMessage" {
		t.Errorf("path = %q", path)
	}
	if body["chat_id"] != "42" || body["parse_mode"] != "HTML" {
		t.Errorf("body = %v", body)
	}
	if text, _ := body["text"].(string); !strings.Contains(text, "<b>a&lt;b</b>") || !strings.Contains(text, "<code>1 ETH</code>") {
		t.Errorf("text = %q", text)
	}
}
