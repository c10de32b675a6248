// Package ws pushes market events from the signal bus to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/nftmarket/internal/domain"
)

const (
	// writeWait is the maximum time to wait for a write to complete.
	writeWait = 10 * time.Second

	// pongWait is the maximum time to wait for a pong from the client.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096
	sendBufferSize = 256

	// replayLimit bounds the events replayed to a reconnecting client.
	replayLimit = 200
)

// allEvents subscribes a client to every event type.
const allEvents = "*"

// client represents a single WebSocket connection.
type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	subs map[string]bool // subscribed event types
	mu   sync.RWMutex

	// binary clients receive protobuf Struct frames instead of JSON text.
	binary bool
}

// subscribeMsg is the JSON message a client sends to change its event
// filter, e.g. {"action":"subscribe","events":["item_sold"]}.
type subscribeMsg struct {
	Action string   `json:"action"`
	Events []string `json:"events"`
}

// Hub manages connected WebSocket clients and broadcasts market events from
// the signal bus to those subscribed to the event type.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{}
	bus        domain.SignalBus
	market     string
	startedAt  time.Time
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
}

type broadcastMsg struct {
	eventType string
	data      []byte
}

// Config captures hub metadata and origin policy.
type Config struct {
	Market    string
	StartedAt time.Time
	// AllowedOrigins restricts browser upgrades; empty allows any origin.
	AllowedOrigins []string
}

// NewHub creates a hub bridging bus to WebSocket clients.
func NewHub(bus domain.SignalBus, logger *slog.Logger, cfg Config) *Hub {
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		market:     cfg.Market,
		startedAt:  startedAt,
		logger:     logger.With(slog.String("component", "ws")),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
	}
	return h
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run starts the hub's event loop and the bus subscription. It returns when
// ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	go h.subscribe(ctx)

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.logger.Info("ws: client connected",
				slog.Int("total_clients", h.clientCount()),
			)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected",
				slog.Int("total_clients", h.clientCount()),
			)

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if c.isSubscribed(msg.eventType) {
					select {
					case c.send <- msg.data:
					default:
						h.logger.Warn("ws: dropping message for slow client",
							slog.String("event", msg.eventType),
						)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// subscribe forwards market channel messages to the broadcast loop.
func (h *Hub) subscribe(ctx context.Context) {
	msgCh, err := h.bus.Subscribe(ctx, domain.ChannelMarket)
	if err != nil {
		h.logger.Error("ws: failed to subscribe",
			slog.String("channel", domain.ChannelMarket),
			slog.String("error", err.Error()),
		)
		return
	}
	h.logger.Info("ws: subscribed", slog.String("channel", domain.ChannelMarket))

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgCh:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", domain.ChannelMarket))
				return
			}
			select {
			case h.broadcast <- broadcastMsg{eventType: eventType(data), data: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// eventType extracts the "type" field of an event payload.
func eventType(data []byte) string {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return ""
	}
	return head.Type
}

// HandleWS upgrades the request and registers the client. Query parameters:
// events=item_sold,item_listed limits the initial subscription and
// after=<stream id> replays events appended after that id and format=proto
// switches to binary protobuf frames.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	replay := h.replay(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendBufferSize),
		subs: make(map[string]bool),

		binary: r.URL.Query().Get("format") == formatProto,
	}
	c.setFilter(r.URL.Query().Get("events"))

	c.enqueue(h.statusMessage())
	for _, msg := range replay {
		if c.isSubscribed(eventType(msg.Payload)) {
			c.enqueue(msg.Payload)
		}
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (h *Hub) replay(r *http.Request) []domain.StreamMessage {
	after := r.URL.Query().Get("after")
	if after == "" {
		return nil
	}
	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamMarket, after, replayLimit)
	if err != nil {
		h.logger.WarnContext(r.Context(), "ws: replay failed",
			slog.String("after", after),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return msgs
}

// statusMessage is sent first so clients can mark the connection healthy
// before any market event flows.
func (h *Hub) statusMessage() []byte {
	uptime := int64(time.Since(h.startedAt).Seconds())
	if uptime < 0 {
		uptime = 0
	}
	msg, _ := json.Marshal(map[string]any{
		"type": "market_status",
		"payload": map[string]any{
			"market":         h.market,
			"uptime_seconds": uptime,
		},
	})
	return msg
}

func (h *Hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
	}
}

// readPump reads subscription changes until the connection closes.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error",
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var sub subscribeMsg
		if err := json.Unmarshal(message, &sub); err == nil && sub.Action != "" {
			c.handleSubscription(sub)
		}
	}
}

// setFilter initializes the subscription from a comma-separated list;
// empty subscribes to everything.
func (c *client) setFilter(events string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range strings.Split(events, ",") {
		if e = strings.TrimSpace(e); e != "" {
			c.subs[e] = true
		}
	}
	if len(c.subs) == 0 {
		c.subs[allEvents] = true
	}
}

func (c *client) handleSubscription(msg subscribeMsg) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Action {
	case "subscribe":
		// An explicit subscription replaces the catch-all.
		delete(c.subs, allEvents)
		for _, e := range msg.Events {
			c.subs[e] = true
		}
	case "unsubscribe":
		for _, e := range msg.Events {
			delete(c.subs, e)
		}
	}
}

func (c *client) isSubscribed(eventType string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[allEvents] || c.subs[eventType]
}

// writePump sends queued events plus periodic pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			kind, frame, err := encodeFrame(message, c.binary)
			if err != nil {
				c.hub.logger.Warn("ws: dropping unencodable message", slog.String("error", err.Error()))
				continue
			}
			if err := c.conn.WriteMessage(kind, frame); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
