// Package realtime streams the audit trail to operators over WebSocket.
//
// The hub is an audit.Sink: every entry appended to the log is pushed to
// the connected clients whose subscription matches it. Clients narrow
// their feed by sending a Subscription as a JSON text message.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/paymeter/internal/audit"
	"github.com/mbd888/paymeter/internal/metrics"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

// sameHost accepts non-browser clients and pages served from the API host.
// Authentication is the router's job: the feed is mounted behind the
// operator secret.
func sameHost(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

// Event is one message on the feed.
type Event struct {
	Type      audit.Action `json:"type"`
	Timestamp time.Time    `json:"timestamp"`
	Entry     *audit.Entry `json:"entry"`
}

// Subscription filters a client's feed. Empty lists match everything.
type Subscription struct {
	AllEvents  bool           `json:"allEvents"`
	Actions    []audit.Action `json:"actions"`
	Wallets    []string       `json:"wallets"`
	Agents     []string       `json:"agents"`
	MinAmount  float64        `json:"minAmount"`  // payment events only
	OnlyAlerts bool           `json:"onlyAlerts"` // warning and critical
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub fans audit entries out to WebSocket clients.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *Event
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int
	upgrader   websocket.Upgrader

	totalEvents   atomic.Int64
	droppedEvents atomic.Int64
	totalClients  atomic.Int64
	peakClients   atomic.Int64
}

// Option configures a Hub.
type Option func(*Hub)

// WithAllowedOrigins lets browser dashboards on these origins connect in
// addition to the API's own host. "*" allows any origin.
func WithAllowedOrigins(origins []string) Option {
	return func(h *Hub) {
		if len(origins) == 0 {
			return
		}
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return sameHost(r) || slices.Contains(origins, "*") || slices.Contains(origins, origin)
		}
	}
}

// WithMaxClients caps concurrent connections. Default MaxClients.
func WithMaxClients(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxClients = n
		}
	}
}

// NewHub creates a new WebSocket hub
func NewHub(logger *slog.Logger, opts ...Option) *Hub {
	h := &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameHost,
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(0)
			h.logger.Info("realtime hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveWebSocketClients.Set(float64(n))
			h.logger.Info("client disconnected", "total", n)

		case event := <-h.broadcast:
			h.totalEvents.Add(1)
			msg, err := json.Marshal(event)
			if err != nil {
				h.logger.Error("event not serializable", "type", event.Type, "error", err)
				continue
			}
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if !client.wants(event) {
					continue
				}
				select {
				case client.send <- msg:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				n := len(h.clients)
				h.mu.Unlock()
				metrics.ActiveWebSocketClients.Set(float64(n))
				h.logger.Warn("dropped slow clients", "count", len(slow))
			}
		}
	}
}

// wants reports whether event matches the client's subscription.
func (c *Client) wants(event *Event) bool {
	c.mu.RLock()
	sub := c.sub
	c.mu.RUnlock()
	return sub.matches(event)
}

func (s Subscription) matches(event *Event) bool {
	if s.AllEvents {
		return true
	}
	if len(s.Actions) > 0 && !slices.Contains(s.Actions, event.Type) {
		return false
	}
	e := event.Entry
	if e == nil {
		return len(s.Wallets) == 0 && len(s.Agents) == 0
	}
	if len(s.Wallets) > 0 && !slices.Contains(s.Wallets, e.WalletAddr) {
		return false
	}
	if len(s.Agents) > 0 && !slices.Contains(s.Agents, e.AgentID) {
		return false
	}
	if s.OnlyAlerts && e.Severity == audit.SeverityInfo {
		return false
	}
	if s.MinAmount > 0 && isPayment(e.Action) {
		if amount, ok := e.Details["amount"].(float64); ok && amount < s.MinAmount {
			return false
		}
	}
	return true
}

func isPayment(a audit.Action) bool {
	switch a {
	case audit.ActionPaymentInitiated, audit.ActionPaymentCompleted, audit.ActionPaymentFailed:
		return true
	}
	return false
}

// Broadcast queues an event for delivery. A full queue drops the event;
// the audit log itself remains the record.
func (h *Hub) Broadcast(event *Event) {
	select {
	case h.broadcast <- event:
	default:
		h.droppedEvents.Add(1)
		h.logger.Warn("broadcast channel full, dropping event", "type", event.Type)
	}
}

// Append implements audit.Sink. Session ids are bearer credentials, so
// they are stripped before the entry reaches any client.
func (h *Hub) Append(_ context.Context, e *audit.Entry) error {
	h.Broadcast(&Event{Type: e.Action, Timestamp: e.Timestamp, Entry: redact(e)})
	return nil
}

// redactedKeys are detail keys never sent on the feed.
var redactedKeys = []string{"sessionId"}

func redact(e *audit.Entry) *audit.Entry {
	hit := false
	for _, k := range redactedKeys {
		if _, ok := e.Details[k]; ok {
			hit = true
			break
		}
	}
	if !hit {
		return e
	}
	cp := *e
	cp.Details = make(map[string]any, len(e.Details))
	for k, v := range e.Details {
		if !slices.Contains(redactedKeys, k) {
			cp.Details[k] = v
		}
	}
	return &cp
}

// Stats summarises the hub since it started.
type Stats struct {
	ConnectedClients int   `json:"connectedClients"`
	TotalEvents      int64 `json:"totalEvents"`
	DroppedEvents    int64 `json:"droppedEvents"`
	TotalClients     int64 `json:"totalClients"`
	PeakClients      int64 `json:"peakClients"`
}

// Stats returns hub statistics
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()

	return Stats{
		ConnectedClients: n,
		TotalEvents:      h.totalEvents.Load(),
		DroppedEvents:    h.droppedEvents.Load(),
		TotalClients:     h.totalClients.Load(),
		PeakClients:      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades HTTP to WebSocket
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Reject upgrades after the hub has stopped to prevent orphaned connections.
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{AllEvents: true},
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates until the connection closes.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(64 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes messages to WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
