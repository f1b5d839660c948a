// Package ws routes per-audit progress events to the WebSocket clients that
// subscribed to them. Delivery is best-effort and at-most-once: progress
// events are idempotent snapshots, and the authoritative result is always
// retrievable from the audits endpoint, so a dropped frame costs nothing.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout is the deadline for a single write to a client.
	writeTimeout = 10 * time.Second

	// pongWait is how long to wait for a pong response before treating the
	// connection as dead.
	pongWait = 60 * time.Second

	// pingPeriod controls how often the server sends WebSocket ping frames.
	// Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// sendBufSize is the per-client outgoing message buffer depth.
	sendBufSize = 16

	maxControlMessageSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Allow all origins — callers should apply CORS at the reverse-proxy level.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event message types sent to clients.
const (
	EventProgress = "audit_progress"
	EventComplete = "audit_complete"
	EventError    = "audit_error"
)

// Event is the JSON envelope published for one audit.
type Event struct {
	Type    string          `json:"type"`
	AuditID uuid.UUID       `json:"audit_id"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// controlMessage is what clients send: subscribe, unsubscribe, or ping.
type controlMessage struct {
	Type    string    `json:"type"`
	AuditID uuid.UUID `json:"audit_id,omitempty"`
}

// Hub manages WebSocket client connections and fans published audit events
// out to the subset of clients subscribed to that audit ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
	// subs maps audit ID → the clients watching it.
	subs map[uuid.UUID]map[*client]struct{}
}

// client represents one connected WebSocket client.
type client struct {
	conn *websocket.Conn

	mu     sync.Mutex
	send   chan []byte
	closed bool
	audits map[uuid.UUID]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		subs:    make(map[uuid.UUID]map[*client]struct{}),
	}
}

// Run blocks until ctx is cancelled, then closes all active connections.
func (h *Hub) Run(ctx context.Context) {
	<-ctx.Done()
	h.closeAll()
}

// ServeHTTP upgrades the HTTP connection to WebSocket and serves the client.
// Blocks until the connection closes; all of the connection's subscriptions
// are dropped with it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already written the error response.
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		audits: make(map[uuid.UUID]struct{}),
	}
	h.register(c)
	defer h.unregister(c)

	go c.writePump()
	h.readPump(c) // blocks until the connection closes
}

// Publish fans an event out to every client subscribed to its audit ID.
// Clients watching other audits never see it.
func (h *Hub) Publish(auditID uuid.UUID, eventType string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		slog.Error("ws publish marshal failed", "audit_id", auditID, "error", err)
		return
	}
	msg, err := json.Marshal(Event{Type: eventType, AuditID: auditID, Data: raw})
	if err != nil {
		return
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.subs[auditID]))
	for c := range h.subs[auditID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.deliver(msg) {
			// Client's outgoing buffer is full — disconnect it. Progress is
			// a convenience channel; the client can re-sync by polling.
			h.unregister(c)
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// SubscriberCount returns how many clients watch the given audit.
func (h *Hub) SubscriberCount(auditID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[auditID])
}

// --- internal ---------------------------------------------------------------

func (h *Hub) register(c *client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		for auditID := range c.subscribed() {
			h.dropSub(auditID, c)
		}
		c.shut()
	}
	h.mu.Unlock()
}

func (h *Hub) subscribe(c *client, auditID uuid.UUID) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		if h.subs[auditID] == nil {
			h.subs[auditID] = make(map[*client]struct{})
		}
		h.subs[auditID][c] = struct{}{}
		c.track(auditID)
	}
	h.mu.Unlock()
}

func (h *Hub) unsubscribe(c *client, auditID uuid.UUID) {
	h.mu.Lock()
	h.dropSub(auditID, c)
	c.untrack(auditID)
	h.mu.Unlock()
}

// dropSub removes one (audit, client) pair. Caller holds h.mu.
func (h *Hub) dropSub(auditID uuid.UUID, c *client) {
	if set, ok := h.subs[auditID]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.subs, auditID)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.shut()
		delete(h.clients, c)
	}
	h.subs = make(map[uuid.UUID]map[*client]struct{})
}

// readPump reads control messages (subscribe, unsubscribe, ping) and detects
// disconnects. Blocks until the connection closes.
func (h *Hub) readPump(c *client) {
	defer c.conn.Close()
	c.conn.SetReadLimit(maxControlMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg controlMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "subscribe_audit":
			if msg.AuditID != uuid.Nil {
				h.subscribe(c, msg.AuditID)
			}
		case "unsubscribe_audit":
			h.unsubscribe(c, msg.AuditID)
		case "ping":
			// Application-level liveness; not an audit event.
			c.deliver([]byte(`{"type":"pong"}`))
		}
	}
}

func (c *client) subscribed() map[uuid.UUID]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uuid.UUID]struct{}, len(c.audits))
	for id := range c.audits {
		out[id] = struct{}{}
	}
	return out
}

func (c *client) track(auditID uuid.UUID) {
	c.mu.Lock()
	c.audits[auditID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) untrack(auditID uuid.UUID) {
	c.mu.Lock()
	delete(c.audits, auditID)
	c.mu.Unlock()
}

// deliver queues msg for the write pump without blocking. It reports false
// only when the buffer is full; a client that was already shut swallows the
// message, since there is nothing left to disconnect.
func (c *client) deliver(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// shut closes the send channel exactly once. deliver holds the same mutex,
// so no sender can race the close.
func (c *client) shut() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// writePump drains the client's send channel and forwards messages to the
// WebSocket connection. It also sends periodic ping frames. Runs in its own
// goroutine per client.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Channel was closed (hub is shutting down or client removed).
				c.conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
