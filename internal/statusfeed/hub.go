// Package statusfeed streams sync status changes to websocket clients.
package statusfeed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fleetops/fieldsync/internal/logging"
	"github.com/fleetops/fieldsync/internal/sync/notify"
	"github.com/fleetops/fieldsync/internal/uuid"
)

// EventSyncStatus is the envelope type of every status message.
const EventSyncStatus = "sync.status"

const (
	sendBuffer   = 64
	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

// Envelope wraps all websocket messages.
type Envelope struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub maintains active client connections and broadcasts status messages.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
	last    []byte
	closed  bool
}

// NewHub creates a Hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     sameOrigin,
		},
		clients: make(map[string]*client),
	}
}

// sameOrigin allows non-browser clients and pages served from the same host.
func sameOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return u.Host == r.Host
}

// Attach subscribes the hub to n and returns the unsubscribe func.
func (h *Hub) Attach(n *notify.Notifier) func() {
	return n.Subscribe(h.Publish)
}

// Publish broadcasts s to every connected client. Slow clients are disconnected.
func (h *Hub) Publish(s notify.Status) {
	data := map[string]interface{}{
		"status":  s.Status,
		"message": s.Message,
	}
	if s.Error != nil {
		data["error"] = s.Error.Error()
	}

	msg, err := json.Marshal(Envelope{
		Type:      EventSyncStatus,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		logging.Error("Failed to marshal status message", err, nil)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = msg
	for id, c := range h.clients {
		select {
		case c.send <- msg:
		default:
			logging.Warn("Status client too slow, disconnecting", map[string]interface{}{"client_id": id})
			h.removeLocked(c)
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, c := range h.clients {
		h.removeLocked(c)
	}
}

// Run closes the hub when ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	<-ctx.Done()
	h.Close()
	return nil
}

// Handler upgrades requests to websocket connections. New clients first
// receive the most recent status, if any.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			logging.Warn("Websocket upgrade failed", map[string]interface{}{"error": err.Error()})
			return
		}

		c := &client{
			id:   uuid.New(),
			conn: conn,
			send: make(chan []byte, sendBuffer),
			hub:  h,
		}
		if !h.register(c) {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c.id] = c
	if h.last != nil {
		c.send <- h.last
	}
	logging.Debug("Status client connected", map[string]interface{}{
		"client_id": c.id,
		"total":     len(h.clients),
	})
	return true
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

// removeLocked drops c if still registered. Callers hold h.mu.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c.id]; !ok {
		return
	}
	delete(h.clients, c.id)
	close(c.send)
	logging.Debug("Status client disconnected", map[string]interface{}{
		"client_id": c.id,
		"total":     len(h.clients),
	})
}

// readPump handles pings from the client until the connection drops.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("Status client read error", map[string]interface{}{"error": err.Error()})
			}
			return
		}

		var msg struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Action == "ping" {
			c.reply(map[string]interface{}{
				"action":    "pong",
				"timestamp": time.Now().UnixMilli(),
			})
		}
	}
}

func (c *client) reply(v map[string]interface{}) {
	msg, _ := json.Marshal(v)

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if _, ok := c.hub.clients[c.id]; !ok {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump writes queued messages and keepalive pings.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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
