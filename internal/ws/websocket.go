// Package ws provides the WebSocket hub for real-time traffic events.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anthropics/gander/internal/breakpoint"
	"github.com/anthropics/gander/internal/store"
)

// Event names are stable contracts consumed by the UI.
const (
	EventRequestComplete = "request:complete"
	EventBreakpointHit   = "breakpoint:hit"
	EventProxyError      = "proxy:error"
	EventPing            = "ping"
)

// isLocalhostOrigin checks if the Origin header indicates a localhost request.
func isLocalhostOrigin(origin string) bool {
	return strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1")
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalhostOrigin(origin)
	},
}

// Hub manages WebSocket connections and event broadcasting.
type Hub struct {
	logger     *slog.Logger
	token      string
	clients    map[*Client]bool
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

// Client represents a WebSocket client connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Message is a WebSocket event frame.
type Message struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// NewHub creates a new WebSocket hub. An empty token disables auth.
func NewHub(token string, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}

	return &Hub{
		logger:     logger,
		token:      token,
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run(ctx context.Context) {
	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client disconnected", "clients", len(h.clients))

		case message := <-h.broadcast:
			data, err := json.Marshal(message)
			if err != nil {
				h.logger.Error("failed to marshal message", "error", err)
				continue
			}

			// Collect clients to remove under read lock (no mutation)
			h.mu.RLock()
			var toRemove []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					// Client buffer full, mark for removal
					toRemove = append(toRemove, client)
				}
			}
			h.mu.RUnlock()

			if len(toRemove) > 0 {
				h.mu.Lock()
				for _, client := range toRemove {
					// Double-check membership to avoid double-close if unregister ran concurrently
					if _, ok := h.clients[client]; ok {
						delete(h.clients, client)
						close(client.send)
					}
				}
				h.mu.Unlock()
			}

		case <-pingTicker.C:
			h.Broadcast(&Message{
				Type:      EventPing,
				Timestamp: time.Now(),
			})
		}
	}
}

// Broadcast sends a message to all connected clients.
func (h *Hub) Broadcast(msg *Message) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("broadcast channel full, dropping message")
	}
}

// BroadcastRequestComplete broadcasts a finalized exchange.
func (h *Hub) BroadcastRequestComplete(ex *store.Exchange) {
	h.Broadcast(&Message{
		Type:      EventRequestComplete,
		Timestamp: time.Now(),
		Data:      exchangeToSummary(ex),
	})
}

// BroadcastBreakpointHit broadcasts a paused message snapshot.
func (h *Hub) BroadcastBreakpointHit(snap breakpoint.Snapshot) {
	h.Broadcast(&Message{
		Type:      EventBreakpointHit,
		Timestamp: time.Now(),
		Data:      snapshotToPayload(snap),
	})
}

// BroadcastProxyError broadcasts a transport or bind error.
func (h *Hub) BroadcastProxyError(message string) {
	h.Broadcast(&Message{
		Type:      EventProxyError,
		Timestamp: time.Now(),
		Data:      map[string]string{"message": message},
	})
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handler returns an HTTP handler for WebSocket connections.
// Uses constant-time comparison to prevent timing attacks.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && !isLocalhostOrigin(origin) {
			h.logger.Warn("rejected non-localhost WebSocket origin", "origin", origin)
			http.Error(w, "Forbidden: non-localhost origin", http.StatusForbidden)
			return
		}

		if h.token != "" {
			authenticated := false

			auth := r.Header.Get("Authorization")
			expectedAuth := "Bearer " + h.token
			if subtle.ConstantTimeCompare([]byte(auth), []byte(expectedAuth)) == 1 {
				authenticated = true
			}

			// Query param fallback: browsers can't set headers on WebSocket.
			if !authenticated {
				token := r.URL.Query().Get("token")
				if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) == 1 {
					authenticated = true
				}
			}

			if !authenticated {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Error("failed to upgrade connection", "error", err)
			return
		}

		client := &Client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, 256),
		}

		h.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			// Batch any queued messages
			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump pumps messages from the websocket connection to the hub.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket error", "error", err)
			}
			break
		}
	}
}

// exchangeToSummary converts an exchange to its broadcast payload.
func exchangeToSummary(ex *store.Exchange) map[string]interface{} {
	summary := map[string]interface{}{
		"id":           ex.ID,
		"timestamp_ms": ex.Timestamp.UnixMilli(),
		"method":       ex.Method,
		"url":          ex.URL,
		"host":         ex.Host,
		"path":         ex.Path,
		"status":       ex.Status,
		"content_type": ex.ContentType,
		"duration_ms":  ex.DurationMs,
		"size":         ex.Size,
	}
	return summary
}

// snapshotToPayload converts a paused snapshot to its broadcast payload.
func snapshotToPayload(snap breakpoint.Snapshot) map[string]interface{} {
	payload := map[string]interface{}{
		"id":        snap.ID,
		"direction": string(snap.Direction),
		"method":    snap.Method,
		"url":       snap.URL,
		"headers":   snap.Headers,
		"body":      string(snap.Body),
	}
	if snap.Status != 0 {
		payload["status"] = snap.Status
	}
	return payload
}
