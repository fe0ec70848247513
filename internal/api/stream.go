package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
)

const defaultBacklog = 64

// Hub fans broadcast events out to every connected observer. Each
// subscriber gets a bounded backlog; when one falls behind, its oldest
// buffered event is dropped and counted, and delivery to everyone else
// is unaffected.
type Hub struct {
	backlog    int
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	mu         sync.RWMutex
	metrics    *metrics.Registry
	logger     *slog.Logger
}

// Client is one connected observer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// NewHub creates the observer fan-out hub.
func NewHub(cfg config.ObserverConfig, m *metrics.Registry, logger *slog.Logger) *Hub {
	backlog := cfg.BacklogPerSubscriber
	if backlog <= 0 {
		backlog = defaultBacklog
	}
	return &Hub{
		backlog:    backlog,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		metrics:    m,
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run drives the hub until the context is cancelled, then hangs up on
// every subscriber. Call it in its own goroutine.
func (h *Hub) Run(ctx context.Context) {
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
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("observer connected", "count", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("observer disconnected", "count", n)

		case message := <-h.broadcast:
			h.mu.RLock()
			for client := range h.clients {
				if client.enqueue(message) {
					h.metrics.ObserverDropped.Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

// enqueue appends a message to the client's backlog, dropping the oldest
// buffered message when the backlog is full. Reports whether a drop
// happened. A slow subscriber loses its own history, never the stream.
func (c *Client) enqueue(message []byte) (dropped bool) {
	select {
	case c.send <- message:
		return false
	default:
	}
	select {
	case <-c.send:
		dropped = true
	default:
	}
	select {
	case c.send <- message:
	default:
		// Backlog of zero capacity; nothing to do.
	}
	return dropped
}

// BroadcastEvent queues an event for every subscriber.
func (h *Hub) BroadcastEvent(evt DashboardEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Error("failed to marshal event", "type", evt.Type, "error", err)
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.logger.Warn("broadcast channel full, dropping event", "type", evt.Type)
		h.metrics.ObserverDropped.Inc()
	}
}

// Subscribers returns the current connection count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024 // 512 KB
)

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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
				// Hub closed the channel
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

// readPump drains the websocket connection. Observers are read-only;
// incoming messages are discarded, but the pump keeps the pong handler
// alive and detects hangups.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Error("websocket error", "error", err)
			}
			break
		}
	}
}

// NewClient registers a connection with the hub and starts its pumps.
func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	client := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, hub.backlog),
	}

	client.hub.register <- client

	go client.writePump()
	go client.readPump()

	return client
}
