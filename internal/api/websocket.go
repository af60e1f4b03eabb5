package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/trueasset/alluse-core/internal/events"
	"go.uber.org/zap"
)

// client is one connected websocket consumer.
type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// hub fans bus events out to websocket clients. Slow clients get their
// send buffer dropped-oldest rather than backpressuring the bus.
type hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*client
}

func newHub(logger *zap.Logger) *hub {
	return &hub{
		logger: logger.Named("ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[string]*client),
	}
}

func (h *hub) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{id: uuid.NewString(), conn: conn, send: make(chan []byte, 256)}
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *hub) broadcast(e events.Event) {
	payload, err := json.Marshal(map[string]any{
		"type":      e.Type,
		"subject":   e.Subject,
		"timestamp": e.Timestamp,
		"payload":   e.Payload,
	})
	if err != nil {
		h.logger.Warn("failed to encode event for broadcast", zap.Error(err))
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- payload:
		default:
			// drop-oldest: stale events are worthless to a live dashboard
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- payload:
			default:
			}
		}
	}
}

func (h *hub) writeLoop(c *client) {
	defer h.remove(c)
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (h *hub) readLoop(c *client) {
	defer h.remove(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
