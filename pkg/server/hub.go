package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"heatvault/pkg/compaction"
	"heatvault/pkg/config"
	"heatvault/pkg/feed"
	"heatvault/pkg/snapshot"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = direct connection (curl, tests)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

// client wraps one dashboard connection. The websocket permits a single
// writer at a time; the mutex serializes the broadcast loop against the
// per-client ping ticker.
type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
	return c.conn.WriteMessage(messageType, data)
}

// Hub fans snapshots, connection-state changes, and compaction status out
// to any number of dashboard pages over websockets. It subscribes to the
// live feed; a failed or slow page is dropped without affecting the rest.
type Hub struct {
	log *zap.Logger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte

	mu sync.RWMutex
}

// NewHub creates a dashboard hub. Run must be started for messages to move.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log.Named("hub"),
		clients:    make(map[*client]bool),
		register:   make(chan *client, config.WSClientBuffer),
		unregister: make(chan *client, config.WSClientBuffer),
		broadcast:  make(chan []byte, config.WSClientBuffer),
	}
}

// Run owns the client set until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				_ = c.conn.Close()
			}
			h.clients = make(map[*client]bool)
			h.mu.Unlock()
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("dashboard client connected", zap.Int("total", count))
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				_ = c.conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("dashboard client disconnected", zap.Int("total", count))
		case message := <-h.broadcast:
			h.mu.RLock()
			clients := make([]*client, 0, len(h.clients))
			for c := range h.clients {
				clients = append(clients, c)
			}
			h.mu.RUnlock()

			var failed []*client
			for _, c := range clients {
				if err := c.write(websocket.TextMessage, message); err != nil {
					failed = append(failed, c)
				}
			}
			// Dead clients are removed inline; routing them back through
			// the unregister channel from this goroutine could fill the
			// buffer and deadlock the loop.
			if len(failed) > 0 {
				h.mu.Lock()
				for _, c := range failed {
					if _, ok := h.clients[c]; ok {
						delete(h.clients, c)
						_ = c.conn.Close()
					}
				}
				count := len(h.clients)
				h.mu.Unlock()
				h.log.Info("dropped unresponsive dashboard clients",
					zap.Int("dropped", len(failed)), zap.Int("total", count))
			}
		}
	}
}

// Broadcast queues a message for all connected pages, dropping it if the
// hub is backed up rather than blocking the caller.
func (h *Hub) Broadcast(v any) {
	message, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode broadcast", zap.Error(err))
		return
	}
	select {
	case h.broadcast <- message:
	default:
		h.log.Debug("broadcast channel full, message dropped")
	}
}

// OnConnectionState implements feed.Subscriber.
func (h *Hub) OnConnectionState(state feed.State) {
	h.Broadcast(map[string]any{"type": "state", "state": state})
}

// OnSnapshot implements feed.Subscriber.
func (h *Hub) OnSnapshot(rec *snapshot.Snapshot) {
	h.Broadcast(map[string]any{"type": "snapshot", "record": rec})
}

// OnCompactionStatus relays engine status updates; wired via SetNotify.
func (h *Hub) OnCompactionStatus(status compaction.Status, cfg compaction.Config) {
	h.Broadcast(map[string]any{"type": "compaction", "status": status, "config": cfg})
}

// HandleWebSocket upgrades a dashboard page connection and parks it in the
// hub until it closes.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	c := &client{conn: conn}
	h.register <- c

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.write(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- c
	}()

	_ = conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	})

	// Pages only listen; the read loop handles control frames and close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}
