// Package api — ws.go
//
// WebSocket telemetry fan-out.
//
// Session contract:
//   - On connect, the client receives a single {"type":"init","data":...}
//     with the full state snapshot, before any live event.
//   - The broadcaster polls the store's event queue at ~20 Hz and pushes
//     each event as JSON to every connected client, in queue order.
//   - A 30 s idle wake emits {"type":"keepalive","ts":...}.
//   - An incoming {"type":"ping"} is answered with {"type":"pong","ts":...}.
//   - A client whose send buffer is full or whose write fails is pruned
//     atomically; the remaining clients are unaffected.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nexora/modevac/internal/observability"
	"github.com/nexora/modevac/internal/state"
)

const (
	wsWriteTimeout  = 10 * time.Second
	wsReadLimit     = 4096
	wsSendBuffer    = 32
	wsKeepalive     = 30 * time.Second
	broadcastPeriod = 50 * time.Millisecond // ~20 Hz
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins on the LAN; access control
	// is the pairing code, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub owns the connected dashboard clients.
type Hub struct {
	store   *state.Store
	metrics *observability.Metrics
	log     *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewHub creates an empty Hub.
func NewHub(store *state.Store, metrics *observability.Metrics, log *zap.Logger) *Hub {
	return &Hub{
		store:   store,
		metrics: metrics,
		log:     log,
		clients: make(map[*wsClient]struct{}),
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// ServeWS upgrades the connection and runs the session.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuffer)}

	// The init snapshot must be the first frame the client sees, so it is
	// queued before the client joins the broadcast set.
	init, _ := json.Marshal(map[string]any{
		"type": "init",
		"data": h.store.GetFullState(),
	})
	client.send <- init

	h.mu.Lock()
	h.clients[client] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.metrics.WSClients.Set(float64(count))

	go h.writePump(client)
	h.readPump(client)
}

// remove prunes a client and closes its connection. Idempotent.
func (h *Hub) remove(client *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
		close(client.send)
	}
	count := len(h.clients)
	h.mu.Unlock()

	if ok {
		_ = client.conn.Close()
		h.metrics.WSClients.Set(float64(count))
	}
}

// writePump drains the client's send queue onto the socket.
func (h *Hub) writePump(client *wsClient) {
	for data := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			h.remove(client)
			return
		}
	}
}

// readPump consumes inbound messages, answering pings.
func (h *Hub) readPump(client *wsClient) {
	defer h.remove(client)
	client.conn.SetReadLimit(wsReadLimit)

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			pong, _ := json.Marshal(map[string]any{
				"type": "pong",
				"ts":   float64(time.Now().UnixNano()) / 1e9,
			})
			h.enqueue(client, pong)
		}
	}
}

// enqueue pushes a frame to one client, pruning it when the buffer is full.
func (h *Hub) enqueue(client *wsClient, data []byte) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	select {
	case client.send <- data:
		h.mu.Unlock()
	default:
		h.mu.Unlock()
		h.remove(client)
	}
}

// Broadcast runs the fan-out loop until ctx is cancelled: drains the store
// event queue at the broadcast period and pushes each event to every
// client, plus the idle keepalive.
func (h *Hub) Broadcast(ctx context.Context) {
	ticker := time.NewTicker(broadcastPeriod)
	defer ticker.Stop()
	keepalive := time.NewTicker(wsKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case <-ticker.C:
			h.drainEvents()

		case <-keepalive.C:
			data, _ := json.Marshal(map[string]any{
				"type": "keepalive",
				"ts":   float64(time.Now().UnixNano()) / 1e9,
			})
			h.fanOut(data)
		}
	}
}

// drainEvents empties the store queue, fanning out each event in order.
func (h *Hub) drainEvents() {
	for {
		select {
		case evt := <-h.store.Events():
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.fanOut(data)
		default:
			return
		}
	}
}

// fanOut pushes one frame to every client, pruning the ones that cannot
// keep up.
func (h *Hub) fanOut(data []byte) {
	h.mu.Lock()
	var stalled []*wsClient
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			stalled = append(stalled, client)
		}
	}
	h.mu.Unlock()

	for _, client := range stalled {
		h.remove(client)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()
	for _, client := range clients {
		h.remove(client)
	}
}
