// Package websocket is the delivery hub: it accepts sockets, indexes them by
// user, fans events out, and parks messages for absent users in the
// short-lived KV buffer.
package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// Hub manages all WebSocket client connections. The Run goroutine owns
// registration; external callers hand work off through the register and
// unregister channels, which makes Broadcast* safe from any goroutine.
type Hub struct {
	// user_id → set of that user's connections
	users map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client

	kv         kv.Store
	dispatcher *ws.Dispatcher
	disconnect *DisconnectCounters

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates the hub.
func NewHub(store kv.Store, dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		users:      make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		kv:         store,
		dispatcher: dispatcher,
		disconnect: NewDisconnectCounters(),
		logger:     log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	if h.users[client.UserID] == nil {
		h.users[client.UserID] = make(map[*Client]bool)
	}
	h.users[client.UserID][client] = true
	h.mu.Unlock()

	metrics.WSConnectionsActive.Inc()
	h.logger.Debug("Client registered",
		zap.String("client_id", client.ID), zap.String("user_id", client.UserID))
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	clients, ok := h.users[client.UserID]
	registered := ok && clients[client]
	if registered {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.users, client.UserID)
		}
		close(client.send)
		metrics.WSConnectionsActive.Dec()
	}
	h.mu.Unlock()

	if registered {
		h.logger.Debug("Client unregistered",
			zap.String("client_id", client.ID), zap.String("user_id", client.UserID))
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for uid, clients := range h.users {
		for client := range clients {
			close(client.send)
		}
		delete(h.users, uid)
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastToUser fans a frame out to every socket of one user. Returns the
// number of sockets reached; sockets with full buffers are skipped and
// reaped by their write pumps.
func (h *Hub) BroadcastToUser(userID string, msg *ws.Message) int {
	data, err := msg.Encode()
	if err != nil {
		h.logger.Error("Failed to marshal broadcast frame", zap.Error(err))
		return 0
	}

	h.mu.RLock()
	clients := make([]*Client, 0, len(h.users[userID]))
	for client := range h.users[userID] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- data:
			sent++
		default:
			// Buffer full; the write pump will tear this socket down.
		}
	}
	return sent
}

// BroadcastToThread delivers a frame to the user's sockets, falling back to
// the pending buffer (TTL 300 s) when no socket is attached so a reconnect
// within the window replays it.
func (h *Hub) BroadcastToThread(ctx context.Context, userID, threadKey string, msg *ws.Message) error {
	if h.BroadcastToUser(userID, msg) > 0 {
		return nil
	}

	data, err := msg.Encode()
	if err != nil {
		return err
	}
	key := keys.PendingWSMessages(userID, threadKey)
	if err := h.kv.RPush(ctx, key, data); err != nil {
		return err
	}
	if _, err := h.kv.Expire(ctx, key, keys.TTLPendingWS); err != nil {
		return err
	}
	metrics.WSBufferedMessagesTotal.Inc()
	return nil
}

// DrainPendingMessages replays and deletes the buffered frames for a thread.
// Called when a socket attaches with a thread_key.
func (h *Hub) DrainPendingMessages(ctx context.Context, client *Client, threadKey string) int {
	key := keys.PendingWSMessages(client.UserID, threadKey)
	buffered, err := h.kv.LRange(ctx, key, 0, -1)
	if err != nil {
		h.logger.Warn("pending buffer read failed", zap.String("key", key), zap.Error(err))
		return 0
	}
	if len(buffered) == 0 {
		return 0
	}

	sent := 0
	for _, data := range buffered {
		select {
		case client.send <- data:
			sent++
		default:
		}
	}
	if err := h.kv.Delete(ctx, key); err != nil {
		h.logger.Warn("pending buffer delete failed", zap.String("key", key), zap.Error(err))
	}
	return sent
}

// IsUserConnected reports whether the user has at least one live socket.
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ClientCount returns the number of connected sockets.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, clients := range h.users {
		n += len(clients)
	}
	return n
}

// UserCount returns the number of distinct connected users.
func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users)
}

// Disconnects exposes the close-reason counters for /ws-metrics.
func (h *Hub) Disconnects() *DisconnectCounters {
	return h.disconnect
}

// recordDisconnect classifies and counts one socket close.
func (h *Hub) recordDisconnect(reason string) {
	h.disconnect.Record(reason)
	metrics.WSDisconnectsTotal.WithLabelValues(reason).Inc()
}

// Dispatcher returns the frame dispatcher used by the receive loops.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// DisconnectCounters accumulates classified close reasons.
type DisconnectCounters struct {
	mu     sync.Mutex
	counts map[string]int64
	since  time.Time
}

// NewDisconnectCounters creates an empty counter set.
func NewDisconnectCounters() *DisconnectCounters {
	return &DisconnectCounters{counts: make(map[string]int64), since: time.Now().UTC()}
}

// Record counts one close under its reason.
func (d *DisconnectCounters) Record(reason string) {
	d.mu.Lock()
	d.counts[reason]++
	d.mu.Unlock()
}

// Snapshot returns a copy of the counters plus the window start.
func (d *DisconnectCounters) Snapshot() (map[string]int64, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]int64, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out, d.since
}
