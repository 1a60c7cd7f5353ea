package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	ws "github.com/comptio/fabric/pkg/websocket"
)

const (
	// Time allowed to write a frame to the peer
	writeWait = 10 * time.Second

	// Maximum frame size accepted from the peer
	maxMessageSize = 512 * 1024 // 512KB
)

// Client represents a single WebSocket connection with its query-derived
// identity and thread scope.
type Client struct {
	ID        string
	UserID    string
	SessionID string
	SpaceCode string
	ThreadKey string
	Mode      string

	conn      *websocket.Conn
	hub       *Hub
	send      chan []byte
	keepalive time.Duration
	logger    *logger.Logger
}

// NewClient creates a client for an upgraded connection.
func NewClient(id string, conn *websocket.Conn, hub *Hub, keepalive time.Duration, sendBuffer int, log *logger.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &Client{
		ID:        id,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, sendBuffer),
		keepalive: keepalive,
		logger:    log.WithFields(zap.String("client_id", id)),
	}
}

// ReadPump pumps frames from the connection into the dispatcher. It returns
// the classified close reason once the socket is gone.
func (c *Client) ReadPump(ctx context.Context) string {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			reason := classifyClose(err)
			c.hub.recordDisconnect(reason)
			if reason == "abnormal_closure" || reason == "server_error" {
				c.logger.Warn("WebSocket closed", zap.String("reason", reason), zap.Error(err))
			} else {
				c.logger.Debug("WebSocket closed", zap.String("reason", reason))
			}
			return reason
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Warn("Unparsable frame", zap.Error(err))
			c.SendMessage(ws.NewError(ws.ErrorCodeBadRequest, "invalid frame", nil))
			continue
		}
		c.handleFrame(ctx, &msg)
	}
}

// handleFrame dispatches one inbound frame by type. Unknown types are logged
// and ignored.
func (c *Client) handleFrame(ctx context.Context, msg *ws.Message) {
	handler, ok := c.hub.dispatcher.Lookup(msg.Type)
	if !ok {
		c.logger.Debug("Unknown frame type", zap.String("type", msg.Type))
		return
	}

	// Frame handlers see the client identity through the context.
	ctx = WithClientInfo(ctx, &ClientInfo{
		UserID:    c.UserID,
		SessionID: c.SessionID,
		SpaceCode: c.SpaceCode,
		ThreadKey: c.ThreadKey,
	})

	response, err := handler.Handle(ctx, msg)
	if err != nil {
		c.logger.Warn("Frame handler error", zap.String("type", msg.Type), zap.Error(err))
		c.SendMessage(ws.NewError(ws.ErrorCodeInternal, err.Error(), map[string]any{"type": msg.Type}))
		return
	}
	if response != nil {
		c.SendMessage(response)
	}
}

// SendMessage enqueues a frame for this socket.
func (c *Client) SendMessage(msg *ws.Message) {
	data, err := msg.Encode()
	if err != nil {
		c.logger.Error("Failed to marshal frame", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}

// WritePump pumps queued frames to the connection and sends the application
// keepalive {type:"ping", timestamp} on its interval. A failed send ends the
// pump, which closes the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.keepalive)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Batch additional queued frames.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			data, _ := ws.NewPing(time.Now()).Encode()
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

// classifyClose maps a read error to the disconnect taxonomy.
func classifyClose(err error) string {
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		return "abnormal_closure"
	}
	switch closeErr.Code {
	case websocket.CloseNormalClosure:
		return "normal_closure"
	case websocket.CloseGoingAway:
		return "going_away"
	case websocket.CloseAbnormalClosure:
		return "abnormal_closure"
	case websocket.CloseInternalServerErr:
		return "server_error"
	default:
		return fmt.Sprintf("code_%d", closeErr.Code)
	}
}

// ClientInfo is the socket identity exposed to frame handlers.
type ClientInfo struct {
	UserID    string
	SessionID string
	SpaceCode string
	ThreadKey string
}

type clientInfoKey struct{}

// WithClientInfo attaches the socket identity to a context.
func WithClientInfo(ctx context.Context, info *ClientInfo) context.Context {
	return context.WithValue(ctx, clientInfoKey{}, info)
}

// ClientInfoFrom extracts the socket identity, if present.
func ClientInfoFrom(ctx context.Context) (*ClientInfo, bool) {
	info, ok := ctx.Value(clientInfoKey{}).(*ClientInfo)
	return info, ok
}
