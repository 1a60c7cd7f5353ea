package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/presence"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ChatAttacher attaches a chat watcher for a connected socket. Implemented
// by the listener supervisor; the returned detach runs on disconnect.
type ChatAttacher interface {
	AttachChatWatcher(ctx context.Context, userID, spaceCode, threadKey, forcedBucket string) (func(), error)
}

// ThreadLeaver finalizes a user's departure from a chat thread: chat-page
// presence flips off and a workflow paused for the user gets its single
// backend resume. Implemented by the agent runtime.
type ThreadLeaver interface {
	LeaveChat(ctx context.Context, userID, companyID, threadKey string) (map[string]any, error)
}

// Handler upgrades HTTP to WebSocket and runs the per-connection lifecycle:
// registration, presence heartbeat, chat watcher attach, buffer drain, pumps.
type Handler struct {
	hub         *Hub
	heartbeater *presence.Heartbeater
	chats       ChatAttacher
	leaver      ThreadLeaver
	wsCfg       config.WebsocketConfig
	logger      *logger.Logger
}

// NewHandler creates the /ws handler.
func NewHandler(hub *Hub, heartbeater *presence.Heartbeater, chats ChatAttacher, leaver ThreadLeaver, wsCfg config.WebsocketConfig, log *logger.Logger) *Handler {
	return &Handler{
		hub:         hub,
		heartbeater: heartbeater,
		chats:       chats,
		leaver:      leaver,
		wsCfg:       wsCfg,
		logger:      log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection serves GET /ws?uid=&session_id=&space_code=&thread_key=&mode=.
func (h *Handler) HandleConnection(c *gin.Context) {
	uid := c.Query("uid")
	if uid == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "uid is required"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	client := NewClient(uuid.New().String(), conn, h.hub, h.wsCfg.KeepaliveDuration(), h.wsCfg.SendBufferSize, h.logger)
	client.UserID = uid
	client.SessionID = c.Query("session_id")
	client.SpaceCode = c.Query("space_code")
	client.ThreadKey = c.Query("thread_key")
	client.Mode = c.Query("mode")

	h.logger.Debug("WebSocket connection established",
		zap.String("client_id", client.ID),
		zap.String("user_id", uid),
		zap.String("thread_key", client.ThreadKey),
		zap.String("remote_addr", c.Request.RemoteAddr))

	h.hub.Register(client)

	// The connection context drives the heartbeat loop and the chat watcher;
	// both end when the read pump returns.
	connCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go h.heartbeater.Run(connCtx, uid, client.SessionID, nil)

	if client.SpaceCode != "" && client.ThreadKey != "" {
		detach, err := h.chats.AttachChatWatcher(connCtx, uid, client.SpaceCode, client.ThreadKey, client.Mode)
		if err != nil {
			h.logger.Warn("chat watcher attach failed",
				zap.String("user_id", uid), zap.String("thread_key", client.ThreadKey), zap.Error(err))
		} else {
			defer detach()
		}
		if drained := h.hub.DrainPendingMessages(connCtx, client, client.ThreadKey); drained > 0 {
			h.logger.Debug("drained pending buffer",
				zap.String("user_id", uid), zap.Int("messages", drained))
		}
	}

	go client.WritePump()
	client.ReadPump(connCtx)

	h.finishDisconnect(client)
}

// finishDisconnect runs the leave path once the read pump has returned. With
// the socket gone, the thread-presence predicate has to flip before the next
// agent turn so its output lands in the message buffer instead of streaming
// to nothing, and a workflow paused for the user gets its backend resume.
func (h *Handler) finishDisconnect(client *Client) {
	if h.leaver == nil || client.UserID == "" || client.SpaceCode == "" || client.ThreadKey == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := h.leaver.LeaveChat(ctx, client.UserID, client.SpaceCode, client.ThreadKey); err != nil {
		h.logger.Warn("Leave on disconnect failed",
			zap.String("user_id", client.UserID),
			zap.String("thread_key", client.ThreadKey),
			zap.Error(err))
	}
}
