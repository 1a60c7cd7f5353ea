package listener

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/rtdb"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// ResolveChatBucket finds the RTDB bucket holding a thread, trying the
// configured order (active_chats, chats, job_chats by default) unless the
// caller forces one. The first successful get decides the bucket for the
// rest of the thread's lifetime.
func (s *Supervisor) ResolveChatBucket(ctx context.Context, spaceCode, threadKey, forced string) (string, error) {
	if forced != "" {
		return forced, nil
	}
	for _, bucket := range s.cfg.Chat.BucketOrder {
		data, err := s.tree.Get(ctx, fmt.Sprintf("%s/%s/%s", spaceCode, bucket, threadKey))
		if err != nil {
			return "", err
		}
		if data != nil {
			return bucket, nil
		}
	}
	// Unknown thread: new conversations land in the first bucket.
	return s.cfg.Chat.BucketOrder[0], nil
}

// AttachChatWatcher attaches the on-demand message listener for one thread.
// Each incoming RTDB message becomes a chat.message event; messages carrying
// an action field are card actions and re-route to the agent runtime.
func (s *Supervisor) AttachChatWatcher(ctx context.Context, userID, spaceCode, threadKey, forcedBucket string) (func(), error) {
	bucket, err := s.ResolveChatBucket(ctx, spaceCode, threadKey, forcedBucket)
	if err != nil {
		return nil, fmt.Errorf("resolve chat bucket: %w", err)
	}

	log := s.logger.WithUserID(userID).WithThread(threadKey)
	path := fmt.Sprintf("%s/%s/%s/messages", spaceCode, bucket, threadKey)

	handle, err := s.tree.Listen(path, func(ev rtdb.Event) {
		// The initial snapshot replays history; only per-message paths count.
		if ev.Path == "/" || ev.Type != rtdb.EventPut {
			return
		}
		msgID := strings.TrimPrefix(ev.Path, "/")
		body, _ := ev.Data.(map[string]any)
		if body == nil {
			return
		}
		s.handleChatMessage(ctx, userID, spaceCode, threadKey, msgID, body, log)
	})
	if err != nil {
		return nil, err
	}

	s.recordListener(ctx, userID, typeChat, spaceCode, threadKey)
	log.Debug("chat watcher attached", zap.String("bucket", bucket))

	return func() {
		handle.Close()
		detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.kv.Delete(detachCtx, keys.ListenerRecord(userID, typeChat, spaceCode, threadKey)); err != nil {
			log.Warn("chat listener record delete failed", zap.Error(err))
		}
	}, nil
}

// handleChatMessage applies the card-action short-circuit and the chat
// publication rule.
func (s *Supervisor) handleChatMessage(ctx context.Context, userID, spaceCode, threadKey, msgID string, body map[string]any, log *logger.Logger) {
	// Card actions are in-band commands, not chat contents.
	if action, ok := body["action"].(string); ok && action != "" {
		if s.cards == nil {
			log.Warn("card action received without a card router", zap.String("msg_id", msgID))
			return
		}
		cardName, _ := body["card_name"].(string)
		userMessage, _ := body["message"].(string)
		collection, _ := body["collection_name"].(string)
		if err := s.cards.SendCardResponse(ctx, userID, collection, threadKey, cardName, msgID, action, userMessage); err != nil {
			log.Warn("card response failed", zap.String("msg_id", msgID), zap.Error(err))
		}
		return
	}

	msg := ws.MustMessage(ws.EventChatMessage, map[string]any{
		"space_code": spaceCode,
		"thread_key": threadKey,
		"message_id": msgID,
		"message":    body,
	})
	metrics.ListenerEventsTotal.WithLabelValues(ws.EventChatMessage).Inc()

	// The KV publish always happens so other consumers can observe.
	if data, err := msg.Encode(); err == nil {
		channel := s.channels.Chat(userID, spaceCode, threadKey)
		if err := s.kv.Publish(ctx, channel, data); err != nil {
			log.Warn("chat kv publish failed", zap.Error(err))
		}
	}

	// WebSocket broadcast only when the user is on this exact thread;
	// otherwise the turn runs in BACKEND mode and delivery goes through
	// the RTDB thread and the pending buffer.
	if s.sessions.IsUserOnThread(ctx, userID, spaceCode, threadKey) {
		s.hub.BroadcastToUser(userID, msg)
	}
}
