// Package keys owns the canonical KV key and channel layout. No other
// component builds keys by hand.
package keys

import (
	"fmt"
	"time"
)

// TTLs for every TTL-bearing key class.
const (
	TTLSession           = 2 * time.Hour
	TTLChatHistory       = 24 * time.Hour
	TTLWorkflow          = time.Hour
	TTLWorkflowCompleted = 5 * time.Minute
	TTLUserContext       = time.Hour
	TTLPendingWS         = 5 * time.Minute
	TTLCronLock          = 5 * time.Minute
	TTLIdempotency       = 15 * time.Minute
	TTLPresence          = 24 * time.Hour
	TTLListenerRecord    = 90 * time.Second
	TTLStopFlag          = 10 * time.Minute
)

// SessionState is the per-(user, company) session record.
func SessionState(userID, companyID string) string {
	return fmt.Sprintf("session:%s:%s:state", userID, companyID)
}

// SessionPattern matches every session record of one user (SCAN only).
func SessionPattern(userID string) string {
	return fmt.Sprintf("session:%s:*:state", userID)
}

// ChatHistory is the per-thread message list.
func ChatHistory(userID, companyID, threadKey string) string {
	return fmt.Sprintf("chat:%s:%s:%s:history", userID, companyID, threadKey)
}

// ChatHistoryPattern matches every chat history of one (user, company) pair.
func ChatHistoryPattern(userID, companyID string) string {
	return fmt.Sprintf("chat:%s:%s:*:history", userID, companyID)
}

// WorkflowState is the per-thread workflow state machine record.
func WorkflowState(userID, companyID, threadKey string) string {
	return fmt.Sprintf("workflow:%s:%s:%s:state", userID, companyID, threadKey)
}

// UserContext is the cached company context for a user.
func UserContext(userID, companyID string) string {
	return fmt.Sprintf("context:%s:%s", userID, companyID)
}

// Cache is a business cache entry; subType may be empty.
func Cache(userID, companyID, dataType, subType string) string {
	if subType == "" {
		return fmt.Sprintf("cache:%s:%s:%s", userID, companyID, dataType)
	}
	return fmt.Sprintf("cache:%s:%s:%s:%s", userID, companyID, dataType, subType)
}

// CacheModulePattern matches every sub-typed cache entry of one module (SCAN only).
func CacheModulePattern(userID, companyID, dataType string) string {
	return fmt.Sprintf("cache:%s:%s:%s:*", userID, companyID, dataType)
}

// PendingWSMessages is the short-lived buffer for events produced while the
// user's socket is not yet attached.
func PendingWSMessages(userID, threadKey string) string {
	return fmt.Sprintf("pending_ws_messages:%s:%s", userID, threadKey)
}

// CronLock is the distributed lock taken per scheduler execution.
func CronLock(taskID string) string {
	return fmt.Sprintf("lock:cron:%s", taskID)
}

// Idempotency is the RPC replay marker.
func Idempotency(key string) string {
	return fmt.Sprintf("idemp:%s", key)
}

// PresenceUser is the KV mirror of a user's presence record.
func PresenceUser(userID string) string {
	return fmt.Sprintf("registry:user:%s", userID)
}

// ListenerRecord registers one attached listener. spaceCode and threadKey are
// only present for scoped listener types.
func ListenerRecord(userID, listenerType, spaceCode, threadKey string) string {
	if spaceCode == "" && threadKey == "" {
		return fmt.Sprintf("registry:listeners:%s:%s", userID, listenerType)
	}
	return fmt.Sprintf("registry:listeners:%s:%s:%s:%s", userID, listenerType, spaceCode, threadKey)
}

// ListenerPattern matches every listener record of one user (SCAN only).
func ListenerPattern(userID string) string {
	return fmt.Sprintf("registry:listeners:%s:*", userID)
}

// StopFlag marks an in-flight streaming turn for cancellation; observed at
// chunk boundaries.
func StopFlag(userID, companyID, threadKey string) string {
	return fmt.Sprintf("stop:%s:%s:%s", userID, companyID, threadKey)
}

// Channels builds pub/sub channel names from the configured prefixes.
type Channels struct {
	UserPrefix string
	ChatPrefix string
}

// DefaultChannels returns the stock prefixes (user:, chat:).
func DefaultChannels() Channels {
	return Channels{UserPrefix: "user:", ChatPrefix: "chat:"}
}

// User is the per-user event channel.
func (c Channels) User(userID string) string {
	return c.UserPrefix + userID
}

// Chat is the per-thread chat channel. The middle segment is the space code;
// spaces are typically one per company.
func (c Channels) Chat(userID, spaceCode, threadKey string) string {
	return fmt.Sprintf("%s%s:%s:%s", c.ChatPrefix, userID, spaceCode, threadKey)
}
