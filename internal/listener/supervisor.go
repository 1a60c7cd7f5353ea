// Package listener is the per-user watcher supervisor: it attaches document
// and realtime-tree watchers on user presence, multiplexes their events into
// the hub and the KV channels, and tears them down on absence after a grace
// window.
package listener

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
	"github.com/comptio/fabric/internal/presence"
	"github.com/comptio/fabric/internal/rtdb"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// detachGrace is the window in which a reconnect cancels a pending detach.
const detachGrace = 5 * time.Second

// Listener types registered in the ListenerRecord registry.
const (
	typeNotif    = "notif"
	typeMsg      = "msg"
	typeChat     = "chat"
	typeWorkflow = "workflow"
)

// Broadcaster delivers frames to connected sockets. Implemented by the hub.
type Broadcaster interface {
	BroadcastToUser(userID string, msg *ws.Message) int
}

// ThreadPresence is the authoritative "is the user on this exact thread"
// predicate. Implemented by the session store.
type ThreadPresence interface {
	IsUserOnThread(ctx context.Context, userID, companyID, threadKey string) bool
}

// CardRouter receives chat messages that carry an action field instead of
// broadcasting them. Implemented by the agent runtime.
type CardRouter interface {
	SendCardResponse(ctx context.Context, userID, collectionName, threadKey, cardName, cardMessageID, action, userMessage string) error
}

// userAttachment is the general watcher set of one online user.
type userAttachment struct {
	handles []func()
}

// Supervisor owns the watcher registries and the presence-driven lifecycle.
type Supervisor struct {
	doc      docdb.Store
	tree     rtdb.Store
	kv       kv.Store
	registry *presence.Registry
	hub      Broadcaster
	sessions ThreadPresence
	cards    CardRouter
	channels keys.Channels
	cfg      *config.Config

	mu        sync.Mutex
	users     map[string]*userAttachment
	pending   map[string]*time.Timer // pending detach timers by user
	workflows map[string]func()      // (uid, job_id) → detach
	wfCache   map[string]wfSnapshot  // (uid, job_id) → last observed substructures
	txns      map[string]func()      // batch_id → detach
	txnSeen   map[string]map[string]string

	presenceHandle *docdb.Handle
	logger         *logger.Logger
}

// New creates the supervisor. The card router is set later because the agent
// runtime is wired after the supervisor.
func New(doc docdb.Store, tree rtdb.Store, store kv.Store, registry *presence.Registry, hub Broadcaster, sessions ThreadPresence, channels keys.Channels, cfg *config.Config, log *logger.Logger) *Supervisor {
	return &Supervisor{
		doc:       doc,
		tree:      tree,
		kv:        store,
		registry:  registry,
		hub:       hub,
		sessions:  sessions,
		channels:  channels,
		cfg:       cfg,
		users:     make(map[string]*userAttachment),
		pending:   make(map[string]*time.Timer),
		workflows: make(map[string]func()),
		wfCache:   make(map[string]wfSnapshot),
		txns:      make(map[string]func()),
		txnSeen:   make(map[string]map[string]string),
		logger:    log.WithFields(zap.String("component", "listener-supervisor")),
	}
}

// SetCardRouter wires the agent runtime's card-response entry point.
func (s *Supervisor) SetCardRouter(cards CardRouter) {
	s.cards = cards
}

// Start subscribes to the presence collection. Watcher lifecycles follow the
// snapshot events from here on.
func (s *Supervisor) Start(ctx context.Context) error {
	handle, err := s.doc.OnSnapshot(s.registry.DocCollection(), func(snap docdb.Snapshot) {
		s.onPresenceSnapshot(ctx, snap)
	})
	if err != nil {
		return err
	}
	s.presenceHandle = handle
	s.logger.Info("listener supervisor started")
	return nil
}

// onPresenceSnapshot applies the attach/detach algorithm per changed doc.
func (s *Supervisor) onPresenceSnapshot(ctx context.Context, snap docdb.Snapshot) {
	now := time.Now()
	for _, change := range snap.Changes {
		rec := presence.RecordFromDoc(change.Doc)
		live := change.Kind != docdb.ChangeRemoved && rec.IsLive(now)
		if live {
			s.ensureUserWatchers(ctx, rec)
		} else {
			s.scheduleDetach(rec.UserID, "presence_lost")
		}
	}
}

// ensureUserWatchers attaches the general watcher set for a live user. A
// pending detach within the grace window is cancelled instead.
func (s *Supervisor) ensureUserWatchers(ctx context.Context, rec *presence.Record) {
	s.mu.Lock()
	if timer, ok := s.pending[rec.UserID]; ok {
		timer.Stop()
		delete(s.pending, rec.UserID)
		s.logger.Debug("pending detach cancelled", zap.String("user_id", rec.UserID))
	}
	if _, attached := s.users[rec.UserID]; attached {
		s.mu.Unlock()
		return
	}
	// Reserve the slot so a concurrent snapshot does not double-attach.
	s.users[rec.UserID] = &userAttachment{}
	s.mu.Unlock()

	log := s.logger.WithUserID(rec.UserID)

	var handles []func()
	notif, err := s.attachNotifWatcher(ctx, rec)
	if err != nil {
		log.Error("notification watcher attach failed", zap.Error(err))
	} else {
		handles = append(handles, notif)
		s.recordListener(ctx, rec.UserID, typeNotif, "", "")
	}

	dm, err := s.attachDirectMessageWatcher(ctx, rec)
	if err != nil {
		log.Error("direct message watcher attach failed", zap.Error(err))
	} else {
		handles = append(handles, dm)
		s.recordListener(ctx, rec.UserID, typeMsg, "", "")
	}

	// Publish the complete handle set under the mutex. A detach that won the
	// race already dropped the reservation; close the watchers instead of
	// leaking them.
	s.mu.Lock()
	attachment, attached := s.users[rec.UserID]
	if attached {
		attachment.handles = handles
	}
	s.mu.Unlock()
	if !attached {
		for _, closeFn := range handles {
			closeFn()
		}
		log.Debug("attach raced a detach, watchers closed")
		return
	}

	metrics.ListenersActive.WithLabelValues(typeNotif).Set(float64(s.AttachedUserCount()))
	log.Info("user watchers attached", zap.Int("handles", len(handles)))
}

// scheduleDetach arms the grace timer. Re-registration within the window
// cancels it; otherwise every handle is closed and the records deleted.
func (s *Supervisor) scheduleDetach(userID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, attached := s.users[userID]; !attached {
		return
	}
	if _, armed := s.pending[userID]; armed {
		return
	}
	s.pending[userID] = time.AfterFunc(detachGrace, func() {
		s.detachUserWatchers(userID, reason)
	})
	s.logger.Debug("detach scheduled", zap.String("user_id", userID), zap.String("reason", reason))
}

// detachUserWatchers runs after the grace window expired.
func (s *Supervisor) detachUserWatchers(userID, reason string) {
	s.mu.Lock()
	delete(s.pending, userID)
	attachment, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.users, userID)
	s.mu.Unlock()

	for _, closeFn := range attachment.handles {
		closeFn()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.deleteListenerRecords(ctx, userID)

	s.logger.Info("user watchers detached",
		zap.String("user_id", userID), zap.String("reason", reason))
}

// attachNotifWatcher republishes a formatted snapshot of unread notifications
// on every change, filtered by the user's authorized companies and sorted by
// timestamp descending.
func (s *Supervisor) attachNotifWatcher(ctx context.Context, rec *presence.Record) (func(), error) {
	authorized := make(map[string]bool, len(rec.AuthorizedCompaniesIDs))
	for _, id := range rec.AuthorizedCompaniesIDs {
		authorized[id] = true
	}

	collection := "clients/" + rec.UserID + "/notifications"
	query := docdb.Query{Filters: []docdb.Filter{{Field: "read", Op: "==", Value: false}}}

	handle, err := s.doc.OnSnapshotQuery(collection, query, func(snap docdb.Snapshot) {
		items := make([]map[string]any, 0, len(snap.Docs))
		for _, doc := range snap.Docs {
			if cid, ok := doc.Data["company_id"].(string); ok && len(authorized) > 0 && !authorized[cid] {
				continue
			}
			item := make(map[string]any, len(doc.Data)+1)
			for k, v := range doc.Data {
				item[k] = v
			}
			item["id"] = doc.ID
			items = append(items, item)
		}
		sort.Slice(items, func(i, j int) bool {
			ti, _ := items[i]["timestamp"].(string)
			tj, _ := items[j]["timestamp"].(string)
			return ti > tj
		})

		s.publishUserEvent(ctx, rec.UserID, ws.MustMessage(ws.EventNotificationsSnapshot, map[string]any{
			"notifications": items,
			"count":         len(items),
		}))
	})
	if err != nil {
		return nil, err
	}
	return handle.Close, nil
}

// attachDirectMessageWatcher republishes a snapshot of the direct message
// node on any put.
func (s *Supervisor) attachDirectMessageWatcher(ctx context.Context, rec *presence.Record) (func(), error) {
	path := "clients/" + rec.UserID + "/direct_message_notif"
	handle, err := s.tree.Listen(path, func(ev rtdb.Event) {
		if ev.Type != rtdb.EventPut {
			return
		}
		s.publishUserEvent(ctx, rec.UserID, ws.MustMessage(ws.EventDirectMessageSnapshot, map[string]any{
			"path": ev.Path,
			"data": ev.Data,
		}))
	})
	if err != nil {
		return nil, err
	}
	return handle.Close, nil
}

// publishUserEvent applies the default publication rule: KV publish on
// user:{uid} and WebSocket broadcast.
func (s *Supervisor) publishUserEvent(ctx context.Context, userID string, msg *ws.Message) {
	metrics.ListenerEventsTotal.WithLabelValues(msg.Type).Inc()
	if data, err := msg.Encode(); err == nil {
		if err := s.kv.Publish(ctx, s.channels.User(userID), data); err != nil {
			s.logger.Warn("kv publish failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	s.hub.BroadcastToUser(userID, msg)
}

// recordListener writes the ListenerRecord registry entry.
func (s *Supervisor) recordListener(ctx context.Context, userID, listenerType, spaceCode, threadKey string) {
	key := keys.ListenerRecord(userID, listenerType, spaceCode, threadKey)
	payload := []byte(`{"created_at":"` + time.Now().UTC().Format(time.RFC3339) + `","channel":"` + s.channels.User(userID) + `"}`)
	if err := s.kv.SetEx(ctx, key, payload, keys.TTLListenerRecord); err != nil {
		s.logger.Warn("listener record write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *Supervisor) deleteListenerRecords(ctx context.Context, userID string) {
	found, err := s.kv.Scan(ctx, keys.ListenerPattern(userID), 100)
	if err != nil || len(found) == 0 {
		return
	}
	if err := s.kv.Delete(ctx, found...); err != nil {
		s.logger.Warn("listener record delete failed", zap.String("user_id", userID), zap.Error(err))
	}
}

// AttachedUserCount reports the number of users with the general watcher set.
func (s *Supervisor) AttachedUserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// WorkflowWatcherCount reports the number of on-demand workflow watchers.
func (s *Supervisor) WorkflowWatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workflows)
}

// Stop closes the presence subscription and every attached watcher.
func (s *Supervisor) Stop() {
	if s.presenceHandle != nil {
		s.presenceHandle.Close()
	}

	s.mu.Lock()
	for uid, timer := range s.pending {
		timer.Stop()
		delete(s.pending, uid)
	}
	users := s.users
	s.users = make(map[string]*userAttachment)
	workflows := s.workflows
	s.workflows = make(map[string]func())
	txns := s.txns
	s.txns = make(map[string]func())
	s.mu.Unlock()

	for _, attachment := range users {
		for _, closeFn := range attachment.handles {
			closeFn()
		}
	}
	for _, closeFn := range workflows {
		closeFn()
	}
	for _, closeFn := range txns {
		closeFn()
	}
	s.logger.Info("listener supervisor stopped")
}
