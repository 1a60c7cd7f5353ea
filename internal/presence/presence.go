// Package presence tracks user liveness: heartbeat writes mirrored to the KV
// store and the DocDB, the TTL liveness rule, and the per-connection
// heartbeat loop.
package presence

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// Presence statuses.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// docCollection is the DocDB collection watched by the listener supervisor.
const docCollection = "presence"

// Record is one user's presence document, stored in both the KV store and
// the DocDB. A record is live iff status is online and the heartbeat is
// within the TTL window.
type Record struct {
	UserID                 string    `json:"user_id"`
	Status                 string    `json:"status"`
	HeartbeatAt            time.Time `json:"heartbeat_at"`
	TTLSeconds             int       `json:"ttl_seconds"`
	AuthorizedCompaniesIDs []string  `json:"authorized_companies_ids,omitempty"`
	SessionID              string    `json:"session_id,omitempty"`
	BackendRoute           string    `json:"backend_route,omitempty"`
}

// IsLive implements the liveness rule at the given instant.
func (r *Record) IsLive(now time.Time) bool {
	if r == nil || r.Status != StatusOnline {
		return false
	}
	ttl := time.Duration(r.TTLSeconds) * time.Second
	return now.Sub(r.HeartbeatAt) <= ttl
}

// Registry writes and reads presence records in both stores. A single write
// failure is logged, not fatal; the next heartbeat retries.
type Registry struct {
	kv     kv.Store
	doc    docdb.Store
	ttl    int // seconds
	logger *logger.Logger
	nowFn  func() time.Time
}

// NewRegistry creates a registry with the configured presence TTL.
func NewRegistry(store kv.Store, doc docdb.Store, cfg config.ListenersConfig, log *logger.Logger) *Registry {
	return &Registry{
		kv:     store,
		doc:    doc,
		ttl:    cfg.TTLSeconds,
		logger: log.WithFields(zap.String("component", "presence")),
		nowFn:  time.Now,
	}
}

// Heartbeat marks the user online now, mirroring to both stores.
func (r *Registry) Heartbeat(ctx context.Context, userID, sessionID string, companies []string) error {
	rec := Record{
		UserID:                 userID,
		Status:                 StatusOnline,
		HeartbeatAt:            r.nowFn().UTC(),
		TTLSeconds:             r.ttl,
		AuthorizedCompaniesIDs: companies,
		SessionID:              sessionID,
	}
	return r.write(ctx, &rec)
}

// MarkOffline records the disconnect once. The DocDB write drives the
// supervisor's detach.
func (r *Registry) MarkOffline(ctx context.Context, userID string) error {
	rec, err := r.Get(ctx, userID)
	if err != nil || rec == nil {
		rec = &Record{UserID: userID, TTLSeconds: r.ttl}
	}
	rec.Status = StatusOffline
	rec.HeartbeatAt = r.nowFn().UTC()
	return r.write(ctx, rec)
}

func (r *Registry) write(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	var firstErr error
	if err := r.kv.SetEx(ctx, keys.PresenceUser(rec.UserID), raw, keys.TTLPresence); err != nil {
		r.logger.Warn("presence kv write failed", zap.String("user_id", rec.UserID), zap.Error(err))
		firstErr = err
	}

	doc := map[string]any{
		"user_id":      rec.UserID,
		"status":       rec.Status,
		"heartbeat_at": rec.HeartbeatAt.Format(time.RFC3339Nano),
		"ttl_seconds":  rec.TTLSeconds,
	}
	if len(rec.AuthorizedCompaniesIDs) > 0 {
		doc["authorized_companies_ids"] = rec.AuthorizedCompaniesIDs
	}
	if rec.SessionID != "" {
		doc["session_id"] = rec.SessionID
	}
	if err := r.doc.Set(ctx, docCollection+"/"+rec.UserID, doc, true); err != nil {
		r.logger.Warn("presence doc write failed", zap.String("user_id", rec.UserID), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Get reads the KV mirror. Returns (nil, nil) when the user is unknown.
func (r *Registry) Get(ctx context.Context, userID string) (*Record, error) {
	raw, err := r.kv.Get(ctx, keys.PresenceUser(userID))
	if err != nil {
		if err == kv.ErrNotFound || isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func isNotFound(err error) bool {
	for err != nil {
		if err == kv.ErrNotFound {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// ListOnline returns the users currently live according to the KV mirror.
func (r *Registry) ListOnline(ctx context.Context) ([]*Record, error) {
	found, err := r.kv.Scan(ctx, keys.PresenceUser("*"), 100)
	if err != nil {
		return nil, err
	}
	now := r.nowFn()
	var out []*Record
	for _, key := range found {
		raw, err := r.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.IsLive(now) {
			out = append(out, &rec)
		}
	}
	return out, nil
}

// DocCollection is the DocDB collection path supervisors subscribe to.
func (r *Registry) DocCollection() string { return docCollection }

// RecordFromDoc decodes a presence DocDB document into a Record.
func RecordFromDoc(doc docdb.Document) *Record {
	rec := Record{UserID: doc.ID}
	if s, ok := doc.Data["status"].(string); ok {
		rec.Status = s
	}
	if hb, ok := doc.Data["heartbeat_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, hb); err == nil {
			rec.HeartbeatAt = t
		}
	} else if t, ok := doc.Data["heartbeat_at"].(time.Time); ok {
		rec.HeartbeatAt = t
	}
	switch v := doc.Data["ttl_seconds"].(type) {
	case int:
		rec.TTLSeconds = v
	case int64:
		rec.TTLSeconds = int(v)
	case float64:
		rec.TTLSeconds = int(v)
	}
	if ids, ok := doc.Data["authorized_companies_ids"].([]any); ok {
		for _, id := range ids {
			if s, ok := id.(string); ok {
				rec.AuthorizedCompaniesIDs = append(rec.AuthorizedCompaniesIDs, s)
			}
		}
	} else if ids, ok := doc.Data["authorized_companies_ids"].([]string); ok {
		rec.AuthorizedCompaniesIDs = ids
	}
	if sid, ok := doc.Data["session_id"].(string); ok {
		rec.SessionID = sid
	}
	return &rec
}
