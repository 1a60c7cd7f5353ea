// Package cache is the unified business-data cache: cache-first reads,
// write-through invalidation and SCAN-based module flushes. Cache failures
// are never fatal: read errors count as misses, write errors are logged.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// deleteBatchSize caps one Delete call during a module invalidation.
const deleteBatchSize = 1000

// Entry wraps every cached payload with its provenance metadata.
type Entry struct {
	Data       any       `json:"data"`
	CachedAt   time.Time `json:"cached_at"`
	TTLSeconds int       `json:"ttl_seconds"`
	Source     string    `json:"source"`
}

// Stats summarises the live entries of one user/company scope.
type Stats struct {
	Keys    []string `json:"keys"`
	Entries int      `json:"entries"`
	Bytes   int      `json:"bytes"`
}

// Manager provides the cache contract on the KV store.
type Manager struct {
	kv     kv.Store
	group  singleflight.Group
	logger *logger.Logger
}

// NewManager creates a cache manager.
func NewManager(store kv.Store, log *logger.Logger) *Manager {
	return &Manager{kv: store, logger: log.WithFields(zap.String("component", "cache"))}
}

// Get returns the cached payload, or (nil, false) on a miss. An empty-list
// payload is treated as a miss and deleted.
func (m *Manager) Get(ctx context.Context, userID, companyID, dataType, subType string) (any, bool) {
	key := keys.Cache(userID, companyID, dataType, subType)
	raw, err := m.kv.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			m.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		}
		metrics.CacheMissesTotal.WithLabelValues(dataType).Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		m.logger.Warn("undecodable cache entry", zap.String("key", key), zap.Error(err))
		_ = m.kv.Delete(ctx, key)
		metrics.CacheMissesTotal.WithLabelValues(dataType).Inc()
		return nil, false
	}

	if list, ok := entry.Data.([]any); ok && len(list) == 0 {
		_ = m.kv.Delete(ctx, key)
		metrics.CacheMissesTotal.WithLabelValues(dataType).Inc()
		return nil, false
	}

	metrics.CacheHitsTotal.WithLabelValues(dataType).Inc()
	return entry.Data, true
}

// Set writes a payload with its metadata wrapper. Errors are logged, never
// surfaced.
func (m *Manager) Set(ctx context.Context, userID, companyID, dataType, subType string, data any, ttl time.Duration, source string) {
	key := keys.Cache(userID, companyID, dataType, subType)
	entry := Entry{
		Data:       data,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: int(ttl / time.Second),
		Source:     source,
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("cache marshal failed", zap.String("key", key), zap.Error(err))
		return
	}
	if err := m.kv.SetEx(ctx, key, raw, ttl); err != nil {
		m.logger.Warn("cache write failed", zap.String("key", key), zap.Error(err))
	}
}

// Invalidate drops one entry.
func (m *Manager) Invalidate(ctx context.Context, userID, companyID, dataType, subType string) {
	key := keys.Cache(userID, companyID, dataType, subType)
	if err := m.kv.Delete(ctx, key); err != nil {
		m.logger.Warn("cache invalidate failed", zap.String("key", key), zap.Error(err))
	}
}

// InvalidateModule drops every entry of one module after a CRUD, batching
// deletes at 1000 keys.
func (m *Manager) InvalidateModule(ctx context.Context, userID, companyID, dataType string) int {
	// Both the bare module key and its sub-typed entries.
	found, err := m.kv.Scan(ctx, keys.CacheModulePattern(userID, companyID, dataType), 100)
	if err != nil {
		m.logger.Warn("cache scan failed", zap.String("data_type", dataType), zap.Error(err))
		return 0
	}
	found = append(found, keys.Cache(userID, companyID, dataType, ""))

	deleted := 0
	for start := 0; start < len(found); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(found) {
			end = len(found)
		}
		if err := m.kv.Delete(ctx, found[start:end]...); err != nil {
			m.logger.Warn("cache batch delete failed", zap.String("data_type", dataType), zap.Error(err))
			continue
		}
		deleted += end - start
	}
	return deleted
}

// Stats reports the live entries of one scope; dataType may be empty for the
// whole user/company scope.
func (m *Manager) Stats(ctx context.Context, userID, companyID, dataType string) (*Stats, error) {
	pattern := keys.Cache(userID, companyID, "*", "")
	if dataType != "" {
		pattern = keys.CacheModulePattern(userID, companyID, dataType)
	}
	found, err := m.kv.Scan(ctx, pattern, 100)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Keys: found, Entries: len(found)}
	for _, key := range found {
		raw, err := m.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		stats.Bytes += len(raw)
	}
	return stats, nil
}

// Fetch is the cache-first read path: on a miss the rebuild function runs at
// most once per key across concurrent callers and the result is written
// through.
func (m *Manager) Fetch(ctx context.Context, userID, companyID, dataType, subType string, ttl time.Duration, source string, rebuild func(context.Context) (any, error)) (any, bool, error) {
	if data, ok := m.Get(ctx, userID, companyID, dataType, subType); ok {
		return data, true, nil
	}

	key := keys.Cache(userID, companyID, dataType, subType)
	data, err, _ := m.group.Do(key, func() (any, error) {
		fresh, err := rebuild(ctx)
		if err != nil {
			return nil, err
		}
		m.Set(ctx, userID, companyID, dataType, subType, fresh, ttl, source)
		return fresh, nil
	})
	if err != nil {
		return nil, false, err
	}
	return data, false, nil
}
