// Package pages serves the read-model behind the dashboard surfaces. Every
// handler follows the same contract: cache-first read, parallel sub-fetches
// with partial-failure tolerance, a meta block describing freshness, and a
// write-through back to the cache.
package pages

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/comptio/fabric/internal/cache"
	"github.com/comptio/fabric/internal/common/logger"
)

// Data freshness values reported in meta.
const (
	FreshnessLive    = "live"
	FreshnessCached  = "cached"
	FreshnessPartial = "partial"
)

// fullDataSubType is the cache sub-key every page stores its payload under.
const fullDataSubType = "full_data"

// Section is one parallel sub-fetch of a page. When Fetch fails the section
// resolves to Default and the page degrades to partial freshness instead of
// failing outright.
type Section struct {
	Name    string
	Fetch   func(ctx context.Context) (any, error)
	Default any
}

// Meta describes how the payload was produced.
type Meta struct {
	RequestID     string `json:"requestId"`
	CachedAt      string `json:"cachedAt,omitempty"`
	CacheHit      bool   `json:"cacheHit"`
	CacheTTL      int    `json:"cacheTTL"`
	DurationMs    int64  `json:"durationMs"`
	DataFreshness string `json:"dataFreshness"`
}

// Runner implements the page contract generically; concrete pages only
// declare their sections.
type Runner struct {
	cache  *cache.Manager
	ttl    time.Duration
	logger *logger.Logger
}

// NewRunner builds a Runner. ttl is the page cache lifetime.
func NewRunner(c *cache.Manager, ttl time.Duration, log *logger.Logger) *Runner {
	return &Runner{cache: c, ttl: ttl, logger: log.WithFields(zap.String("component", "pages"))}
}

// Run produces the page payload for one (user, company, module) triple.
func (r *Runner) Run(ctx context.Context, userID, companyID, module string, forceRefresh bool, sections []Section) (map[string]any, error) {
	start := time.Now()
	meta := Meta{
		RequestID: uuid.NewString(),
		CacheTTL:  int(r.ttl.Seconds()),
	}

	if !forceRefresh {
		if cached, ok := r.cache.Get(ctx, userID, companyID, module, fullDataSubType); ok {
			if data, ok := cached.(map[string]any); ok {
				meta.CacheHit = true
				meta.DataFreshness = FreshnessCached
				if at, ok := data["_cached_at"].(string); ok {
					meta.CachedAt = at
				}
				meta.DurationMs = time.Since(start).Milliseconds()
				data["meta"] = meta
				return data, nil
			}
		}
	}

	data := make(map[string]any, len(sections)+2)
	results := make([]any, len(sections))
	failed := make([]bool, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	for i := range sections {
		i := i
		section := sections[i]
		g.Go(func() error {
			value, err := section.Fetch(gctx)
			if err != nil {
				r.logger.WithError(err).Warn("page section failed",
					zap.String("module", module),
					zap.String("section", section.Name))
				results[i] = section.Default
				failed[i] = true
				return nil
			}
			results[i] = value
			return nil
		})
	}
	// Section errors never propagate; the group only fails on context death.
	if err := g.Wait(); err != nil {
		return nil, err
	}

	partial := false
	for i, section := range sections {
		data[section.Name] = results[i]
		if failed[i] {
			partial = true
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	data["_cached_at"] = now
	r.cache.Set(ctx, userID, companyID, module, fullDataSubType, data, r.ttl, "pages")

	meta.CachedAt = now
	meta.DataFreshness = FreshnessLive
	if partial {
		meta.DataFreshness = FreshnessPartial
	}
	meta.DurationMs = time.Since(start).Milliseconds()
	data["meta"] = meta
	return data, nil
}
