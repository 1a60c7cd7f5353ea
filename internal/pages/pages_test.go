package pages

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/cache"
	"github.com/comptio/fabric/internal/clients"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/kv"
	"github.com/comptio/fabric/internal/session"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewRunner(cache.NewManager(kv.NewMemoryStore(), log), time.Minute, log)
}

func pageMeta(t *testing.T, out map[string]any) Meta {
	t.Helper()
	meta, ok := out["meta"].(Meta)
	if !ok {
		t.Fatalf("meta block = %T %v", out["meta"], out["meta"])
	}
	return meta
}

func TestRunner_LiveThenCached(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t)

	var fetches atomic.Int64
	sections := []Section{{
		Name:    "invoices",
		Default: []map[string]any{},
		Fetch: func(context.Context) (any, error) {
			fetches.Add(1)
			return []map[string]any{{"id": "inv-1"}}, nil
		},
	}}

	out, err := r.Run(ctx, "u1", "c1", ModuleInvoices, false, sections)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	meta := pageMeta(t, out)
	if meta.CacheHit || meta.DataFreshness != FreshnessLive {
		t.Errorf("first run meta = %+v, want live miss", meta)
	}
	if meta.CacheTTL != 60 {
		t.Errorf("cacheTTL = %d, want 60", meta.CacheTTL)
	}
	if fetches.Load() != 1 {
		t.Fatalf("fetches = %d, want 1", fetches.Load())
	}

	out, err = r.Run(ctx, "u1", "c1", ModuleInvoices, false, sections)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	meta = pageMeta(t, out)
	if !meta.CacheHit || meta.DataFreshness != FreshnessCached {
		t.Errorf("second run meta = %+v, want cache hit", meta)
	}
	if meta.CachedAt == "" {
		t.Error("cached hit lost its cachedAt stamp")
	}
	if fetches.Load() != 1 {
		t.Errorf("fetches after hit = %d, want still 1", fetches.Load())
	}
}

func TestRunner_SectionFailureDegradesToPartial(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t)

	sections := []Section{
		{
			Name:    "company",
			Default: map[string]any{},
			Fetch: func(context.Context) (any, error) {
				return nil, errors.New("erp down")
			},
		},
		{
			Name:    "notifications",
			Default: []map[string]any{},
			Fetch: func(context.Context) (any, error) {
				return []map[string]any{{"id": "n1"}}, nil
			},
		},
	}

	out, err := r.Run(ctx, "u1", "c1", ModuleDashboard, false, sections)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	meta := pageMeta(t, out)
	if meta.DataFreshness != FreshnessPartial {
		t.Errorf("freshness = %s, want partial", meta.DataFreshness)
	}
	company, ok := out["company"].(map[string]any)
	if !ok || len(company) != 0 {
		t.Errorf("failed section = %v, want its empty default", out["company"])
	}
	notifications, ok := out["notifications"].([]map[string]any)
	if !ok || len(notifications) != 1 {
		t.Errorf("healthy section = %v, want its fetched value", out["notifications"])
	}
}

func TestRunner_ForceRefreshBypassesCache(t *testing.T) {
	ctx := context.Background()
	r := newTestRunner(t)

	var fetches atomic.Int64
	sections := []Section{{
		Name:    "accounts",
		Default: []map[string]any{},
		Fetch: func(context.Context) (any, error) {
			fetches.Add(1)
			return []map[string]any{{"number": "6000"}}, nil
		},
	}}

	if _, err := r.Run(ctx, "u1", "c1", ModuleCOA, false, sections); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	out, err := r.Run(ctx, "u1", "c1", ModuleCOA, true, sections)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if fetches.Load() != 2 {
		t.Errorf("fetches = %d, want a refetch on force refresh", fetches.Load())
	}
	meta := pageMeta(t, out)
	if meta.CacheHit || meta.DataFreshness != FreshnessLive {
		t.Errorf("forced refresh meta = %+v, want live", meta)
	}
}

func TestHandlers_InvoicesBucketsSessionJobs(t *testing.T) {
	ctx := context.Background()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	kvs := kv.NewMemoryStore()
	sessions := session.NewStore(kvs, log)
	runner := NewRunner(cache.NewManager(kvs, log), time.Minute, log)
	h := NewHandlers(runner, sessions, docdb.NewMemoryStore(), clients.NewUnconfigured())

	if err := sessions.Save(ctx, &session.State{UserID: "u1", CompanyID: "c1"}); err != nil {
		t.Fatalf("Save session failed: %v", err)
	}
	jobs := map[string]any{"jobs": []any{
		map[string]any{"job_id": "j1", "status": "todo"},
		map[string]any{"job_id": "j2", "status": "completed"},
	}}
	if err := sessions.UpdateJobsData(ctx, "u1", "c1", jobs, map[string]any{"total": 2}); err != nil {
		t.Fatalf("UpdateJobsData failed: %v", err)
	}

	out, err := h.Invoices(ctx, "u1", "c1", false)
	if err != nil {
		t.Fatalf("Invoices failed: %v", err)
	}
	buckets, ok := out["jobs"].(map[string][]map[string]any)
	if !ok {
		t.Fatalf("jobs block = %T", out["jobs"])
	}
	if len(buckets[BucketToDo]) != 1 || len(buckets[BucketProcessed]) != 1 {
		t.Errorf("buckets = todo:%d processed:%d, want 1 each",
			len(buckets[BucketToDo]), len(buckets[BucketProcessed]))
	}
	// Unconfigured ERP degrades to an empty invoice list, not a failure.
	if meta := pageMeta(t, out); meta.DataFreshness != FreshnessLive {
		t.Errorf("freshness = %s, want live", meta.DataFreshness)
	}
}
