package presence

import (
	"context"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/kv"
)

func newTestRegistry(t *testing.T) (*Registry, docdb.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	doc := docdb.NewMemoryStore()
	reg := NewRegistry(kv.NewMemoryStore(), doc, config.ListenersConfig{TTLSeconds: 60}, log)
	return reg, doc
}

func TestHeartbeatMirrorsBothStores(t *testing.T) {
	ctx := context.Background()
	reg, doc := newTestRegistry(t)

	if err := reg.Heartbeat(ctx, "u1", "sess-1", []string{"c1", "c2"}); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	rec, err := reg.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil || rec.Status != StatusOnline || rec.SessionID != "sess-1" {
		t.Fatalf("kv record = %+v, want online sess-1", rec)
	}
	if len(rec.AuthorizedCompaniesIDs) != 2 {
		t.Errorf("companies = %v, want 2", rec.AuthorizedCompaniesIDs)
	}

	d, err := doc.Get(ctx, reg.DocCollection()+"/u1")
	if err != nil || d == nil {
		t.Fatalf("doc mirror missing: %v %v", d, err)
	}
	if d.Data["status"] != StatusOnline {
		t.Errorf("doc status = %v, want online", d.Data["status"])
	}
}

func TestMarkOfflineKeepsRecord(t *testing.T) {
	ctx := context.Background()
	reg, doc := newTestRegistry(t)

	if err := reg.Heartbeat(ctx, "u1", "sess-1", nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := reg.MarkOffline(ctx, "u1"); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}

	rec, err := reg.Get(ctx, "u1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec == nil || rec.Status != StatusOffline {
		t.Fatalf("record = %+v, want offline", rec)
	}
	// The session id survives the offline write.
	if rec.SessionID != "sess-1" {
		t.Errorf("session id = %q, want preserved", rec.SessionID)
	}

	d, _ := doc.Get(ctx, reg.DocCollection()+"/u1")
	if d == nil || d.Data["status"] != StatusOffline {
		t.Errorf("doc mirror not marked offline: %v", d)
	}

	// Marking an unknown user still writes a record.
	if err := reg.MarkOffline(ctx, "ghost"); err != nil {
		t.Fatalf("MarkOffline unknown user failed: %v", err)
	}
	ghost, _ := reg.Get(ctx, "ghost")
	if ghost == nil || ghost.Status != StatusOffline {
		t.Errorf("ghost record = %+v", ghost)
	}
}

func TestGetUnknownUserIsNil(t *testing.T) {
	reg, _ := newTestRegistry(t)
	rec, err := reg.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec != nil {
		t.Errorf("record = %+v, want nil", rec)
	}
}

func TestIsLiveHonoursTTLWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		rec  *Record
		want bool
	}{
		{"fresh online", &Record{Status: StatusOnline, HeartbeatAt: now.Add(-30 * time.Second), TTLSeconds: 60}, true},
		{"heartbeat at the edge", &Record{Status: StatusOnline, HeartbeatAt: now.Add(-60 * time.Second), TTLSeconds: 60}, true},
		{"stale online", &Record{Status: StatusOnline, HeartbeatAt: now.Add(-61 * time.Second), TTLSeconds: 60}, false},
		{"offline", &Record{Status: StatusOffline, HeartbeatAt: now, TTLSeconds: 60}, false},
		{"nil record", nil, false},
	}
	for _, tc := range cases {
		if got := tc.rec.IsLive(now); got != tc.want {
			t.Errorf("%s: IsLive = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestListOnlineFiltersStale(t *testing.T) {
	ctx := context.Background()
	reg, _ := newTestRegistry(t)
	now := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

	reg.nowFn = func() time.Time { return now.Add(-2 * time.Minute) }
	if err := reg.Heartbeat(ctx, "stale", "s1", nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}

	reg.nowFn = func() time.Time { return now }
	if err := reg.Heartbeat(ctx, "fresh", "s2", nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := reg.Heartbeat(ctx, "gone", "s3", nil); err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if err := reg.MarkOffline(ctx, "gone"); err != nil {
		t.Fatalf("MarkOffline failed: %v", err)
	}

	online, err := reg.ListOnline(ctx)
	if err != nil {
		t.Fatalf("ListOnline failed: %v", err)
	}
	if len(online) != 1 || online[0].UserID != "fresh" {
		t.Errorf("online = %v, want only fresh", userIDs(online))
	}
}

func TestRecordFromDoc(t *testing.T) {
	doc := docdb.Document{
		ID: "u1",
		Data: map[string]any{
			"status":                   StatusOnline,
			"heartbeat_at":             "2026-03-10T09:00:00.5Z",
			"ttl_seconds":              float64(60),
			"authorized_companies_ids": []any{"c1", "c2"},
			"session_id":               "sess-1",
		},
	}
	rec := RecordFromDoc(doc)
	if rec.UserID != "u1" || rec.Status != StatusOnline || rec.TTLSeconds != 60 {
		t.Errorf("record = %+v", rec)
	}
	if rec.HeartbeatAt.IsZero() {
		t.Error("heartbeat not parsed")
	}
	if len(rec.AuthorizedCompaniesIDs) != 2 || rec.SessionID != "sess-1" {
		t.Errorf("record = %+v", rec)
	}
}

func userIDs(recs []*Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.UserID
	}
	return out
}
