package session

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/kv"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return NewStore(kv.NewMemoryStore(), log)
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in := &State{
		UserID:      "u1",
		CompanyID:   "c1",
		UserContext: map[string]any{"company_name": "Acme"},
		JobsData:    map[string]any{"jobs": []any{}},
	}
	if err := s.Save(ctx, in); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	out, err := s.Load(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if out.UserID != "u1" || out.CompanyID != "c1" {
		t.Errorf("identity mismatch: %+v", out)
	}
	if out.UserContext["company_name"] != "Acme" {
		t.Errorf("user context lost: %+v", out.UserContext)
	}
	if out.CreatedAt.IsZero() || out.UpdatedAt.IsZero() {
		t.Error("timestamps not stamped on save")
	}

	if _, err := s.Load(ctx, "u1", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing session, got %v", err)
	}
}

func TestStore_IsUserOnThread(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if s.IsUserOnThread(ctx, "u1", "c1", "t1") {
		t.Error("missing session must read as not-on-thread")
	}

	if err := s.Save(ctx, &State{UserID: "u1", CompanyID: "c1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.UpdatePresence(ctx, "u1", "c1", true, "t1"); err != nil {
		t.Fatalf("UpdatePresence failed: %v", err)
	}

	if !s.IsUserOnThread(ctx, "u1", "c1", "t1") {
		t.Error("expected on-thread after presence update")
	}
	if s.IsUserOnThread(ctx, "u1", "c1", "t2") {
		t.Error("different thread must not count as active")
	}

	// Leaving the page clears the active thread.
	if err := s.UpdatePresence(ctx, "u1", "c1", false, "t1"); err != nil {
		t.Fatalf("UpdatePresence failed: %v", err)
	}
	if s.IsUserOnThread(ctx, "u1", "c1", "t1") {
		t.Error("expected off-thread after leaving the page")
	}
	state, err := s.Load(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.CurrentActiveThread != "" {
		t.Errorf("active thread must clear when off page, got %q", state.CurrentActiveThread)
	}
}

func TestStore_UpdateThreadActivity(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Save(ctx, &State{UserID: "u1", CompanyID: "c1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if err := s.UpdateThreadActivity(ctx, "u1", "c1", "t1"); err != nil {
		t.Fatalf("UpdateThreadActivity failed: %v", err)
	}

	state, err := s.Load(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	ts := state.Threads["t1"]
	if ts == nil || ts.LastActivity.IsZero() {
		t.Errorf("expected thread activity recorded, got %+v", state.Threads)
	}
}

func TestStore_ListUserSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, cid := range []string{"c1", "c2"} {
		if err := s.Save(ctx, &State{UserID: "u1", CompanyID: cid}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
	}
	if err := s.Save(ctx, &State{UserID: "u2", CompanyID: "c1"}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	sessions, err := s.ListUserSessions(ctx, "u1")
	if err != nil {
		t.Fatalf("ListUserSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Errorf("expected 2 sessions for u1, got %d", len(sessions))
	}
}

func TestTime_TaggedEncoding(t *testing.T) {
	now := Time{time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)}
	raw, err := json.Marshal(now)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(raw), `"__type__":"datetime"`) {
		t.Errorf("expected tagged datetime, got %s", raw)
	}

	var back Time
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.Equal(now.Time) {
		t.Errorf("round trip changed instant: %v != %v", back, now)
	}

	// Bare RFC 3339 strings from older writers still decode.
	var bare Time
	if err := json.Unmarshal([]byte(`"2026-03-14T09:30:00Z"`), &bare); err != nil {
		t.Fatalf("bare string decode failed: %v", err)
	}
	if !bare.Equal(now.Time) {
		t.Errorf("bare decode mismatch: %v", bare)
	}
}

func TestStringSet_TaggedEncoding(t *testing.T) {
	set := NewStringSet("b", "a")
	raw, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	// Members serialise sorted so payloads are deterministic.
	if !strings.Contains(string(raw), `["a","b"]`) {
		t.Errorf("expected sorted members, got %s", raw)
	}
	if !strings.Contains(string(raw), `"__type__":"set"`) {
		t.Errorf("expected tagged set, got %s", raw)
	}

	var back StringSet
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if !back.Has("a") || !back.Has("b") || len(back) != 2 {
		t.Errorf("round trip lost members: %v", back.Members())
	}

	var bare StringSet
	if err := json.Unmarshal([]byte(`["x"]`), &bare); err != nil {
		t.Fatalf("bare array decode failed: %v", err)
	}
	if !bare.Has("x") {
		t.Errorf("bare decode mismatch: %v", bare.Members())
	}
}
