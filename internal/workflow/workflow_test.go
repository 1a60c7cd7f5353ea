package workflow

import (
	"context"
	"errors"
	"testing"

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

func mustStart(t *testing.T, s *Store, mode string) {
	t.Helper()
	if _, err := s.Start(context.Background(), "u1", "c1", "t1", mode); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
}

func TestStart_IdempotentWhileLive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, err := s.Start(ctx, "u1", "c1", "t1", ModeUI)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if first.Status != StatusRunning || first.Mode != ModeUI || !first.UserPresent {
		t.Errorf("unexpected initial state: %+v", first)
	}

	// A second start on a live workflow returns the existing record.
	again, err := s.Start(ctx, "u1", "c1", "t1", ModeBackend)
	if err != nil {
		t.Fatalf("second Start failed: %v", err)
	}
	if again.Mode != ModeUI {
		t.Errorf("second Start must not reset mode, got %q", again.Mode)
	}

	// Once completed a start creates a fresh record.
	if err := s.End(ctx, "u1", "c1", "t1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	fresh, err := s.Start(ctx, "u1", "c1", "t1", ModeBackend)
	if err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if fresh.Status != StatusRunning || fresh.Mode != ModeBackend || fresh.UserPresent {
		t.Errorf("unexpected restarted state: %+v", fresh)
	}
}

func TestQueueUserMessage_PausesRunning(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeBackend)

	res, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "  check the invoices  ")
	if err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}
	if !res.Queued || res.IsTerminate {
		t.Errorf("unexpected queue result: %+v", res)
	}
	if res.Action != ActionPauseWorkflow {
		t.Errorf("expected pause_workflow, got %q", res.Action)
	}
	if res.CleanMessage != "check the invoices" {
		t.Errorf("message not trimmed: %q", res.CleanMessage)
	}

	state, err := s.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.Status != StatusPaused || state.PauseReason != PauseReasonUserMessage {
		t.Errorf("expected paused/user_message, got %s/%s", state.Status, state.PauseReason)
	}
	if state.PendingUserMessage != "check the invoices" {
		t.Errorf("pending message mismatch: %q", state.PendingUserMessage)
	}
}

func TestQueueUserMessage_TerminateResumesUI(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeBackend)

	if _, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "wait"); err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}

	res, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "OK continue TERMINATE")
	if err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}
	if !res.IsTerminate || res.Action != ActionResumeWorkflowUI {
		t.Errorf("expected terminate/resume_workflow_ui, got %+v", res)
	}
	if res.CleanMessage != "OK continue" {
		t.Errorf("sentinel not stripped: %q", res.CleanMessage)
	}
	if res.Mode != ModeUI {
		t.Errorf("expected UI mode, got %q", res.Mode)
	}

	state, _ := s.Load(ctx, "u1", "c1", "t1")
	if state.Status != StatusRunning || state.Mode != ModeUI || !state.UserPresent {
		t.Errorf("expected running UI with user present, got %+v", state)
	}
	// Lowercase suffix counts too.
	res, err = s.QueueUserMessage(ctx, "u1", "c1", "t1", "done terminate")
	if err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}
	if !res.IsTerminate || res.CleanMessage != "done" {
		t.Errorf("case-insensitive sentinel not honoured: %+v", res)
	}
}

func TestUserLeft_ResumesPausedOnce(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeUI)

	if _, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "look into this"); err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}

	left, err := s.UserLeft(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("UserLeft failed: %v", err)
	}
	if !left.NeedsResume || left.ResumeReason != PauseReasonUserLeft || left.NewMode != ModeBackend {
		t.Errorf("expected one backend resume, got %+v", left)
	}

	// Leaving again does not trigger a second resume.
	left, err = s.UserLeft(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("second UserLeft failed: %v", err)
	}
	if left.NeedsResume {
		t.Error("resume must fire exactly once")
	}
}

func TestUserLeft_WaitingLPTKeepsWaiting(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeUI)

	if err := s.SetWaitingForLPT(ctx, "u1", "c1", "t1", &LPTInfo{BatchID: "b1"}); err != nil {
		t.Fatalf("SetWaitingForLPT failed: %v", err)
	}

	left, err := s.UserLeft(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("UserLeft failed: %v", err)
	}
	if left.NeedsResume {
		t.Error("waiting_lpt must not resume on user_left")
	}

	state, _ := s.Load(ctx, "u1", "c1", "t1")
	if state.Status != StatusWaitingLPT || state.Mode != ModeBackend {
		t.Errorf("expected waiting_lpt in BACKEND, got %s/%s", state.Status, state.Mode)
	}
}

func TestWaitingLPT_SetAndClear(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeBackend)

	info := &LPTInfo{BatchID: "b1", Reason: "batch bookkeeping", ExpectedLPT: "APBookeeper"}
	if err := s.SetWaitingForLPT(ctx, "u1", "c1", "t1", info); err != nil {
		t.Fatalf("SetWaitingForLPT failed: %v", err)
	}

	// Suspending twice is invalid: the workflow is no longer running.
	if err := s.SetWaitingForLPT(ctx, "u1", "c1", "t1", info); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	got, err := s.ClearWaitingLPT(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("ClearWaitingLPT failed: %v", err)
	}
	if got == nil || got.BatchID != "b1" || got.ExpectedLPT != "APBookeeper" {
		t.Errorf("stored info lost: %+v", got)
	}

	state, _ := s.Load(ctx, "u1", "c1", "t1")
	if state.Status != StatusRunning || state.WaitingLPTInfo != nil {
		t.Errorf("expected running with info cleared, got %+v", state)
	}

	if _, err := s.ClearWaitingLPT(ctx, "u1", "c1", "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("clearing a running workflow must fail, got %v", err)
	}
}

func TestTakePendingMessage(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeBackend)

	if _, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "pending note"); err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}

	msg, err := s.TakePendingMessage(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("TakePendingMessage failed: %v", err)
	}
	if msg != "pending note" {
		t.Errorf("expected pending note, got %q", msg)
	}

	msg, err = s.TakePendingMessage(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("second TakePendingMessage failed: %v", err)
	}
	if msg != "" {
		t.Errorf("pending message must clear after take, got %q", msg)
	}
}

func TestIncrementTurn(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeUI)

	for want := 1; want <= 3; want++ {
		turn, err := s.IncrementTurn(ctx, "u1", "c1", "t1")
		if err != nil {
			t.Fatalf("IncrementTurn failed: %v", err)
		}
		if turn != want {
			t.Errorf("expected turn %d, got %d", want, turn)
		}
	}
}

func TestEventsOnMissingWorkflow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.UserEntered(ctx, "u1", "c1", "t1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCompletedRejectsEvents(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	mustStart(t, s, ModeUI)

	if err := s.End(ctx, "u1", "c1", "t1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	if _, err := s.UserEntered(ctx, "u1", "c1", "t1"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
	if _, err := s.QueueUserMessage(ctx, "u1", "c1", "t1", "hello"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}
