package chat

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

func TestStore_AppendMaintainsCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.AppendMessage(ctx, "u1", "c1", "t1", Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.AppendMessagesBatch(ctx, "u1", "c1", "t1", []Message{
		{Role: "assistant", Content: "hi"},
		{Role: "user", Content: "status?"},
	}); err != nil {
		t.Fatalf("AppendMessagesBatch failed: %v", err)
	}

	h, err := s.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(h.Messages) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(h.Messages))
	}
	if h.MessageCount != len(h.Messages) {
		t.Errorf("message_count %d out of sync with %d messages", h.MessageCount, len(h.Messages))
	}
	for _, m := range h.Messages {
		if m.CreatedAt.IsZero() {
			t.Errorf("message %q missing created_at", m.Content)
		}
	}
}

func TestStore_ClearMessagesKeepsSystemPrompt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpdateSystemPrompt(ctx, "u1", "c1", "t1", "You are the accounting assistant."); err != nil {
		t.Fatalf("UpdateSystemPrompt failed: %v", err)
	}
	if err := s.AppendMessage(ctx, "u1", "c1", "t1", Message{Role: "user", Content: "hello"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	if err := s.ClearMessages(ctx, "u1", "c1", "t1", true); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	h, err := s.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(h.Messages) != 0 || h.MessageCount != 0 {
		t.Errorf("messages not cleared: %d (count %d)", len(h.Messages), h.MessageCount)
	}
	if h.SystemPrompt == "" {
		t.Error("system prompt must survive keepSystemPrompt=true")
	}

	if err := s.ClearMessages(ctx, "u1", "c1", "t1", false); err != nil {
		t.Fatalf("ClearMessages failed: %v", err)
	}
	h, _ = s.Load(ctx, "u1", "c1", "t1")
	if h.SystemPrompt != "" {
		t.Error("system prompt must drop with keepSystemPrompt=false")
	}

	// Clearing a thread that never existed is a no-op.
	if err := s.ClearMessages(ctx, "u1", "c1", "missing", true); err != nil {
		t.Errorf("ClearMessages on missing thread: %v", err)
	}
}

func TestStore_ToolBlocksRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg := Message{
		Role:    "assistant",
		Content: "Dispatching the batch.",
		ToolCalls: []ToolCall{
			{ID: "call_1", Name: "DISPATCH_LPT", Input: map[string]any{"reason": "bookkeeping"}},
		},
	}
	if err := s.AppendMessage(ctx, "u1", "c1", "t1", msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.AppendMessage(ctx, "u1", "c1", "t1", Message{
		Role: "tool",
		ToolResults: []ToolResult{
			{CallID: "call_1", Name: "DISPATCH_LPT", Content: map[string]any{"dispatched": true}},
		},
	}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	msgs, err := s.GetMessages(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if len(msgs[0].ToolCalls) != 1 || msgs[0].ToolCalls[0].ID != "call_1" {
		t.Errorf("tool call lost: %+v", msgs[0])
	}
	if len(msgs[1].ToolResults) != 1 || msgs[1].ToolResults[0].CallID != "call_1" {
		t.Errorf("tool result lost: %+v", msgs[1])
	}
}

func TestStore_EstimateTokenCount(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Missing history estimates to zero.
	n, err := s.EstimateTokenCount(ctx, "u1", "c1", "t1")
	if err != nil || n != 0 {
		t.Fatalf("expected 0 tokens for missing thread, got %d, %v", n, err)
	}

	if err := s.UpdateSystemPrompt(ctx, "u1", "c1", "t1", "abcd"); err != nil {
		t.Fatalf("UpdateSystemPrompt failed: %v", err)
	}
	if err := s.AppendMessage(ctx, "u1", "c1", "t1", Message{Role: "user", Content: "abcdabcd"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	n, err = s.EstimateTokenCount(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("EstimateTokenCount failed: %v", err)
	}
	if n != 3 { // 12 chars / 4
		t.Errorf("expected 3 tokens, got %d", n)
	}
}

func TestStore_UpdateStatusRequiresHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.UpdateStatus(ctx, "u1", "c1", "t1", StatusTerminated); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.AppendMessage(ctx, "u1", "c1", "t1", Message{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	if err := s.UpdateStatus(ctx, "u1", "c1", "t1", StatusTerminated); err != nil {
		t.Fatalf("UpdateStatus failed: %v", err)
	}
	h, _ := s.Load(ctx, "u1", "c1", "t1")
	if h.Status != StatusTerminated {
		t.Errorf("expected terminated, got %q", h.Status)
	}
}

func TestStore_ListUserChats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for _, thread := range []string{"t1", "t2"} {
		if err := s.AppendMessage(ctx, "u1", "c1", thread, Message{Role: "user", Content: "x"}); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	if err := s.AppendMessage(ctx, "u1", "c2", "t9", Message{Role: "user", Content: "x"}); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}

	threads, err := s.ListUserChats(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("ListUserChats failed: %v", err)
	}
	if len(threads) != 2 {
		t.Errorf("expected 2 threads, got %v", threads)
	}
}
