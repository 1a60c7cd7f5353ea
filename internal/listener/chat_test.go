package listener

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
	"github.com/comptio/fabric/internal/presence"
	"github.com/comptio/fabric/internal/rtdb"
	ws "github.com/comptio/fabric/pkg/websocket"
)

type stubBroadcaster struct {
	mu   sync.Mutex
	msgs []*ws.Message
}

func (b *stubBroadcaster) BroadcastToUser(_ string, msg *ws.Message) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msgs = append(b.msgs, msg)
	return 1
}

func (b *stubBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.msgs)
}

type stubPresence struct{ onThread bool }

func (p stubPresence) IsUserOnThread(context.Context, string, string, string) bool {
	return p.onThread
}

type cardCall struct {
	cardName  string
	messageID string
	action    string
	message   string
}

type recordingCards struct {
	mu    sync.Mutex
	calls []cardCall
}

func (c *recordingCards) SendCardResponse(_ context.Context, _, _, _, cardName, cardMessageID, action, userMessage string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, cardCall{cardName, cardMessageID, action, userMessage})
	return nil
}

func newTestSupervisor(t *testing.T, onThread bool) (*Supervisor, *rtdb.MemoryStore, kv.Store, *stubBroadcaster) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	cfg := &config.Config{}
	cfg.Chat.BucketOrder = []string{"active_chats", "chats", "job_chats"}
	cfg.Listeners.TTLSeconds = 60

	doc := docdb.NewMemoryStore()
	tree := rtdb.NewMemoryStore()
	store := kv.NewMemoryStore()
	hub := &stubBroadcaster{}
	registry := presence.NewRegistry(store, doc, cfg.Listeners, log)

	s := New(doc, tree, store, registry, hub, stubPresence{onThread: onThread}, keys.DefaultChannels(), cfg, log)
	return s, tree, store, hub
}

func TestResolveChatBucket(t *testing.T) {
	ctx := context.Background()
	s, tree, _, _ := newTestSupervisor(t, true)

	if err := tree.Set(ctx, "space1/chats/t1", map[string]any{"name": "Thread one"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	bucket, err := s.ResolveChatBucket(ctx, "space1", "t1", "")
	if err != nil {
		t.Fatalf("ResolveChatBucket failed: %v", err)
	}
	if bucket != "chats" {
		t.Errorf("bucket = %s, want chats", bucket)
	}

	// Forced bucket short-circuits the probe order.
	bucket, err = s.ResolveChatBucket(ctx, "space1", "t1", "job_chats")
	if err != nil || bucket != "job_chats" {
		t.Errorf("forced bucket = %s %v, want job_chats", bucket, err)
	}

	// Unknown threads land in the first configured bucket.
	bucket, err = s.ResolveChatBucket(ctx, "space1", "brand-new", "")
	if err != nil || bucket != "active_chats" {
		t.Errorf("new thread bucket = %s %v, want active_chats", bucket, err)
	}
}

func TestChatWatcher_BroadcastsAndPublishes(t *testing.T) {
	ctx := context.Background()
	s, tree, store, hub := newTestSupervisor(t, true)

	if err := tree.Set(ctx, "space1/chats/t1", map[string]any{"name": "Thread one"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	sub, err := store.Subscribe(ctx, s.channels.Chat("u1", "space1", "t1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	detach, err := s.AttachChatWatcher(ctx, "u1", "space1", "t1", "")
	if err != nil {
		t.Fatalf("AttachChatWatcher failed: %v", err)
	}
	defer detach()

	// The listener record registers the attachment.
	if ok, _ := store.Exists(ctx, keys.ListenerRecord("u1", "chat", "space1", "t1")); !ok {
		t.Error("listener record missing after attach")
	}

	if _, err := tree.Push(ctx, "space1/chats/t1/messages", map[string]any{
		"role":    "assistant",
		"content": "bonjour",
	}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	// KV publication always happens.
	select {
	case got := <-sub.C:
		var frame ws.Message
		if err := json.Unmarshal(got.Payload, &frame); err != nil {
			t.Fatalf("published frame undecodable: %v", err)
		}
		if frame.Type != ws.EventChatMessage {
			t.Errorf("published type = %s, want chat.message", frame.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no KV publication for the chat message")
	}

	// User on this thread: WebSocket broadcast too.
	if hub.count() != 1 {
		t.Errorf("broadcasts = %d, want 1", hub.count())
	}
}

func TestChatWatcher_NoBroadcastWhenUserAway(t *testing.T) {
	ctx := context.Background()
	s, tree, store, hub := newTestSupervisor(t, false)

	if err := tree.Set(ctx, "space1/chats/t1", map[string]any{"name": "Thread one"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	sub, err := store.Subscribe(ctx, s.channels.Chat("u1", "space1", "t1"))
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Close()

	detach, err := s.AttachChatWatcher(ctx, "u1", "space1", "t1", "")
	if err != nil {
		t.Fatalf("AttachChatWatcher failed: %v", err)
	}

	if _, err := tree.Push(ctx, "space1/chats/t1/messages", map[string]any{"content": "hi"}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	select {
	case <-sub.C:
	case <-time.After(time.Second):
		t.Fatal("KV publication missing for an away user")
	}
	if hub.count() != 0 {
		t.Errorf("broadcasts = %d, want 0 while the user is away", hub.count())
	}

	// Detach removes the listener record.
	detach()
	if ok, _ := store.Exists(ctx, keys.ListenerRecord("u1", "chat", "space1", "t1")); ok {
		t.Error("listener record survived detach")
	}
}

func TestChatWatcher_CardActionRoutesToRuntime(t *testing.T) {
	ctx := context.Background()
	s, tree, _, hub := newTestSupervisor(t, true)
	cards := &recordingCards{}
	s.SetCardRouter(cards)

	if err := tree.Set(ctx, "space1/chats/t1", map[string]any{"name": "Thread one"}); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	detach, err := s.AttachChatWatcher(ctx, "u1", "space1", "t1", "")
	if err != nil {
		t.Fatalf("AttachChatWatcher failed: %v", err)
	}
	defer detach()

	if _, err := tree.Push(ctx, "space1/chats/t1/messages", map[string]any{
		"action":          "approve",
		"card_name":       "plan_card",
		"collection_name": "c1",
		"message":         "looks good",
	}); err != nil {
		t.Fatalf("Push failed: %v", err)
	}

	cards.mu.Lock()
	calls := append([]cardCall(nil), cards.calls...)
	cards.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("card calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.action != "approve" || call.cardName != "plan_card" || call.message != "looks good" {
		t.Errorf("card call = %+v", call)
	}
	if call.messageID == "" {
		t.Error("message id missing from card call")
	}

	// Card actions never hit the chat broadcast path.
	if hub.count() != 0 {
		t.Errorf("broadcasts = %d, want 0 for a card action", hub.count())
	}
}
