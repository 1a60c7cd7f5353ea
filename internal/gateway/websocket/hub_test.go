package websocket

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
	ws "github.com/comptio/fabric/pkg/websocket"
)

func newTestHub(t *testing.T) (*Hub, kv.Store, *logger.Logger) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	store := kv.NewMemoryStore()
	return NewHub(store, ws.NewDispatcher(), log), store, log
}

func newTestClient(hub *Hub, log *logger.Logger, id, userID string) *Client {
	c := NewClient(id, nil, hub, time.Second, 8, log)
	c.UserID = userID
	return c
}

func TestBroadcastToUser_ReachesEverySocketOfThatUser(t *testing.T) {
	hub, _, log := newTestHub(t)

	a1 := newTestClient(hub, log, "a1", "alice")
	a2 := newTestClient(hub, log, "a2", "alice")
	b1 := newTestClient(hub, log, "b1", "bob")
	hub.addClient(a1)
	hub.addClient(a2)
	hub.addClient(b1)

	msg := ws.MustMessage(ws.EventChatMessage, map[string]any{"content": "hello"})
	if sent := hub.BroadcastToUser("alice", msg); sent != 2 {
		t.Fatalf("sent = %d, want 2", sent)
	}

	for _, c := range []*Client{a1, a2} {
		select {
		case frame := <-c.send:
			var decoded ws.Message
			if err := json.Unmarshal(frame, &decoded); err != nil || decoded.Type != ws.EventChatMessage {
				t.Fatalf("client %s frame = %q %v", c.ID, frame, err)
			}
		default:
			t.Fatalf("client %s received nothing", c.ID)
		}
	}
	select {
	case <-b1.send:
		t.Fatal("bob received alice's frame")
	default:
	}

	if hub.ClientCount() != 3 || hub.UserCount() != 2 {
		t.Errorf("counts = %d clients / %d users", hub.ClientCount(), hub.UserCount())
	}
}

func TestBroadcastToThread_BuffersForAbsentUserAndDrains(t *testing.T) {
	ctx := context.Background()
	hub, store, log := newTestHub(t)

	msg := ws.MustMessage(ws.EventChatMessage, map[string]any{"thread_key": "t1", "content": "while you were away"})
	if err := hub.BroadcastToThread(ctx, "alice", "t1", msg); err != nil {
		t.Fatalf("BroadcastToThread failed: %v", err)
	}

	key := keys.PendingWSMessages("alice", "t1")
	n, err := store.LLen(ctx, key)
	if err != nil || n != 1 {
		t.Fatalf("pending buffer length = %d %v, want 1", n, err)
	}

	// Reconnect: the buffer replays once, then empties.
	c := newTestClient(hub, log, "a1", "alice")
	hub.addClient(c)
	if drained := hub.DrainPendingMessages(ctx, c, "t1"); drained != 1 {
		t.Fatalf("drained = %d, want 1", drained)
	}
	select {
	case frame := <-c.send:
		var decoded ws.Message
		if err := json.Unmarshal(frame, &decoded); err != nil {
			t.Fatalf("replayed frame undecodable: %v", err)
		}
		if decoded.Type != ws.EventChatMessage {
			t.Errorf("replayed type = %s", decoded.Type)
		}
	default:
		t.Fatal("nothing replayed onto the socket")
	}

	if n, _ := store.LLen(ctx, key); n != 0 {
		t.Errorf("buffer not deleted after drain: %d", n)
	}
	if drained := hub.DrainPendingMessages(ctx, c, "t1"); drained != 0 {
		t.Errorf("second drain replayed %d frames", drained)
	}
}

func TestBroadcastToThread_PrefersLiveSocket(t *testing.T) {
	ctx := context.Background()
	hub, store, log := newTestHub(t)

	c := newTestClient(hub, log, "a1", "alice")
	hub.addClient(c)

	msg := ws.MustMessage(ws.EventChatMessage, map[string]any{"thread_key": "t1"})
	if err := hub.BroadcastToThread(ctx, "alice", "t1", msg); err != nil {
		t.Fatalf("BroadcastToThread failed: %v", err)
	}
	select {
	case <-c.send:
	default:
		t.Fatal("live socket received nothing")
	}
	if n, _ := store.LLen(ctx, keys.PendingWSMessages("alice", "t1")); n != 0 {
		t.Errorf("frame buffered despite a live socket: %d", n)
	}
}

func TestRemoveClient_ClosesSendAndPrunesUser(t *testing.T) {
	hub, _, log := newTestHub(t)

	a1 := newTestClient(hub, log, "a1", "alice")
	a2 := newTestClient(hub, log, "a2", "alice")
	hub.addClient(a1)
	hub.addClient(a2)

	hub.removeClient(a1)
	if !hub.IsUserConnected("alice") {
		t.Fatal("alice dropped while a socket remains")
	}
	if _, open := <-a1.send; open {
		t.Error("removed client's send channel still open")
	}

	hub.removeClient(a2)
	if hub.IsUserConnected("alice") {
		t.Error("alice still indexed with no sockets")
	}

	// Double remove is a no-op.
	hub.removeClient(a2)
	if hub.ClientCount() != 0 {
		t.Errorf("client count = %d, want 0", hub.ClientCount())
	}
}

func TestRunLoop_RegisterAndShutdown(t *testing.T) {
	hub, _, log := newTestHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(done)
	}()

	c := newTestClient(hub, log, "a1", "alice")
	hub.Register(c)

	deadline := time.After(time.Second)
	for !hub.IsUserConnected("alice") {
		select {
		case <-deadline:
			t.Fatal("client never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
	if _, open := <-c.send; open {
		t.Error("shutdown left the send channel open")
	}
	if hub.UserCount() != 0 {
		t.Errorf("user count after shutdown = %d", hub.UserCount())
	}
}

func TestDisconnectCounters(t *testing.T) {
	d := NewDisconnectCounters()
	d.Record("normal_closure")
	d.Record("normal_closure")
	d.Record("abnormal_closure")

	counts, since := d.Snapshot()
	if counts["normal_closure"] != 2 || counts["abnormal_closure"] != 1 {
		t.Errorf("counts = %v", counts)
	}
	if since.IsZero() {
		t.Error("window start missing")
	}

	// Snapshot returns a copy.
	counts["normal_closure"] = 99
	again, _ := d.Snapshot()
	if again["normal_closure"] != 2 {
		t.Error("snapshot aliases internal state")
	}
}
