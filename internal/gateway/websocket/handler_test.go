package websocket

import (
	"context"
	"sync"
	"testing"

	"github.com/comptio/fabric/internal/common/config"
)

type leaveCall struct {
	userID, companyID, threadKey string
}

type recordingLeaver struct {
	mu    sync.Mutex
	calls []leaveCall
}

func (l *recordingLeaver) LeaveChat(_ context.Context, userID, companyID, threadKey string) (map[string]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, leaveCall{userID, companyID, threadKey})
	return map[string]any{"ok": true}, nil
}

func TestFinishDisconnect_RunsLeavePathForThreadBoundSocket(t *testing.T) {
	hub, _, log := newTestHub(t)
	leaver := &recordingLeaver{}
	h := NewHandler(hub, nil, nil, leaver, config.WebsocketConfig{}, log)

	client := newTestClient(hub, log, "c1", "u1")
	client.SpaceCode = "space1"
	client.ThreadKey = "t1"

	h.finishDisconnect(client)

	leaver.mu.Lock()
	calls := append([]leaveCall(nil), leaver.calls...)
	leaver.mu.Unlock()
	if len(calls) != 1 {
		t.Fatalf("leave calls = %d, want 1", len(calls))
	}
	if calls[0] != (leaveCall{"u1", "space1", "t1"}) {
		t.Errorf("leave call = %v", calls[0])
	}
}

func TestFinishDisconnect_SkipsSocketsWithoutThreadBinding(t *testing.T) {
	hub, _, log := newTestHub(t)
	leaver := &recordingLeaver{}
	h := NewHandler(hub, nil, nil, leaver, config.WebsocketConfig{}, log)

	// No thread scope on the connection: nothing to leave.
	client := newTestClient(hub, log, "c1", "u1")
	h.finishDisconnect(client)

	// Thread key without a space is not a valid binding either.
	client.ThreadKey = "t1"
	h.finishDisconnect(client)

	leaver.mu.Lock()
	defer leaver.mu.Unlock()
	if len(leaver.calls) != 0 {
		t.Errorf("leave calls = %d, want 0", len(leaver.calls))
	}

	// A handler wired without a leaver tolerates disconnects.
	bare := NewHandler(hub, nil, nil, nil, config.WebsocketConfig{}, log)
	client.SpaceCode = "space1"
	bare.finishDisconnect(client)
}
