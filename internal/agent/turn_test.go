package agent

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/comptio/fabric/internal/agent/model"
	"github.com/comptio/fabric/internal/agent/model/fake"
	"github.com/comptio/fabric/internal/chat"
	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
	"github.com/comptio/fabric/internal/lpt"
	"github.com/comptio/fabric/internal/rtdb"
	"github.com/comptio/fabric/internal/session"
	"github.com/comptio/fabric/internal/workflow"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// recordingHub captures every broadcast so tests can assert on the stream
// events and thread deliveries a turn produced.
type recordingHub struct {
	mu     sync.Mutex
	user   []*ws.Message
	thread []threadDelivery
}

type threadDelivery struct {
	userID    string
	threadKey string
	msg       *ws.Message
}

func (h *recordingHub) BroadcastToUser(userID string, msg *ws.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.user = append(h.user, msg)
	return 1
}

func (h *recordingHub) BroadcastToThread(_ context.Context, userID, threadKey string, msg *ws.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.thread = append(h.thread, threadDelivery{userID: userID, threadKey: threadKey, msg: msg})
	return nil
}

func (h *recordingHub) userEvents(eventType string) []*ws.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*ws.Message
	for _, m := range h.user {
		if m.Type == eventType {
			out = append(out, m)
		}
	}
	return out
}

type testRig struct {
	runtime   *Runtime
	llm       *fake.Client
	hub       *recordingHub
	kvs       kv.Store
	tree      *rtdb.MemoryStore
	transport *lpt.MemoryTransport
	sessions  *session.Store
	chats     *chat.Store
	workflows *workflow.Store
}

func newTestRig(t *testing.T, script ...*model.Response) *testRig {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	cfg := &config.Config{}
	cfg.Chat.BucketOrder = []string{"chats", "support_chats"}
	cfg.RPC.DefaultTimeoutMs = 2000

	kvs := kv.NewMemoryStore()
	tree := rtdb.NewMemoryStore()
	hub := &recordingHub{}
	transport := lpt.NewMemoryTransport()
	llm := fake.New(script...)

	sessions := session.NewStore(kvs, log)
	chats := chat.NewStore(kvs, log)
	workflows := workflow.NewStore(kvs, log)

	profiles, err := LoadProfiles("")
	if err != nil {
		t.Fatalf("LoadProfiles failed: %v", err)
	}

	rt := NewRuntime(sessions, chats, workflows, kvs, tree, hub, nil,
		lpt.NewDispatcher(transport, 1, log), llm, profiles, cfg, log)

	return &testRig{
		runtime:   rt,
		llm:       llm,
		hub:       hub,
		kvs:       kvs,
		tree:      tree,
		transport: transport,
		sessions:  sessions,
		chats:     chats,
		workflows: workflows,
	}
}

func TestSendMessage_StreamsSimpleTurn(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &model.Response{Text: "Hello there", StopReason: "end_turn"})

	out, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "hi")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if out["response"] != "Hello there" {
		t.Errorf("response = %v, want Hello there", out["response"])
	}
	if out["action"] != workflow.ActionPauseWorkflow {
		t.Errorf("action = %v, want %s", out["action"], workflow.ActionPauseWorkflow)
	}

	if got := len(rig.hub.userEvents(ws.EventStreamStart)); got != 1 {
		t.Fatalf("stream.start events = %d, want 1", got)
	}
	chunks := rig.hub.userEvents(ws.EventStreamChunk)
	if len(chunks) != 2 {
		t.Fatalf("stream.chunk events = %d, want 2", len(chunks))
	}
	var total string
	for _, c := range chunks {
		var p streamChunkPayload
		if err := c.ParsePayload(&p); err != nil {
			t.Fatalf("ParsePayload failed: %v", err)
		}
		total += p.Delta
	}
	if total != "Hello there" {
		t.Errorf("concatenated deltas = %q, want Hello there", total)
	}
	ends := rig.hub.userEvents(ws.EventStreamEnd)
	if len(ends) != 1 {
		t.Fatalf("stream.end events = %d, want 1", len(ends))
	}
	var end streamEndPayload
	if err := ends[0].ParsePayload(&end); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if end.Text != "Hello there" || end.Stopped {
		t.Errorf("stream.end = %+v, want full text and not stopped", end)
	}

	msgs, err := rig.chats.GetMessages(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("history roles = %v, want [user assistant]", rolesOf(msgs))
	}
}

func TestSendMessage_TerminateSentinelResumesPaused(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &model.Response{Text: "pausing"}, &model.Response{Text: "resumed work"})

	// First message pauses the background workflow.
	if _, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "please hold"); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	state, err := rig.workflows.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load workflow failed: %v", err)
	}
	if state.Status != workflow.StatusPaused {
		t.Fatalf("status after message = %s, want paused", state.Status)
	}

	out, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "go on TERMINATE")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if out["action"] != workflow.ActionResumeWorkflowUI {
		t.Errorf("action = %v, want %s", out["action"], workflow.ActionResumeWorkflowUI)
	}
	if out["resumed"] != true {
		t.Errorf("resumed = %v, want true", out["resumed"])
	}

	state, err = rig.workflows.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load workflow failed: %v", err)
	}
	if state.Status != workflow.StatusRunning || state.Mode != workflow.ModeUI {
		t.Errorf("workflow = %s/%s, want running/UI", state.Status, state.Mode)
	}

	// The sentinel is stripped before the model sees the message.
	last := rig.llm.Requests[len(rig.llm.Requests)-1]
	userMsg := last.Messages[len(last.Messages)-1]
	if userMsg.Content != "go on" {
		t.Errorf("model saw %q, want cleaned message", userMsg.Content)
	}
}

func TestRunTurn_DispatchThenWaitOnLPT(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t,
		&model.Response{
			Text: "Dispatching the batch.",
			ToolCalls: []model.ToolCall{{
				ID:   "call1",
				Name: ToolDispatchLPT,
				Input: map[string]any{
					"collection_name": "c1",
					"jobs_data":       []any{map[string]any{"job_id": "j1"}},
				},
			}},
		},
		&model.Response{
			ToolCalls: []model.ToolCall{{
				ID:   "call2",
				Name: ToolWaitOnLPT,
				Input: map[string]any{
					"reason":       "waiting on invoice batch",
					"expected_lpt": "invoice_processing",
				},
			}},
		},
	)

	out, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "process my invoices")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if out["waiting_lpt"] != true {
		t.Errorf("waiting_lpt = %v, want true", out["waiting_lpt"])
	}

	dispatched := rig.transport.Dispatched()
	if len(dispatched) != 1 {
		t.Fatalf("dispatched = %d requests, want 1", len(dispatched))
	}
	req := dispatched[0]
	if req.CollectionName != "c1" || req.UserID != "u1" || req.BatchID == "" {
		t.Errorf("dispatch request = %+v, want collection c1 for u1 with a batch id", req)
	}
	if req.Traceability.ThreadKey != "t1" {
		t.Errorf("traceability thread = %q, want t1", req.Traceability.ThreadKey)
	}

	state, err := rig.workflows.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load workflow failed: %v", err)
	}
	if state.Status != workflow.StatusWaitingLPT {
		t.Errorf("status = %s, want waiting_lpt", state.Status)
	}
	if state.WaitingLPTInfo == nil || state.WaitingLPTInfo.Reason != "waiting on invoice batch" {
		t.Errorf("waiting info = %+v, want recorded reason", state.WaitingLPTInfo)
	}
	// The model omitted batch_id; the wait binds to the batch the dispatch
	// in the same turn created.
	if state.WaitingLPTInfo != nil && state.WaitingLPTInfo.BatchID != req.BatchID {
		t.Errorf("waiting batch id = %q, want %q from the dispatch", state.WaitingLPTInfo.BatchID, req.BatchID)
	}

	// Tool results are persisted so the resume turn sees them.
	msgs, err := rig.chats.GetMessages(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	var toolMsgs int
	for _, m := range msgs {
		if m.Role == "tool" {
			toolMsgs++
		}
	}
	if toolMsgs != 2 {
		t.Errorf("tool messages in history = %d, want 2", toolMsgs)
	}
}

func TestStopFlag_EndsStreamEarly(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &model.Response{Text: "long answer"})

	if err := rig.kvs.SetEx(ctx, keys.StopFlag("u1", "c1", "t1"), []byte("1"), keys.TTLStopFlag); err != nil {
		t.Fatalf("SetEx failed: %v", err)
	}

	out, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "tell me everything")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if out["stopped"] != true {
		t.Errorf("stopped = %v, want true", out["stopped"])
	}
	// The flag triggers at the first chunk boundary, so only the first half
	// of the scripted text made it out.
	resp, _ := out["response"].(string)
	if resp != "long " {
		t.Errorf("response = %q, want the first chunk only", resp)
	}

	// The flag is one-shot.
	exists, err := rig.kvs.Exists(ctx, keys.StopFlag("u1", "c1", "t1"))
	if err != nil {
		t.Fatalf("Exists failed: %v", err)
	}
	if exists {
		t.Error("stop flag still set after the turn consumed it")
	}

	ends := rig.hub.userEvents(ws.EventStreamEnd)
	if len(ends) != 1 {
		t.Fatalf("stream.end events = %d, want 1", len(ends))
	}
	var end streamEndPayload
	if err := ends[0].ParsePayload(&end); err != nil {
		t.Fatalf("ParsePayload failed: %v", err)
	}
	if !end.Stopped {
		t.Error("stream.end did not mark the turn stopped")
	}
}

func TestExecuteTaskNow_DeliversToThread(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &model.Response{Text: "Task done.", StopReason: "end_turn"})

	out, err := rig.runtime.ExecuteTaskNow(ctx, "u1", "c1", "t9", "Reconcile the March invoices.")
	if err != nil {
		t.Fatalf("ExecuteTaskNow failed: %v", err)
	}
	if out["task_id"] != "t9" {
		t.Errorf("task_id = %v, want t9", out["task_id"])
	}
	if out["response"] != "Task done." {
		t.Errorf("response = %v, want Task done.", out["response"])
	}

	// BACKEND turns never stream.
	if got := len(rig.hub.userEvents(ws.EventStreamStart)); got != 0 {
		t.Errorf("stream.start events = %d, want 0 for a backend turn", got)
	}

	// With no locator the message lands in the first configured bucket.
	node, err := rig.tree.Get(ctx, "c1/chats/task-t9/messages")
	if err != nil {
		t.Fatalf("tree Get failed: %v", err)
	}
	children, ok := node.(map[string]any)
	if !ok || len(children) != 1 {
		t.Fatalf("thread messages = %v, want exactly one pushed entry", node)
	}
	for _, v := range children {
		entry := v.(map[string]any)
		if entry["content"] != "Task done." || entry["role"] != "assistant" {
			t.Errorf("pushed entry = %v, want assistant Task done.", entry)
		}
	}

	rig.hub.mu.Lock()
	thread := append([]threadDelivery(nil), rig.hub.thread...)
	rig.hub.mu.Unlock()
	if len(thread) != 1 {
		t.Fatalf("thread broadcasts = %d, want 1", len(thread))
	}
	if thread[0].threadKey != "task-t9" || thread[0].msg.Type != ws.EventChatMessage {
		t.Errorf("thread broadcast = %s %s, want chat.message on task-t9", thread[0].threadKey, thread[0].msg.Type)
	}
}

func TestRunTurn_UnknownToolFeedsErrorBack(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, &model.Response{
		Text:      "Trying a tool.",
		ToolCalls: []model.ToolCall{{ID: "x1", Name: "NOT_A_TOOL"}},
	})

	out, err := rig.runtime.SendMessage(ctx, "u1", "c1", "t1", "do the thing")
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	// The scripted client answers "OK" once the script is exhausted, so the
	// loop recovered from the bad call.
	resp, _ := out["response"].(string)
	if !strings.Contains(resp, "OK") {
		t.Errorf("response = %q, want the follow-up completion", resp)
	}

	msgs, err := rig.chats.GetMessages(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	var found bool
	for _, m := range msgs {
		for _, tr := range m.ToolResults {
			if tr.CallID == "x1" {
				found = true
				if !tr.IsError {
					t.Error("unknown tool result not marked as error")
				}
				if tr.Content["error"] != "unknown tool NOT_A_TOOL" {
					t.Errorf("error content = %v", tr.Content["error"])
				}
			}
		}
	}
	if !found {
		t.Fatal("no tool result recorded for the unknown call")
	}
}

func TestResumeAfterLPT_UserMessageQueuedWhileWaiting(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t,
		&model.Response{Text: "Invoice batch landed in the thread.", StopReason: "end_turn"},
		&model.Response{Text: "Checked the VAT as well.", StopReason: "end_turn"},
	)

	if _, err := rig.workflows.Start(ctx, "u1", "c1", "t1", workflow.ModeUI); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := rig.workflows.SetWaitingForLPT(ctx, "u1", "c1", "t1", &workflow.LPTInfo{Reason: "batch processing", BatchID: "b1"}); err != nil {
		t.Fatalf("SetWaitingForLPT failed: %v", err)
	}
	// The user speaks before the executor reports back: the workflow moves
	// to paused and the message is parked.
	if _, err := rig.workflows.QueueUserMessage(ctx, "u1", "c1", "t1", "also check the VAT"); err != nil {
		t.Fatalf("QueueUserMessage failed: %v", err)
	}

	cb := &lpt.Callback{
		Request: lpt.Request{
			BatchID:        "b1",
			CollectionName: "c1",
			UserID:         "u1",
			Traceability:   lpt.Traceability{ThreadKey: "t1"},
		},
		Response: lpt.Response{Status: "completed"},
	}
	if err := rig.runtime.ResumeAfterLPT(ctx, cb, false); err != nil {
		t.Fatalf("ResumeAfterLPT failed: %v", err)
	}

	state, err := rig.workflows.Load(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if state.PendingUserMessage != "" {
		t.Errorf("pending message survived the resume: %q", state.PendingUserMessage)
	}

	msgs, err := rig.chats.GetMessages(ctx, "u1", "c1", "t1")
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	var sawCallback, sawParked bool
	for _, m := range msgs {
		if m.Role == "user" && strings.Contains(m.Content, "finished with status") {
			sawCallback = true
		}
		if m.Role == "user" && strings.Contains(m.Content, "also check the VAT") {
			sawParked = true
		}
	}
	if !sawCallback {
		t.Error("callback resume prompt never reached the thread")
	}
	if !sawParked {
		t.Error("parked user message never ran after the resume")
	}
}

func TestInvalidateUserContext(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t)

	if err := rig.runtime.InitializeSession(ctx, "u1", "c1", map[string]any{"company_name": "Acme"}); err != nil {
		t.Fatalf("InitializeSession failed: %v", err)
	}
	if err := rig.runtime.InvalidateUserContext(ctx, "u1", "c1"); err != nil {
		t.Fatalf("InvalidateUserContext failed: %v", err)
	}
	uc, err := rig.sessions.GetUserContext(ctx, "u1", "c1")
	if err != nil {
		t.Fatalf("GetUserContext failed: %v", err)
	}
	if len(uc) != 0 {
		t.Errorf("user context survived invalidation: %v", uc)
	}

	// Idempotent on a missing session.
	if err := rig.runtime.InvalidateUserContext(ctx, "u2", "c1"); err != nil {
		t.Errorf("InvalidateUserContext on missing session failed: %v", err)
	}
}

func rolesOf(msgs []chat.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}
