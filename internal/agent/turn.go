package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/agent/model"
	"github.com/comptio/fabric/internal/chat"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/workflow"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// maxToolRounds bounds the model/tool loop within a single turn.
const maxToolRounds = 8

type turnInput struct {
	userID    string
	companyID string
	threadKey string
	message   chat.Message
	streaming bool
	profile   string
}

// TurnResult is the outcome of one agent turn.
type TurnResult struct {
	Text       string
	Turn       int
	Stopped    bool
	WaitingLPT bool
	Usage      model.Usage
}

func (t *TurnResult) asMap() map[string]any {
	return map[string]any{
		"response":    t.Text,
		"turn":        t.Turn,
		"stopped":     t.Stopped,
		"waiting_lpt": t.WaitingLPT,
	}
}

// Stream event payloads.
type streamStartPayload struct {
	ThreadKey string `json:"thread_key"`
	Turn      int    `json:"turn"`
}

type streamChunkPayload struct {
	ThreadKey string `json:"thread_key"`
	Delta     string `json:"delta"`
}

type streamEndPayload struct {
	ThreadKey string `json:"thread_key"`
	Text      string `json:"text"`
	Stopped   bool   `json:"stopped,omitempty"`
}

type streamErrorPayload struct {
	ThreadKey string `json:"thread_key"`
	Error     string `json:"error"`
}

// runTurn is the single code path for every agent invocation, parameterised
// only by in.streaming. It appends the incoming message, loops model calls
// and tool dispatches, persists the assistant output and delivers it either
// over the live socket (UI) or through the realtime tree and the message
// buffer (BACKEND).
func (r *Runtime) runTurn(ctx context.Context, in *turnInput) (*TurnResult, error) {
	log := r.logger.WithUserID(in.userID).WithCompanyID(in.companyID).WithThread(in.threadKey)
	mode := workflow.ModeBackend
	if in.streaming {
		mode = workflow.ModeUI
	}
	metrics.AgentTurnsTotal.WithLabelValues(mode).Inc()

	in.message.ID = uuid.NewString()
	in.message.CreatedAt = time.Now().UTC()
	if err := r.chats.AppendMessage(ctx, in.userID, in.companyID, in.threadKey, in.message); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	prof := r.profiles.Get(in.profile)
	req, err := r.buildRequest(ctx, in, prof)
	if err != nil {
		return nil, err
	}

	turn, err := r.workflows.IncrementTurn(ctx, in.userID, in.companyID, in.threadKey)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return nil, err
	}
	result := &TurnResult{Turn: turn}

	if in.streaming {
		r.hub.BroadcastToUser(in.userID, ws.MustMessage(ws.EventStreamStart, streamStartPayload{ThreadKey: in.threadKey, Turn: turn}))
	}

	for round := 0; round < maxToolRounds; round++ {
		var (
			text  string
			calls []model.ToolCall
		)
		if in.streaming {
			text, calls, err = r.streamOnce(ctx, in, req, result)
		} else {
			text, calls, err = r.completeOnce(ctx, req, result)
		}
		if err != nil {
			if in.streaming {
				r.hub.BroadcastToUser(in.userID, ws.MustMessage(ws.EventStreamError, streamErrorPayload{ThreadKey: in.threadKey, Error: err.Error()}))
			}
			return nil, err
		}
		result.Text += text

		assistant := chat.Message{
			ID:        uuid.NewString(),
			Role:      "assistant",
			Content:   text,
			CreatedAt: time.Now().UTC(),
		}
		for _, call := range calls {
			assistant.ToolCalls = append(assistant.ToolCalls, chat.ToolCall{ID: call.ID, Name: call.Name, Input: call.Input})
		}
		if assistant.Content != "" || len(assistant.ToolCalls) > 0 {
			if err := r.chats.AppendMessage(ctx, in.userID, in.companyID, in.threadKey, assistant); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
		}

		if result.Stopped || len(calls) == 0 {
			break
		}

		toolMsg, waiting := r.dispatchTools(ctx, in, calls, log)
		if err := r.chats.AppendMessage(ctx, in.userID, in.companyID, in.threadKey, toolMsg); err != nil {
			return nil, fmt.Errorf("append tool results: %w", err)
		}
		if waiting {
			// WAIT_ON_LPT suspended the workflow; the turn ends cleanly and
			// the callback path picks the conversation back up.
			result.WaitingLPT = true
			break
		}

		req.Messages = append(req.Messages, chatToModelMessage(assistant), chatToModelMessage(toolMsg))
	}

	if err := r.deliver(ctx, in, result); err != nil {
		log.WithError(err).Error("turn delivery failed")
	}
	if err := r.sessions.UpdateThreadActivity(ctx, in.userID, in.companyID, in.threadKey); err != nil {
		log.WithError(err).Warn("update thread activity failed")
	}
	return result, nil
}

func (r *Runtime) buildRequest(ctx context.Context, in *turnInput, prof Profile) (*model.Request, error) {
	history, err := r.chats.Load(ctx, in.userID, in.companyID, in.threadKey)
	if err != nil && !errors.Is(err, chat.ErrNotFound) {
		return nil, fmt.Errorf("load history: %w", err)
	}

	system := ""
	var msgs []model.Message
	if history != nil {
		system = history.SystemPrompt
		msgs = make([]model.Message, 0, len(history.Messages))
		for _, m := range history.Messages {
			msgs = append(msgs, chatToModelMessage(m))
		}
	}
	if system == "" {
		userContext, err := r.sessions.GetUserContext(ctx, in.userID, in.companyID)
		if err != nil {
			userContext = nil
		}
		system = prof.RenderSystemPrompt(in.companyID, userContext)
		if err := r.chats.UpdateSystemPrompt(ctx, in.userID, in.companyID, in.threadKey, system); err != nil {
			return nil, fmt.Errorf("store system prompt: %w", err)
		}
	}

	req := &model.Request{
		Model:       prof.Model,
		System:      system,
		Messages:    msgs,
		MaxTokens:   prof.MaxTokens,
		Temperature: prof.Temperature,
	}
	for _, name := range prof.Tools {
		if spec, ok := r.tools[name]; ok {
			req.Tools = append(req.Tools, spec.Definition())
		}
	}
	return req, nil
}

func (r *Runtime) completeOnce(ctx context.Context, req *model.Request, result *TurnResult) (string, []model.ToolCall, error) {
	resp, err := r.llm.Complete(ctx, req)
	if err != nil {
		return "", nil, fmt.Errorf("model complete: %w", err)
	}
	result.Usage.InputTokens += resp.Usage.InputTokens
	result.Usage.OutputTokens += resp.Usage.OutputTokens
	return resp.Text, resp.ToolCalls, nil
}

// streamOnce drives one streaming model call, forwarding text deltas to the
// owning user's sockets. The per-turn stop flag is checked at every chunk
// boundary; when raised the stream closes and the turn ends with what was
// produced so far.
func (r *Runtime) streamOnce(ctx context.Context, in *turnInput, req *model.Request, result *TurnResult) (string, []model.ToolCall, error) {
	streamer, err := r.llm.Stream(ctx, req)
	if errors.Is(err, model.ErrStreamingUnsupported) {
		return r.completeOnce(ctx, req, result)
	}
	if err != nil {
		return "", nil, fmt.Errorf("model stream: %w", err)
	}
	defer streamer.Close()

	stopKey := keys.StopFlag(in.userID, in.companyID, in.threadKey)
	var (
		text  string
		calls []model.ToolCall
	)
	for {
		chunk, err := streamer.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text, calls, fmt.Errorf("model stream recv: %w", err)
		}
		switch chunk.Type {
		case model.ChunkText:
			text += chunk.Text
			metrics.StreamChunksTotal.Inc()
			r.hub.BroadcastToUser(in.userID, ws.MustMessage(ws.EventStreamChunk, streamChunkPayload{ThreadKey: in.threadKey, Delta: chunk.Text}))
		case model.ChunkToolCall:
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case model.ChunkUsage:
			if chunk.Usage != nil {
				result.Usage.InputTokens += chunk.Usage.InputTokens
				result.Usage.OutputTokens += chunk.Usage.OutputTokens
			}
		}
		if stopped, _ := r.kvs.Exists(ctx, stopKey); stopped {
			_ = r.kvs.Delete(ctx, stopKey)
			result.Stopped = true
			return text, calls, nil
		}
	}
	return text, calls, nil
}

// dispatchTools runs every requested tool and collects the results into one
// tool-role message. The second return reports whether WAIT_ON_LPT fired.
func (r *Runtime) dispatchTools(ctx context.Context, in *turnInput, calls []model.ToolCall, log *logger.Logger) (chat.Message, bool) {
	tc := &ToolContext{UserID: in.userID, CompanyID: in.companyID, ThreadKey: in.threadKey}
	msg := chat.Message{
		ID:        uuid.NewString(),
		Role:      "tool",
		CreatedAt: time.Now().UTC(),
	}
	waiting := false
	for _, call := range calls {
		spec, ok := r.tools[call.Name]
		var (
			content map[string]any
			isErr   bool
		)
		switch {
		case !ok:
			content = map[string]any{"error": "unknown tool " + call.Name}
			isErr = true
		default:
			out, err := spec.Handler(ctx, tc, call.Input)
			if err != nil {
				log.WithError(err).Warn("tool handler failed", zap.String("tool", call.Name))
				content = map[string]any{"error": err.Error()}
				isErr = true
			} else {
				content = out
			}
		}
		if b, ok := content[resultWaitOnLPT].(bool); ok && b {
			waiting = true
		}
		msg.ToolResults = append(msg.ToolResults, chat.ToolResult{
			CallID:  call.ID,
			Name:    call.Name,
			Content: content,
			IsError: isErr,
		})
	}
	return msg, waiting
}

// deliver publishes the final assistant output. UI turns close the stream;
// BACKEND turns write the message into the realtime chat thread and into the
// pending buffer so a returning socket can catch up.
func (r *Runtime) deliver(ctx context.Context, in *turnInput, result *TurnResult) error {
	if in.streaming {
		r.hub.BroadcastToUser(in.userID, ws.MustMessage(ws.EventStreamEnd, streamEndPayload{
			ThreadKey: in.threadKey,
			Text:      result.Text,
			Stopped:   result.Stopped,
		}))
		return nil
	}
	if result.Text == "" {
		return nil
	}
	if err := r.writeThreadMessage(ctx, in, result.Text); err != nil {
		return err
	}
	return r.hub.BroadcastToThread(ctx, in.userID, in.threadKey, ws.MustMessage(ws.EventChatMessage, map[string]any{
		"thread_key": in.threadKey,
		"role":       "assistant",
		"content":    result.Text,
		"turn":       result.Turn,
	}))
}

func (r *Runtime) writeThreadMessage(ctx context.Context, in *turnInput, text string) error {
	bucket := r.cfg.Chat.BucketOrder[0]
	if r.locator != nil {
		resolved, err := r.locator.ResolveChatBucket(ctx, in.companyID, in.threadKey, "")
		if err == nil && resolved != "" {
			bucket = resolved
		}
	}
	path := fmt.Sprintf("%s/%s/%s/messages", in.companyID, bucket, in.threadKey)
	_, err := r.tree.Push(ctx, path, map[string]any{
		"role":      "assistant",
		"content":   text,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return fmt.Errorf("write thread message: %w", err)
	}
	return nil
}

func chatToModelMessage(m chat.Message) model.Message {
	out := model.Message{Role: m.Role, Content: m.Content}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, model.ToolCall{ID: tc.ID, Name: tc.Name, Input: tc.Input})
	}
	for _, tr := range m.ToolResults {
		out.ToolResults = append(out.ToolResults, model.ToolResult{CallID: tr.CallID, Name: tr.Name, Content: tr.Content, IsError: tr.IsError})
	}
	return out
}
