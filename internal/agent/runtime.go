// Package agent hosts the per-thread conversational brain. No long-lived
// object exists per conversation: every entry point rehydrates the session,
// chat history and workflow record from the stores, runs exactly one turn and
// persists the outcome.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/agent/model"
	"github.com/comptio/fabric/internal/agent/model/anthropic"
	"github.com/comptio/fabric/internal/agent/model/fake"
	"github.com/comptio/fabric/internal/agent/model/openai"
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

// Broadcaster is the WebSocket surface the runtime publishes on. Implemented
// by the gateway hub.
type Broadcaster interface {
	BroadcastToUser(userID string, msg *ws.Message) int
	BroadcastToThread(ctx context.Context, userID, threadKey string, msg *ws.Message) error
}

// ThreadLocator resolves which realtime-tree bucket holds a thread.
// Implemented by the listener supervisor.
type ThreadLocator interface {
	ResolveChatBucket(ctx context.Context, spaceCode, threadKey, forced string) (string, error)
}

// Runtime executes agent turns. Safe for concurrent use; per-thread ordering
// comes from the workflow store's single-writer records, not from locks here.
type Runtime struct {
	sessions   *session.Store
	chats      *chat.Store
	workflows  *workflow.Store
	kvs        kv.Store
	tree       rtdb.Store
	hub        Broadcaster
	locator    ThreadLocator
	dispatcher *lpt.Dispatcher
	llm        model.Client
	profiles   *Profiles
	cfg        *config.Config
	logger     *logger.Logger
	tools      map[string]ToolSpec
}

// NewRuntime wires the runtime. locator may be nil in tests; backend turns
// then fall back to the first configured bucket.
func NewRuntime(
	sessions *session.Store,
	chats *chat.Store,
	workflows *workflow.Store,
	kvs kv.Store,
	tree rtdb.Store,
	hub Broadcaster,
	locator ThreadLocator,
	dispatcher *lpt.Dispatcher,
	llm model.Client,
	profiles *Profiles,
	cfg *config.Config,
	log *logger.Logger,
) *Runtime {
	r := &Runtime{
		sessions:   sessions,
		chats:      chats,
		workflows:  workflows,
		kvs:        kvs,
		tree:       tree,
		hub:        hub,
		locator:    locator,
		dispatcher: dispatcher,
		llm:        llm,
		profiles:   profiles,
		cfg:        cfg,
		logger:     log.WithFields(zap.String("component", "agent")),
		tools:      make(map[string]ToolSpec),
	}
	r.registerBuiltinTools()
	return r
}

// ProvideModel selects the LLM client from configuration.
func ProvideModel(cfg config.LLMConfig) (model.Client, error) {
	switch cfg.Provider {
	case "anthropic":
		return anthropic.NewFromAPIKey(cfg.APIKey, cfg.Model, cfg.MaxTokens)
	case "openai":
		return openai.NewFromAPIKey(cfg.APIKey, cfg.Model, cfg.MaxTokens, cfg.BaseURL)
	case "fake":
		return fake.New(), nil
	default:
		return nil, fmt.Errorf("agent: unknown llm provider %q", cfg.Provider)
	}
}

// InitializeSession creates the session record when absent and stores the
// provided user context.
func (r *Runtime) InitializeSession(ctx context.Context, userID, companyID string, userContext map[string]any) error {
	exists, err := r.sessions.Exists(ctx, userID, companyID)
	if err != nil {
		return err
	}
	if exists {
		if userContext == nil {
			return nil
		}
		return r.sessions.UpdatePartial(ctx, userID, companyID, func(s *session.State) {
			s.UserContext = userContext
		}, true)
	}
	return r.sessions.Save(ctx, &session.State{
		UserID:      userID,
		CompanyID:   companyID,
		UserContext: userContext,
	})
}

// SendMessage handles a user chat message. The workflow record decides
// whether the message resumes a paused workflow, queues behind a pending
// long-processing task, or terminates the thread.
func (r *Runtime) SendMessage(ctx context.Context, userID, companyID, threadKey, message string) (map[string]any, error) {
	if err := r.ensureSession(ctx, userID, companyID); err != nil {
		return nil, err
	}
	if err := r.ensureWorkflow(ctx, userID, companyID, threadKey); err != nil {
		return nil, err
	}

	queued, err := r.workflows.QueueUserMessage(ctx, userID, companyID, threadKey, message)
	if err != nil {
		return nil, err
	}

	// send_message is the UI entry point: the turn always runs with
	// streaming. A TERMINATE sentinel resumes a paused workflow with the
	// cleaned text; any other message pauses the background workflow while
	// the user drives the conversation.
	content := queued.CleanMessage
	if content == "" {
		content = "Continue."
	}
	result, err := r.runTurn(ctx, &turnInput{
		userID:    userID,
		companyID: companyID,
		threadKey: threadKey,
		message:   chat.Message{Role: "user", Content: content},
		streaming: true,
		profile:   ProfileDefault,
	})
	if err != nil {
		return nil, err
	}
	out := result.asMap()
	out["action"] = queued.Action
	if queued.IsTerminate {
		out["resumed"] = true
	}
	return out, nil
}

// EnterChat records that the user opened the thread. A paused workflow stays
// paused; the resume happens implicitly on the next message.
func (r *Runtime) EnterChat(ctx context.Context, userID, companyID, threadKey string) (map[string]any, error) {
	if err := r.ensureSession(ctx, userID, companyID); err != nil {
		return nil, err
	}
	if err := r.sessions.UpdatePresence(ctx, userID, companyID, true, threadKey); err != nil {
		return nil, err
	}
	entered, err := r.workflows.UserEntered(ctx, userID, companyID, threadKey)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return nil, err
	}
	out := map[string]any{"ok": true}
	if entered != nil {
		out["workflow_paused"] = entered.WorkflowPaused
	}
	return out, nil
}

// LeaveChat records that the user left the thread. When the workflow had
// paused for the user it resumes once, in BACKEND mode.
func (r *Runtime) LeaveChat(ctx context.Context, userID, companyID, threadKey string) (map[string]any, error) {
	if err := r.sessions.UpdatePresence(ctx, userID, companyID, false, ""); err != nil && !errors.Is(err, session.ErrNotFound) {
		return nil, err
	}
	left, err := r.workflows.UserLeft(ctx, userID, companyID, threadKey)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			return map[string]any{"ok": true}, nil
		}
		return nil, err
	}
	if left.NeedsResume {
		go r.resumeInBackground(userID, companyID, threadKey, left.ResumeReason)
	}
	return map[string]any{"ok": true, "resumed": left.NeedsResume}, nil
}

// FlushChatHistory clears the thread's messages, keeping the system prompt.
func (r *Runtime) FlushChatHistory(ctx context.Context, userID, companyID, threadKey string) error {
	return r.chats.ClearMessages(ctx, userID, companyID, threadKey, true)
}

// StopStreaming raises the per-turn stop flag; the streaming loop observes
// it at the next chunk boundary.
func (r *Runtime) StopStreaming(ctx context.Context, userID, companyID, threadKey string) error {
	return r.kvs.SetEx(ctx, keys.StopFlag(userID, companyID, threadKey), []byte("1"), keys.TTLStopFlag)
}

// ApprovePlan feeds the user's approval into the thread as a regular turn.
func (r *Runtime) ApprovePlan(ctx context.Context, userID, companyID, threadKey, planID string) (map[string]any, error) {
	msg := "The user approved the proposed plan."
	if planID != "" {
		msg = fmt.Sprintf("The user approved plan %s. Proceed with its execution.", planID)
	}
	return r.SendMessage(ctx, userID, companyID, threadKey, msg)
}

// SendCardResponse handles an interactive card action arriving through the
// realtime chat thread. Matches the listener supervisor's card router.
func (r *Runtime) SendCardResponse(ctx context.Context, userID, collectionName, threadKey, cardName, cardMessageID, action, userMessage string) error {
	companyID := collectionName
	if err := r.ensureSession(ctx, userID, companyID); err != nil {
		return err
	}
	if err := r.ensureWorkflow(ctx, userID, companyID, threadKey); err != nil {
		return err
	}
	content := fmt.Sprintf("The user clicked %q on card %q (message %s).", action, cardName, cardMessageID)
	if userMessage != "" {
		content += " They added: " + userMessage
	}
	streaming := r.sessions.IsUserOnThread(ctx, userID, companyID, threadKey)
	_, err := r.runTurn(ctx, &turnInput{
		userID:    userID,
		companyID: companyID,
		threadKey: threadKey,
		message:   chat.Message{Role: "user", Content: content, Metadata: map[string]any{"card_action": action, "card_name": cardName}},
		streaming: streaming,
		profile:   r.profileFor(streaming),
	})
	return err
}

// InvalidateUserContext drops the cached user context from both the KV
// mirror and the session record.
func (r *Runtime) InvalidateUserContext(ctx context.Context, userID, companyID string) error {
	if err := r.kvs.Delete(ctx, keys.UserContext(userID, companyID)); err != nil && !errors.Is(err, kv.ErrNotFound) {
		return err
	}
	err := r.sessions.UpdatePartial(ctx, userID, companyID, func(s *session.State) {
		s.UserContext = nil
	}, false)
	if errors.Is(err, session.ErrNotFound) {
		return nil
	}
	return err
}

// ExecuteTaskNow runs a planned task immediately, in BACKEND mode. The task
// document provides the instructions; taskPath is its full document path.
func (r *Runtime) ExecuteTaskNow(ctx context.Context, userID, companyID, taskID, instructions string) (map[string]any, error) {
	if err := r.ensureSession(ctx, userID, companyID); err != nil {
		return nil, err
	}
	threadKey := "task-" + taskID
	if err := r.ensureWorkflow(ctx, userID, companyID, threadKey); err != nil {
		return nil, err
	}
	if instructions == "" {
		instructions = "Execute the scheduled task now and report the outcome."
	}
	result, err := r.runTurn(ctx, &turnInput{
		userID:    userID,
		companyID: companyID,
		threadKey: threadKey,
		message:   chat.Message{Role: "user", Content: instructions, Metadata: map[string]any{"task_id": taskID}},
		streaming: false,
		profile:   ProfileTask,
	})
	if err != nil {
		return nil, err
	}
	out := result.asMap()
	out["task_id"] = taskID
	return out, nil
}

// ResumeAfterLPT restarts a suspended workflow once its long-processing task
// reported back. A failed task still resumes so the agent can surface the
// error through the normal chat channel.
func (r *Runtime) ResumeAfterLPT(ctx context.Context, cb *lpt.Callback, streaming bool) error {
	userID := cb.UserID
	companyID := cb.CollectionName
	threadKey := cb.Traceability.ThreadKey

	if err := r.ensureSession(ctx, userID, companyID); err != nil {
		return err
	}
	// A message the user posted while suspended moves the workflow to paused,
	// so the clear can report an invalid transition. The result still has to
	// reach the thread; resume without the stored info in that case.
	info, err := r.workflows.ClearWaitingLPT(ctx, userID, companyID, threadKey)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) && !errors.Is(err, workflow.ErrInvalidTransition) {
		return err
	}

	prePrompt := composeResumePrompt(cb, info)
	_, err = r.runTurn(ctx, &turnInput{
		userID:    userID,
		companyID: companyID,
		threadKey: threadKey,
		message:   chat.Message{Role: "user", Content: prePrompt, Metadata: map[string]any{"lpt_batch_id": cb.BatchID, "lpt_status": cb.Response.Status}},
		streaming: streaming,
		profile:   r.profileFor(streaming),
	})
	if err != nil {
		return err
	}

	// A message the user sent while the workflow was suspended runs now.
	pending, err := r.workflows.TakePendingMessage(ctx, userID, companyID, threadKey)
	if err != nil && !errors.Is(err, workflow.ErrNotFound) {
		return err
	}
	if pending != "" {
		_, err = r.SendMessage(ctx, userID, companyID, threadKey, pending)
	}
	return err
}

func (r *Runtime) ensureSession(ctx context.Context, userID, companyID string) error {
	exists, err := r.sessions.Exists(ctx, userID, companyID)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return r.sessions.Save(ctx, &session.State{UserID: userID, CompanyID: companyID})
}

func (r *Runtime) ensureWorkflow(ctx context.Context, userID, companyID, threadKey string) error {
	mode := workflow.ModeBackend
	if r.sessions.IsUserOnThread(ctx, userID, companyID, threadKey) {
		mode = workflow.ModeUI
	}
	_, err := r.workflows.Start(ctx, userID, companyID, threadKey, mode)
	return err
}

func (r *Runtime) profileFor(streaming bool) string {
	if streaming {
		return ProfileDefault
	}
	return ProfileBackend
}

func (r *Runtime) resumeInBackground(userID, companyID, threadKey, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RPC.DefaultTimeout())
	defer cancel()
	content := "The user left the chat. Continue the work that was paused"
	if reason != "" {
		content += " (pause reason: " + reason + ")"
	}
	content += " and record the outcome in the thread."
	_, err := r.runTurn(ctx, &turnInput{
		userID:    userID,
		companyID: companyID,
		threadKey: threadKey,
		message:   chat.Message{Role: "user", Content: content, Metadata: map[string]any{"resume_reason": reason}},
		streaming: false,
		profile:   ProfileBackend,
	})
	if err != nil {
		r.logger.WithError(err).WithUserID(userID).WithThread(threadKey).Error("background resume failed")
	}
}

func composeResumePrompt(cb *lpt.Callback, info *workflow.LPTInfo) string {
	outcome, _ := json.Marshal(cb.Response)
	prompt := fmt.Sprintf("The long-processing task %s finished with status %q.\nResponse: %s",
		cb.BatchID, cb.Response.Status, outcome)
	if info != nil {
		if info.Reason != "" {
			prompt += "\nYou were waiting because: " + info.Reason
		}
		if info.StepWaiting != "" {
			prompt += "\nStep that was waiting: " + info.StepWaiting
		}
	}
	prompt += "\nContinue the workflow from where it stopped and tell the user what happened."
	return prompt
}
