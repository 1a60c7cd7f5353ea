// Package chat persists per-thread message histories and system prompts.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// ErrNotFound marks a history that does not exist (or has expired).
var ErrNotFound = errors.New("chat: not found")

// Thread statuses.
const (
	StatusActive     = "active"
	StatusIdle       = "idle"
	StatusTerminated = "terminated"
)

// Message is one chat turn entry. Role is "user", "assistant", "system" or
// "tool"; ToolCalls/ToolResults carry the structured blocks of agent turns.
type Message struct {
	ID          string         `json:"id,omitempty"`
	Role        string         `json:"role"`
	Content     string         `json:"content"`
	ToolCalls   []ToolCall     `json:"tool_calls,omitempty"`
	ToolResults []ToolResult   `json:"tool_results,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Name    string         `json:"name"`
	Content map[string]any `json:"content,omitempty"`
	IsError bool           `json:"is_error,omitempty"`
}

// History is the persisted payload. MessageCount always equals
// len(Messages); the store maintains it on every write.
type History struct {
	Messages     []Message      `json:"messages"`
	SystemPrompt string         `json:"system_prompt,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       string         `json:"status"`
	MessageCount int            `json:"message_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Version      int            `json:"version"`
}

// Store owns serialisation and the 24 h TTL for chat histories.
type Store struct {
	kv     kv.Store
	logger *logger.Logger
}

// NewStore creates a chat history store on the KV client.
func NewStore(store kv.Store, log *logger.Logger) *Store {
	return &Store{kv: store, logger: log.WithFields(zap.String("component", "chat-store"))}
}

// Save writes the full history, normalising the count, and refreshes the TTL.
func (s *Store) Save(ctx context.Context, userID, companyID, threadKey string, h *History) error {
	h.MessageCount = len(h.Messages)
	h.UpdatedAt = time.Now().UTC()
	h.Version++
	if h.Status == "" {
		h.Status = StatusActive
	}
	raw, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("chat save: %w", err)
	}
	return s.kv.SetEx(ctx, keys.ChatHistory(userID, companyID, threadKey), raw, keys.TTLChatHistory)
}

// Load reads the history. ErrNotFound when absent or expired.
func (s *Store) Load(ctx context.Context, userID, companyID, threadKey string) (*History, error) {
	raw, err := s.kv.Get(ctx, keys.ChatHistory(userID, companyID, threadKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("chat load: %w", err)
	}
	var h History
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, fmt.Errorf("chat load: %w", err)
	}
	return &h, nil
}

// loadOrNew returns the stored history or a fresh one on first contact.
func (s *Store) loadOrNew(ctx context.Context, userID, companyID, threadKey string) (*History, error) {
	h, err := s.Load(ctx, userID, companyID, threadKey)
	if errors.Is(err, ErrNotFound) {
		return &History{Status: StatusActive}, nil
	}
	return h, err
}

// GetMessages returns the message list (empty when the thread is unknown).
func (s *Store) GetMessages(ctx context.Context, userID, companyID, threadKey string) ([]Message, error) {
	h, err := s.Load(ctx, userID, companyID, threadKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return h.Messages, nil
}

// AppendMessage appends one message, creating the history on first use.
func (s *Store) AppendMessage(ctx context.Context, userID, companyID, threadKey string, msg Message) error {
	return s.AppendMessagesBatch(ctx, userID, companyID, threadKey, []Message{msg})
}

// AppendMessagesBatch appends several messages in one load-merge-save cycle.
func (s *Store) AppendMessagesBatch(ctx context.Context, userID, companyID, threadKey string, msgs []Message) error {
	h, err := s.loadOrNew(ctx, userID, companyID, threadKey)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for i := range msgs {
		if msgs[i].CreatedAt.IsZero() {
			msgs[i].CreatedAt = now
		}
	}
	h.Messages = append(h.Messages, msgs...)
	return s.Save(ctx, userID, companyID, threadKey, h)
}

// UpdateSystemPrompt replaces the system prompt.
func (s *Store) UpdateSystemPrompt(ctx context.Context, userID, companyID, threadKey, prompt string) error {
	h, err := s.loadOrNew(ctx, userID, companyID, threadKey)
	if err != nil {
		return err
	}
	h.SystemPrompt = prompt
	return s.Save(ctx, userID, companyID, threadKey, h)
}

// ClearMessages drops the message list, optionally preserving the prompt.
func (s *Store) ClearMessages(ctx context.Context, userID, companyID, threadKey string, keepSystemPrompt bool) error {
	h, err := s.Load(ctx, userID, companyID, threadKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h.Messages = nil
	if !keepSystemPrompt {
		h.SystemPrompt = ""
	}
	return s.Save(ctx, userID, companyID, threadKey, h)
}

// Delete removes the history.
func (s *Store) Delete(ctx context.Context, userID, companyID, threadKey string) error {
	return s.kv.Delete(ctx, keys.ChatHistory(userID, companyID, threadKey))
}

// UpdateStatus sets the thread status.
func (s *Store) UpdateStatus(ctx context.Context, userID, companyID, threadKey, status string) error {
	h, err := s.Load(ctx, userID, companyID, threadKey)
	if err != nil {
		return err
	}
	h.Status = status
	return s.Save(ctx, userID, companyID, threadKey, h)
}

// UpdateMetadata merges fields into the metadata block.
func (s *Store) UpdateMetadata(ctx context.Context, userID, companyID, threadKey string, fields map[string]any) error {
	h, err := s.loadOrNew(ctx, userID, companyID, threadKey)
	if err != nil {
		return err
	}
	if h.Metadata == nil {
		h.Metadata = make(map[string]any)
	}
	for k, v := range fields {
		h.Metadata[k] = v
	}
	return s.Save(ctx, userID, companyID, threadKey, h)
}

// EstimateTokenCount approximates the prompt size at 4 characters per token.
func (s *Store) EstimateTokenCount(ctx context.Context, userID, companyID, threadKey string) (int, error) {
	h, err := s.Load(ctx, userID, companyID, threadKey)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	chars := len(h.SystemPrompt)
	for _, m := range h.Messages {
		chars += len(m.Content)
	}
	return chars / 4, nil
}

// ListUserChats returns the thread keys with a live history for one
// (user, company) pair.
func (s *Store) ListUserChats(ctx context.Context, userID, companyID string) ([]string, error) {
	found, err := s.kv.Scan(ctx, keys.ChatHistoryPattern(userID, companyID), 100)
	if err != nil {
		return nil, fmt.Errorf("chat list: %w", err)
	}
	prefix := fmt.Sprintf("chat:%s:%s:", userID, companyID)
	var threads []string
	for _, key := range found {
		if !strings.HasPrefix(key, prefix) || !strings.HasSuffix(key, ":history") {
			continue
		}
		threads = append(threads, strings.TrimSuffix(strings.TrimPrefix(key, prefix), ":history"))
	}
	return threads, nil
}
