package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// Store owns serialisation and TTL for workflow records. All transitions go
// through load-merge-save here so one active turn per thread holds under
// concurrent callers.
type Store struct {
	kv     kv.Store
	logger *logger.Logger
	nowFn  func() time.Time
}

// NewStore creates a workflow store on the KV client.
func NewStore(store kv.Store, log *logger.Logger) *Store {
	return &Store{
		kv:     store,
		logger: log.WithFields(zap.String("component", "workflow-store")),
		nowFn:  time.Now,
	}
}

func (s *Store) save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("workflow save: %w", err)
	}
	ttl := keys.TTLWorkflow
	if state.Status == StatusCompleted {
		ttl = keys.TTLWorkflowCompleted
	}
	return s.kv.SetEx(ctx, keys.WorkflowState(state.UserID, state.CompanyID, state.ThreadKey), raw, ttl)
}

// Load reads the record. ErrNotFound when absent or expired.
func (s *Store) Load(ctx context.Context, userID, companyID, threadKey string) (*State, error) {
	raw, err := s.kv.Get(ctx, keys.WorkflowState(userID, companyID, threadKey))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("workflow load: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("workflow load: %w", err)
	}
	return &state, nil
}

// mutate runs one load-modify-save cycle.
func (s *Store) mutate(ctx context.Context, userID, companyID, threadKey string, fn func(*State) error) (*State, error) {
	state, err := s.Load(ctx, userID, companyID, threadKey)
	if err != nil {
		return nil, err
	}
	if err := fn(state); err != nil {
		return nil, err
	}
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// Start creates the workflow. Only one per thread exists at a time; a live
// existing record is returned unchanged.
func (s *Store) Start(ctx context.Context, userID, companyID, threadKey, initialMode string) (*State, error) {
	existing, err := s.Load(ctx, userID, companyID, threadKey)
	if err == nil && existing.live() {
		return existing, nil
	}
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.nowFn().UTC()
	state := &State{
		UserID:       userID,
		CompanyID:    companyID,
		ThreadKey:    threadKey,
		Status:       StatusRunning,
		Mode:         initialMode,
		UserPresent:  initialMode == ModeUI,
		StartedAt:    now,
		LastActivity: now,
	}
	if err := s.save(ctx, state); err != nil {
		return nil, err
	}
	s.logger.Info("workflow started",
		zap.String("user_id", userID), zap.String("thread_key", threadKey), zap.String("mode", initialMode))
	return state, nil
}

// UserEntered applies the user_entered event.
func (s *Store) UserEntered(ctx context.Context, userID, companyID, threadKey string) (*UserEnteredResult, error) {
	var result *UserEnteredResult
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		var err error
		result, err = state.userEntered(s.nowFn().UTC())
		return err
	})
	return result, err
}

// UserLeft applies the user_left event.
func (s *Store) UserLeft(ctx context.Context, userID, companyID, threadKey string) (*UserLeftResult, error) {
	var result *UserLeftResult
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		var err error
		result, err = state.userLeft(s.nowFn().UTC())
		return err
	})
	return result, err
}

// QueueUserMessage applies a user message, returning the action the runtime
// must take.
func (s *Store) QueueUserMessage(ctx context.Context, userID, companyID, threadKey, message string) (*QueueResult, error) {
	var result *QueueResult
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		var err error
		result, err = state.queueUserMessage(message, s.nowFn().UTC())
		return err
	})
	return result, err
}

// SetWaitingForLPT suspends the workflow on an external task.
func (s *Store) SetWaitingForLPT(ctx context.Context, userID, companyID, threadKey string, info *LPTInfo) error {
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		return state.setWaitingForLPT(info, s.nowFn().UTC())
	})
	return err
}

// ClearWaitingLPT resumes the workflow, returning the stored LPT info.
func (s *Store) ClearWaitingLPT(ctx context.Context, userID, companyID, threadKey string) (*LPTInfo, error) {
	var info *LPTInfo
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		var err error
		info, err = state.clearWaitingLPT(s.nowFn().UTC())
		return err
	})
	return info, err
}

// TakePendingMessage returns and clears the queued user message, if any.
func (s *Store) TakePendingMessage(ctx context.Context, userID, companyID, threadKey string) (string, error) {
	var pending string
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		pending = state.PendingUserMessage
		state.PendingUserMessage = ""
		return nil
	})
	return pending, err
}

// IncrementTurn bumps the observability turn counter.
func (s *Store) IncrementTurn(ctx context.Context, userID, companyID, threadKey string) (int, error) {
	var turn int
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		state.CurrentTurn++
		state.LastActivity = s.nowFn().UTC()
		turn = state.CurrentTurn
		return nil
	})
	return turn, err
}

// End marks the workflow completed, shortening the TTL to 5 minutes while
// preserving the record for debugging.
func (s *Store) End(ctx context.Context, userID, companyID, threadKey string) error {
	_, err := s.mutate(ctx, userID, companyID, threadKey, func(state *State) error {
		state.Status = StatusCompleted
		state.LastActivity = s.nowFn().UTC()
		return nil
	})
	return err
}

// Delete removes the record outright.
func (s *Store) Delete(ctx context.Context, userID, companyID, threadKey string) error {
	return s.kv.Delete(ctx, keys.WorkflowState(userID, companyID, threadKey))
}
