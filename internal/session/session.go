// Package session persists the per-(user, company) LLM session state:
// user context, jobs data, chat-page presence and per-thread activity.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/keys"
	"github.com/comptio/fabric/internal/kv"
)

// ErrNotFound marks a session that does not exist (or has expired).
var ErrNotFound = errors.New("session: not found")

// ThreadState is the per-thread slice of a session.
type ThreadState struct {
	State             string         `json:"state,omitempty"`
	LastActivity      Time           `json:"last_activity,omitempty"`
	IntermediationMode string        `json:"intermediation_mode,omitempty"`
	ActiveTasks       StringSet      `json:"active_tasks,omitempty"`
	ContextCache      map[string]any `json:"context_cache,omitempty"`
}

// State is the persisted session record. At most one exists per
// (user, company) pair; current_active_thread is non-empty only while
// is_on_chat_page holds.
type State struct {
	UserID              string                  `json:"user_id"`
	CompanyID           string                  `json:"company_id"`
	UserContext         map[string]any          `json:"user_context,omitempty"`
	JobsData            map[string]any          `json:"jobs_data,omitempty"`
	JobsMetrics         map[string]any          `json:"jobs_metrics,omitempty"`
	IsOnChatPage        bool                    `json:"is_on_chat_page"`
	CurrentActiveThread string                  `json:"current_active_thread,omitempty"`
	Threads             map[string]*ThreadState `json:"threads,omitempty"`
	CreatedAt           Time                    `json:"created_at"`
	UpdatedAt           Time                    `json:"updated_at"`
}

// Store owns serialisation and TTL for session records.
type Store struct {
	kv     kv.Store
	logger *logger.Logger
}

// NewStore creates a session store on the KV client.
func NewStore(store kv.Store, log *logger.Logger) *Store {
	return &Store{kv: store, logger: log.WithFields(zap.String("component", "session-store"))}
}

// Save writes the full record and refreshes the TTL.
func (s *Store) Save(ctx context.Context, state *State) error {
	state.UpdatedAt = Now()
	if state.CreatedAt.IsZero() {
		state.CreatedAt = state.UpdatedAt
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return s.kv.SetEx(ctx, keys.SessionState(state.UserID, state.CompanyID), raw, keys.TTLSession)
}

// Load reads the record. ErrNotFound when absent or expired.
func (s *Store) Load(ctx context.Context, userID, companyID string) (*State, error) {
	raw, err := s.kv.Get(ctx, keys.SessionState(userID, companyID))
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session load: %w", err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("session load: %w", err)
	}
	return &state, nil
}

// UpdatePartial applies a load-merge-save mutation. When extendTTL is false
// the existing TTL is preserved.
func (s *Store) UpdatePartial(ctx context.Context, userID, companyID string, mutate func(*State), extendTTL bool) error {
	state, err := s.Load(ctx, userID, companyID)
	if err != nil {
		return err
	}
	mutate(state)
	state.UpdatedAt = Now()

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("session update: %w", err)
	}

	key := keys.SessionState(userID, companyID)
	if extendTTL {
		return s.kv.SetEx(ctx, key, raw, keys.TTLSession)
	}

	remaining, err := s.kv.TTL(ctx, key)
	if err != nil || remaining <= 0 {
		remaining = keys.TTLSession
	}
	return s.kv.SetEx(ctx, key, raw, remaining)
}

// Delete removes the record (explicit sign-out).
func (s *Store) Delete(ctx context.Context, userID, companyID string) error {
	return s.kv.Delete(ctx, keys.SessionState(userID, companyID))
}

// UpdatePresence records whether the user is watching the chat page and
// which thread is in front of them.
func (s *Store) UpdatePresence(ctx context.Context, userID, companyID string, isOnChatPage bool, currentActiveThread string) error {
	return s.UpdatePartial(ctx, userID, companyID, func(state *State) {
		state.IsOnChatPage = isOnChatPage
		if isOnChatPage {
			state.CurrentActiveThread = currentActiveThread
		} else {
			state.CurrentActiveThread = ""
		}
	}, true)
}

// UpdateThreadActivity stamps last_activity on one thread.
func (s *Store) UpdateThreadActivity(ctx context.Context, userID, companyID, threadKey string) error {
	return s.UpdatePartial(ctx, userID, companyID, func(state *State) {
		if state.Threads == nil {
			state.Threads = make(map[string]*ThreadState)
		}
		ts := state.Threads[threadKey]
		if ts == nil {
			ts = &ThreadState{}
			state.Threads[threadKey] = ts
		}
		ts.LastActivity = Now()
	}, true)
}

// UpdateJobsData replaces the jobs data and metrics blocks.
func (s *Store) UpdateJobsData(ctx context.Context, userID, companyID string, jobsData, jobsMetrics map[string]any) error {
	return s.UpdatePartial(ctx, userID, companyID, func(state *State) {
		state.JobsData = jobsData
		state.JobsMetrics = jobsMetrics
	}, true)
}

// GetUserContext returns the company metadata block.
func (s *Store) GetUserContext(ctx context.Context, userID, companyID string) (map[string]any, error) {
	state, err := s.Load(ctx, userID, companyID)
	if err != nil {
		return nil, err
	}
	return state.UserContext, nil
}

// GetJobsData returns the jobs data and metrics blocks.
func (s *Store) GetJobsData(ctx context.Context, userID, companyID string) (map[string]any, map[string]any, error) {
	state, err := s.Load(ctx, userID, companyID)
	if err != nil {
		return nil, nil, err
	}
	return state.JobsData, state.JobsMetrics, nil
}

// IsUserOnThread is the single authoritative mode predicate: true iff the
// user is on the chat page with exactly this thread active. Every publisher
// (supervisor, agent runtime, LPT callback) consults this function.
func (s *Store) IsUserOnThread(ctx context.Context, userID, companyID, threadKey string) bool {
	state, err := s.Load(ctx, userID, companyID)
	if err != nil {
		return false
	}
	return state.IsOnChatPage && state.CurrentActiveThread == threadKey
}

// Exists reports whether a session record is present.
func (s *Store) Exists(ctx context.Context, userID, companyID string) (bool, error) {
	return s.kv.Exists(ctx, keys.SessionState(userID, companyID))
}

// ListUserSessions returns every live session of one user across companies.
func (s *Store) ListUserSessions(ctx context.Context, userID string) ([]*State, error) {
	found, err := s.kv.Scan(ctx, keys.SessionPattern(userID), 100)
	if err != nil {
		return nil, fmt.Errorf("session list: %w", err)
	}
	var out []*State
	for _, key := range found {
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var state State
		if err := json.Unmarshal(raw, &state); err != nil {
			s.logger.Warn("undecodable session record", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, &state)
	}
	return out, nil
}
