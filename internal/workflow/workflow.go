// Package workflow owns the per-thread agent workflow state machine:
// running/paused/waiting_lpt/completed, UI vs BACKEND mode, pause/resume on
// user input, and suspension while an LPT is in flight.
package workflow

import (
	"errors"
	"strings"
	"time"
)

// Statuses of a workflow record.
const (
	StatusRunning    = "running"
	StatusPaused     = "paused"
	StatusWaitingLPT = "waiting_lpt"
	StatusCompleted  = "completed"
)

// Modes. UI means the user is watching the thread and streaming is on.
const (
	ModeUI      = "UI"
	ModeBackend = "BACKEND"
)

// Actions returned by QueueUserMessage.
const (
	ActionResumeWorkflowUI = "resume_workflow_ui"
	ActionPauseWorkflow    = "pause_workflow"
)

// terminateSuffix is the sentinel that resumes a paused workflow in UI mode.
const terminateSuffix = "TERMINATE"

// Pause reasons.
const (
	PauseReasonUserMessage = "user_message"
	PauseReasonUserLeft    = "user_left"
)

var (
	// ErrNotFound marks a workflow that does not exist (or has expired).
	ErrNotFound = errors.New("workflow: not found")
	// ErrInvalidTransition marks a transition the state machine forbids.
	ErrInvalidTransition = errors.New("workflow: invalid transition")
)

// LPTInfo describes the long-running task a workflow is suspended on. A
// workflow in waiting_lpt holds exactly one, identified by BatchID.
type LPTInfo struct {
	BatchID           string         `json:"batch_id"`
	TaskType          string         `json:"task_type,omitempty"`
	Reason            string         `json:"reason,omitempty"`
	ExpectedLPT       string         `json:"expected_lpt,omitempty"`
	StepWaiting       string         `json:"step_waiting,omitempty"`
	TaskIDs           []string       `json:"task_ids,omitempty"`
	AdditionalContext map[string]any `json:"additional_context,omitempty"`
}

// State is the persisted workflow record for one (user, company, thread).
type State struct {
	UserID             string    `json:"user_id"`
	CompanyID          string    `json:"company_id"`
	ThreadKey          string    `json:"thread_key"`
	Status             string    `json:"status"`
	Mode               string    `json:"mode"`
	UserPresent        bool      `json:"user_present"`
	StartedAt          time.Time `json:"started_at"`
	PausedAt           time.Time `json:"paused_at,omitempty"`
	PauseReason        string    `json:"pause_reason,omitempty"`
	PendingUserMessage string    `json:"pending_user_message,omitempty"`
	CurrentTurn        int       `json:"current_turn"`
	WaitingLPTInfo     *LPTInfo  `json:"waiting_lpt_info,omitempty"`
	WaitingLPTSince    time.Time `json:"waiting_lpt_since,omitempty"`
	LastActivity       time.Time `json:"last_activity"`
}

// live reports whether the workflow can still accept events.
func (s *State) live() bool {
	return s.Status == StatusRunning || s.Status == StatusPaused || s.Status == StatusWaitingLPT
}

// UserEnteredResult reports the state seen when the user came back.
type UserEnteredResult struct {
	WorkflowPaused bool `json:"workflow_paused"`
}

// UserLeftResult tells the caller whether a BACKEND resume must run.
type UserLeftResult struct {
	NeedsResume  bool   `json:"needs_resume"`
	ResumeReason string `json:"resume_reason,omitempty"`
	NewMode      string `json:"new_mode"`
}

// QueueResult is the outcome of QueueUserMessage; Action drives the runtime
// (resume with streaming vs plain pause).
type QueueResult struct {
	Queued       bool   `json:"queued"`
	IsTerminate  bool   `json:"is_terminate"`
	CleanMessage string `json:"clean_message"`
	Action       string `json:"action"`
	Mode         string `json:"mode"`
}

// userEntered applies the user_entered event in place.
func (s *State) userEntered(now time.Time) (*UserEnteredResult, error) {
	if !s.live() {
		return nil, ErrInvalidTransition
	}
	s.Mode = ModeUI
	s.UserPresent = true
	s.LastActivity = now
	return &UserEnteredResult{WorkflowPaused: s.Status == StatusPaused}, nil
}

// userLeft applies the user_left event in place. Leaving while paused turns
// the workflow back to running in BACKEND mode and requires exactly one
// resume by the caller.
func (s *State) userLeft(now time.Time) (*UserLeftResult, error) {
	if !s.live() {
		return nil, ErrInvalidTransition
	}
	s.Mode = ModeBackend
	s.UserPresent = false
	s.LastActivity = now

	if s.Status == StatusPaused {
		s.Status = StatusRunning
		s.PauseReason = PauseReasonUserLeft
		s.PausedAt = time.Time{}
		return &UserLeftResult{NeedsResume: true, ResumeReason: PauseReasonUserLeft, NewMode: ModeBackend}, nil
	}
	return &UserLeftResult{NeedsResume: false, NewMode: ModeBackend}, nil
}

// queueUserMessage applies a user message in place. A trimmed text whose
// uppercase form ends with TERMINATE resumes in UI mode with the sentinel
// stripped; anything else pauses the workflow.
func (s *State) queueUserMessage(message string, now time.Time) (*QueueResult, error) {
	if !s.live() {
		return nil, ErrInvalidTransition
	}
	trimmed := strings.TrimSpace(message)
	if strings.HasSuffix(strings.ToUpper(trimmed), terminateSuffix) {
		clean := strings.TrimSpace(trimmed[:len(trimmed)-len(terminateSuffix)])
		s.Status = StatusRunning
		s.Mode = ModeUI
		s.UserPresent = true
		s.PendingUserMessage = clean
		s.PauseReason = ""
		s.PausedAt = time.Time{}
		s.LastActivity = now
		return &QueueResult{
			Queued:       true,
			IsTerminate:  true,
			CleanMessage: clean,
			Action:       ActionResumeWorkflowUI,
			Mode:         ModeUI,
		}, nil
	}

	s.Status = StatusPaused
	s.PauseReason = PauseReasonUserMessage
	s.PendingUserMessage = trimmed
	s.PausedAt = now
	s.LastActivity = now
	return &QueueResult{
		Queued:       true,
		CleanMessage: trimmed,
		Action:       ActionPauseWorkflow,
		Mode:         s.Mode,
	}, nil
}

// setWaitingForLPT suspends the workflow on an external task. Both running
// and paused accept the transition: a paused workflow means the user is
// driving the conversation, and that conversation can itself dispatch an LPT
// and wait on it.
func (s *State) setWaitingForLPT(info *LPTInfo, now time.Time) error {
	if s.Status != StatusRunning && s.Status != StatusPaused {
		return ErrInvalidTransition
	}
	s.Status = StatusWaitingLPT
	s.PauseReason = ""
	s.PausedAt = time.Time{}
	s.WaitingLPTInfo = info
	s.WaitingLPTSince = now
	s.LastActivity = now
	return nil
}

// clearWaitingLPT resumes a suspended workflow, returning the stored info.
func (s *State) clearWaitingLPT(now time.Time) (*LPTInfo, error) {
	if s.Status != StatusWaitingLPT {
		return nil, ErrInvalidTransition
	}
	info := s.WaitingLPTInfo
	s.Status = StatusRunning
	s.WaitingLPTInfo = nil
	s.WaitingLPTSince = time.Time{}
	s.LastActivity = now
	return info, nil
}
