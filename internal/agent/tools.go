package agent

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/comptio/fabric/internal/agent/model"
	"github.com/comptio/fabric/internal/lpt"
	"github.com/comptio/fabric/internal/workflow"
)

// Built-in tool names.
const (
	ToolWaitOnLPT      = "WAIT_ON_LPT"
	ToolDispatchLPT    = "DISPATCH_LPT"
	ToolGetUserContext = "GET_USER_CONTEXT"
	ToolGetJobsData    = "GET_JOBS_DATA"
)

// Result keys that control the turn loop rather than feed the model.
const (
	resultWaitOnLPT         = "_wait_on_lpt"
	resultTerminateWorkflow = "_terminate_workflow"
)

// ToolContext carries the thread identity into a handler. LastBatchID is
// filled by DISPATCH_LPT so a following WAIT_ON_LPT in the same turn binds
// to that batch even when the model omits it.
type ToolContext struct {
	UserID      string
	CompanyID   string
	ThreadKey   string
	LastBatchID string
}

// ToolHandler executes one tool call and returns the result payload fed back
// to the model.
type ToolHandler func(ctx context.Context, tc *ToolContext, input map[string]any) (map[string]any, error)

// ToolSpec pairs the model-facing definition with its handler.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handler     ToolHandler
}

// Definition converts the tool spec into the provider-facing form.
func (t ToolSpec) Definition() model.ToolDefinition {
	return model.ToolDefinition{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema}
}

// RegisterTool installs or replaces a tool in the runtime table.
func (r *Runtime) RegisterTool(spec ToolSpec) {
	r.tools[spec.Name] = spec
}

func (r *Runtime) registerBuiltinTools() {
	r.RegisterTool(ToolSpec{
		Name:        ToolWaitOnLPT,
		Description: "Suspend this conversation until a dispatched long-processing task reports back. Call immediately after DISPATCH_LPT.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"reason":             map[string]any{"type": "string"},
				"expected_lpt":       map[string]any{"type": "string"},
				"step_waiting":       map[string]any{"type": "string"},
				"batch_id":           map[string]any{"type": "string", "description": "Batch id returned by DISPATCH_LPT"},
				"task_ids":           map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"additional_context": map[string]any{"type": "object"},
			},
			"required": []any{"reason", "expected_lpt"},
		},
		Handler: r.handleWaitOnLPT,
	})
	r.RegisterTool(ToolSpec{
		Name:        ToolDispatchLPT,
		Description: "Dispatch a long-processing task to the executor fleet. Returns the batch id to wait on.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"collection_name":    map[string]any{"type": "string"},
				"jobs_data":          map[string]any{"type": "array"},
				"settings":           map[string]any{"type": "object"},
				"start_instructions": map[string]any{"type": "string"},
			},
			"required": []any{"collection_name"},
		},
		Handler: r.handleDispatchLPT,
	})
	r.RegisterTool(ToolSpec{
		Name:        ToolGetUserContext,
		Description: "Read the cached user context for the current session.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, tc *ToolContext, _ map[string]any) (map[string]any, error) {
			uc, err := r.sessions.GetUserContext(ctx, tc.UserID, tc.CompanyID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"user_context": uc}, nil
		},
	})
	r.RegisterTool(ToolSpec{
		Name:        ToolGetJobsData,
		Description: "Read the bookkeeping jobs data and metrics for the current session.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handler: func(ctx context.Context, tc *ToolContext, _ map[string]any) (map[string]any, error) {
			jobs, jobsMetrics, err := r.sessions.GetJobsData(ctx, tc.UserID, tc.CompanyID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"jobs_data": jobs, "jobs_metrics": jobsMetrics}, nil
		},
	})
}

func (r *Runtime) handleWaitOnLPT(ctx context.Context, tc *ToolContext, input map[string]any) (map[string]any, error) {
	info := &workflow.LPTInfo{
		Reason:      stringArg(input, "reason"),
		ExpectedLPT: stringArg(input, "expected_lpt"),
		StepWaiting: stringArg(input, "step_waiting"),
		BatchID:     stringArg(input, "batch_id"),
	}
	if info.BatchID == "" {
		info.BatchID = tc.LastBatchID
	}
	if raw, ok := input["task_ids"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				info.TaskIDs = append(info.TaskIDs, s)
			}
		}
	}
	if extra, ok := input["additional_context"].(map[string]any); ok {
		info.AdditionalContext = extra
	}
	if err := r.workflows.SetWaitingForLPT(ctx, tc.UserID, tc.CompanyID, tc.ThreadKey, info); err != nil {
		return nil, fmt.Errorf("set waiting_lpt: %w", err)
	}
	return map[string]any{
		resultWaitOnLPT:         true,
		resultTerminateWorkflow: true,
		"reason":                info.Reason,
	}, nil
}

func (r *Runtime) handleDispatchLPT(ctx context.Context, tc *ToolContext, input map[string]any) (map[string]any, error) {
	req := &lpt.Request{
		BatchID:        uuid.NewString(),
		CollectionName: stringArg(input, "collection_name"),
		UserID:         tc.UserID,
		ClientUUID:     tc.UserID,
		MandatesPath:   stringArg(input, "mandates_path"),
		Traceability: lpt.Traceability{
			ThreadKey:  tc.ThreadKey,
			ThreadName: stringArg(input, "thread_name"),
		},
		StartInstructions: stringArg(input, "start_instructions"),
	}
	if jobs, ok := input["jobs_data"].([]any); ok {
		req.JobsData = jobs
	}
	if settings, ok := input["settings"].(map[string]any); ok {
		req.Settings = settings
	}
	if err := r.dispatcher.Dispatch(ctx, req); err != nil {
		return map[string]any{"dispatched": false, "error": err.Error()}, nil
	}
	tc.LastBatchID = req.BatchID
	return map[string]any{"dispatched": true, "batch_id": req.BatchID}, nil
}

func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}
