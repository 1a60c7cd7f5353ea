package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/docdb"
	ws "github.com/comptio/fabric/pkg/websocket"
)

// TokenVerifier checks an identity token and returns the user id it belongs
// to. Implemented by the external-clients token service.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

// PageAssembler builds the per-module page payloads. Implemented by the page
// handlers.
type PageAssembler interface {
	Dashboard(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error)
	Invoices(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error)
	HR(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error)
	COA(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error)
}

// TaskExecutor runs a planned task immediately. Implemented by the agent
// runtime.
type TaskExecutor interface {
	ExecuteTaskNow(ctx context.Context, userID, companyID, taskID, instructions string) (map[string]any, error)
}

// FrameDeps are the services the client->server frame handlers call into.
type FrameDeps struct {
	Tokens TokenVerifier
	Pages  PageAssembler
	Tasks  TaskExecutor
	Doc    docdb.Store
}

// RegisterFrameHandlers installs the receive-loop handlers on the dispatcher:
// auth.firebase_token, the dashboard.* page requests and the task.* frames.
// Responses go back on the requesting socket; client mistakes come back as
// error frames, internal failures surface through the handler error path.
func RegisterFrameHandlers(dispatcher *ws.Dispatcher, deps FrameDeps, log *logger.Logger) {
	log = log.WithFields(zap.String("component", "ws_frames"))

	dispatcher.RegisterFunc(ws.EventAuthFirebaseToken, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			Token string `json:"token"`
		}
		if err := msg.ParsePayload(&payload); err != nil || payload.Token == "" {
			return ws.NewError(ws.ErrorCodeBadRequest, "token is required", nil), nil
		}
		userID, err := deps.Tokens.Verify(ctx, payload.Token)
		if err != nil {
			log.Warn("Token verification failed", zap.Error(err))
			return ws.NewError(ws.ErrorCodeAuthFailed, "token verification failed", nil), nil
		}
		if info, ok := ClientInfoFrom(ctx); ok && info.UserID != "" && info.UserID != userID {
			log.Warn("Token user mismatch",
				zap.String("socket_user", info.UserID), zap.String("token_user", userID))
			return ws.NewError(ws.ErrorCodeAuthFailed, "token does not match connection identity", nil), nil
		}
		return ws.NewMessage(ws.EventAuthResult, map[string]any{
			"user_id":       userID,
			"authenticated": true,
		})
	})

	// The three dashboard frames share one shape; only the cache policy
	// differs. company_change and orchestrate_init serve from cache,
	// refresh forces a rebuild.
	page := func(forceRefresh bool) ws.HandlerFunc {
		return func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
			info, ok := ClientInfoFrom(ctx)
			if !ok || info.UserID == "" {
				return ws.NewError(ws.ErrorCodeAuthFailed, "no connection identity", nil), nil
			}
			var payload struct {
				CompanyID string `json:"company_id"`
				Module    string `json:"module"`
			}
			if err := msg.ParsePayload(&payload); err != nil || payload.CompanyID == "" {
				return ws.NewError(ws.ErrorCodeBadRequest, "company_id is required", nil), nil
			}
			data, err := assemblePage(ctx, deps.Pages, info.UserID, payload.CompanyID, payload.Module, forceRefresh)
			if err != nil {
				return nil, err
			}
			return ws.NewMessage(ws.EventDashboardSnapshot, data)
		}
	}
	dispatcher.RegisterFunc(ws.EventDashboardOrchestrate, page(false))
	dispatcher.RegisterFunc(ws.EventDashboardCompanyChange, page(false))
	dispatcher.RegisterFunc(ws.EventDashboardRefresh, page(true))

	dispatcher.RegisterFunc(ws.EventTaskList, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		info, ok := ClientInfoFrom(ctx)
		if !ok || info.UserID == "" {
			return ws.NewError(ws.ErrorCodeAuthFailed, "no connection identity", nil), nil
		}
		docs, err := deps.Doc.QueryGroup(ctx, "tasks", docdb.Query{
			Filters: []docdb.Filter{{Field: "user_id", Op: "==", Value: info.UserID}},
		})
		if err != nil {
			return nil, err
		}
		tasks := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			tasks = append(tasks, map[string]any{"id": doc.ID, "path": doc.Path, "data": doc.Data})
		}
		return ws.NewMessage(ws.EventTaskSnapshot, map[string]any{
			"tasks": tasks,
			"count": len(tasks),
		})
	})

	dispatcher.RegisterFunc(ws.EventTaskExecute, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		info, ok := ClientInfoFrom(ctx)
		if !ok || info.UserID == "" {
			return ws.NewError(ws.ErrorCodeAuthFailed, "no connection identity", nil), nil
		}
		var payload struct {
			CompanyID    string `json:"company_id"`
			TaskID       string `json:"task_id"`
			Instructions string `json:"instructions"`
		}
		if err := msg.ParsePayload(&payload); err != nil || payload.CompanyID == "" || payload.TaskID == "" {
			return ws.NewError(ws.ErrorCodeBadRequest, "company_id and task_id are required", nil), nil
		}
		out, err := deps.Tasks.ExecuteTaskNow(ctx, info.UserID, payload.CompanyID, payload.TaskID, payload.Instructions)
		if err != nil {
			return nil, err
		}
		return ws.NewMessage(ws.EventTaskResult, out)
	})

	dispatcher.RegisterFunc(ws.EventTaskToggleEnabled, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			Path    string `json:"path"`
			Enabled bool   `json:"enabled"`
		}
		if err := msg.ParsePayload(&payload); err != nil || payload.Path == "" {
			return ws.NewError(ws.ErrorCodeBadRequest, "path is required", nil), nil
		}
		if err := deps.Doc.Set(ctx, payload.Path, map[string]any{"enabled": payload.Enabled}, true); err != nil {
			return nil, err
		}
		return ws.NewMessage(ws.EventTaskResult, map[string]any{
			"path":    payload.Path,
			"enabled": payload.Enabled,
		})
	})

	dispatcher.RegisterFunc(ws.EventTaskUpdate, func(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
		var payload struct {
			Path string         `json:"path"`
			Data map[string]any `json:"data"`
		}
		if err := msg.ParsePayload(&payload); err != nil || payload.Path == "" || len(payload.Data) == 0 {
			return ws.NewError(ws.ErrorCodeBadRequest, "path and data are required", nil), nil
		}
		if err := deps.Doc.Set(ctx, payload.Path, payload.Data, true); err != nil {
			return nil, err
		}
		return ws.NewMessage(ws.EventTaskResult, map[string]any{
			"path":    payload.Path,
			"updated": true,
		})
	})
}

// assemblePage routes a dashboard frame to the page module it names. An
// unknown or empty module falls back to the main dashboard.
func assemblePage(ctx context.Context, pages PageAssembler, userID, companyID, module string, forceRefresh bool) (map[string]any, error) {
	switch module {
	case "invoices":
		return pages.Invoices(ctx, userID, companyID, forceRefresh)
	case "hr":
		return pages.HR(ctx, userID, companyID, forceRefresh)
	case "coa":
		return pages.COA(ctx, userID, companyID, forceRefresh)
	default:
		return pages.Dashboard(ctx, userID, companyID, forceRefresh)
	}
}
