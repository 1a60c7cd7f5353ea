package rpc

import (
	"context"
	"errors"

	"github.com/comptio/fabric/internal/agent"
	"github.com/comptio/fabric/internal/cache"
	"github.com/comptio/fabric/internal/chat"
	"github.com/comptio/fabric/internal/clients"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/listener"
	"github.com/comptio/fabric/internal/pages"
	"github.com/comptio/fabric/internal/presence"
	"github.com/comptio/fabric/internal/rtdb"
	"github.com/comptio/fabric/internal/session"
)

// Bindings bundles every component the method table reaches into.
type Bindings struct {
	Agent      *agent.Runtime
	Presence   *presence.Registry
	Supervisor *listener.Supervisor
	Sessions   *session.Store
	Chats      *chat.Store
	Doc        docdb.Store
	Tree       rtdb.Store
	Cache      *cache.Manager
	Pages      *pages.Handlers
	Ext        *clients.Set
}

// RegisterAll installs the full method table.
func RegisterAll(r *Router, b *Bindings) {
	registerFirebaseManagement(r, b)
	registerFirebaseRealtime(r, b)
	registerRegistry(r, b)
	registerListeners(r, b)
	registerChromaVector(r, b)
	registerTask(r, b)
	registerLLM(r, b)
	registerDMS(r, b)
	registerHR(r, b)
	registerCaches(r, b)
	registerERP(r, b)
	registerDashboard(r, b)
}

func registerFirebaseManagement(r *Router, b *Bindings) {
	r.Register("FIREBASE_MANAGEMENT.get_document", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		doc, err := b.Doc.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if doc == nil {
			return map[string]any{"exists": false}, nil
		}
		return map[string]any{"exists": true, "id": doc.ID, "data": doc.Data}, nil
	})
	r.Register("FIREBASE_MANAGEMENT.set_document", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		data := req.Map("data")
		if data == nil {
			return nil, Errorf(CodeInvalidArgs, "kwarg %q is required", "data")
		}
		if err := b.Doc.Set(ctx, args[0], data, req.Bool("merge")); err != nil {
			return nil, err
		}
		return map[string]any{"written": true}, nil
	})
	r.Register("FIREBASE_MANAGEMENT.delete_document", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		if req.Bool("recursive") {
			report, err := b.Doc.DeleteRecursive(ctx, args[0])
			if err != nil {
				return nil, err
			}
			return report, nil
		}
		if err := b.Doc.Delete(ctx, args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	})
	r.Register("FIREBASE_MANAGEMENT.query_collection", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("collection")
		if errv != nil {
			return nil, errv
		}
		q := docdb.Query{OrderBy: req.String("order_by"), Desc: req.Bool("desc")}
		if limit, ok := req.Kwargs["limit"].(float64); ok {
			q.Limit = int(limit)
		}
		if filters, ok := req.Kwargs["filters"].([]any); ok {
			for _, f := range filters {
				fm, ok := f.(map[string]any)
				if !ok {
					continue
				}
				field, _ := fm["field"].(string)
				op, _ := fm["op"].(string)
				q.Filters = append(q.Filters, docdb.Filter{Field: field, Op: op, Value: fm["value"]})
			}
		}
		docs, err := b.Doc.Query(ctx, args[0], q)
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(docs))
		for _, d := range docs {
			out = append(out, map[string]any{"id": d.ID, "data": d.Data})
		}
		return out, nil
	})
}

func registerFirebaseRealtime(r *Router, b *Bindings) {
	r.Register("FIREBASE_REALTIME.get", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		return b.Tree.Get(ctx, args[0])
	})
	r.Register("FIREBASE_REALTIME.set", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		if err := b.Tree.Set(ctx, args[0], req.Kwargs["data"]); err != nil {
			return nil, err
		}
		return map[string]any{"written": true}, nil
	})
	r.Register("FIREBASE_REALTIME.update", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		data := req.Map("data")
		if data == nil {
			return nil, Errorf(CodeInvalidArgs, "kwarg %q is required", "data")
		}
		if err := b.Tree.Update(ctx, args[0], data); err != nil {
			return nil, err
		}
		return map[string]any{"written": true}, nil
	})
	r.Register("FIREBASE_REALTIME.push", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		id, err := b.Tree.Push(ctx, args[0], req.Kwargs["data"])
		if err != nil {
			return nil, err
		}
		return map[string]any{"id": id}, nil
	})
	r.Register("FIREBASE_REALTIME.delete", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		if err := b.Tree.Delete(ctx, args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"deleted": true}, nil
	})
}

func registerRegistry(r *Router, b *Bindings) {
	r.Register("REGISTRY.heartbeat", func(ctx context.Context, req *Request) (any, error) {
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		var companies []string
		if raw, ok := req.Kwargs["authorized_companies_ids"].([]any); ok {
			for _, v := range raw {
				if s, ok := v.(string); ok {
					companies = append(companies, s)
				}
			}
		}
		if err := b.Presence.Heartbeat(ctx, req.UserID, req.SessionID, companies); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
	r.Register("REGISTRY.mark_offline", func(ctx context.Context, req *Request) (any, error) {
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		if err := b.Presence.MarkOffline(ctx, req.UserID); err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
	r.Register("REGISTRY.get_user", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("target_user_id")
		if errv != nil {
			return nil, errv
		}
		rec, err := b.Presence.Get(ctx, args[0])
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return map[string]any{"found": false}, nil
		}
		return rec, nil
	})
	r.Register("REGISTRY.list_online", func(ctx context.Context, _ *Request) (any, error) {
		return b.Presence.ListOnline(ctx)
	})
}

func registerListeners(r *Router, b *Bindings) {
	r.Register("LISTENERS.status", func(_ context.Context, _ *Request) (any, error) {
		return map[string]any{
			"attached_users":    b.Supervisor.AttachedUserCount(),
			"workflow_watchers": b.Supervisor.WorkflowWatcherCount(),
		}, nil
	})
	r.Register("LISTENERS.attach_workflow", func(_ context.Context, req *Request) (any, error) {
		args, errv := req.Require("job_id")
		if errv != nil {
			return nil, errv
		}
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		if err := b.Supervisor.AttachWorkflowWatcher(req.UserID, args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"attached": true}, nil
	})
	r.Register("LISTENERS.detach_workflow", func(_ context.Context, req *Request) (any, error) {
		args, errv := req.Require("job_id")
		if errv != nil {
			return nil, errv
		}
		b.Supervisor.DetachWorkflowWatcher(req.UserID, args[0])
		return map[string]any{"detached": true}, nil
	})
	r.Register("LISTENERS.attach_transaction", func(_ context.Context, req *Request) (any, error) {
		args, errv := req.Require("batch_id")
		if errv != nil {
			return nil, errv
		}
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		if err := b.Supervisor.AttachTransactionWatcher(req.UserID, args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"attached": true}, nil
	})
	r.Register("LISTENERS.detach_transaction", func(_ context.Context, req *Request) (any, error) {
		args, errv := req.Require("batch_id")
		if errv != nil {
			return nil, errv
		}
		b.Supervisor.DetachTransactionWatcher(args[0])
		return map[string]any{"detached": true}, nil
	})
}

func registerChromaVector(r *Router, b *Bindings) {
	r.Register("CHROMA_VECTOR.register_collection_user", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("collection_name")
		if errv != nil {
			return nil, errv
		}
		return nil, b.Ext.Vector.RegisterCollectionUser(ctx, args[0], req.UserID)
	})
	r.Register("CHROMA_VECTOR.query", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("collection_name", "query")
		if errv != nil {
			return nil, errv
		}
		limit := 10
		if v, ok := req.Kwargs["limit"].(float64); ok && v > 0 {
			limit = int(v)
		}
		return b.Ext.Vector.Query(ctx, args[0], args[1], limit)
	})
}

func registerTask(r *Router, b *Bindings) {
	r.Register("TASK.list", func(ctx context.Context, req *Request) (any, error) {
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		docs, err := b.Doc.QueryGroup(ctx, "tasks", docdb.Query{
			Filters: []docdb.Filter{{Field: "user_id", Op: "==", Value: req.UserID}},
		})
		if err != nil {
			return nil, err
		}
		out := make([]map[string]any, 0, len(docs))
		for _, d := range docs {
			out = append(out, map[string]any{"id": d.ID, "path": d.Path, "data": d.Data})
		}
		return out, nil
	})
	r.Register("TASK.toggle_enabled", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("path")
		if errv != nil {
			return nil, errv
		}
		enabled := req.Bool("enabled")
		if err := b.Doc.Set(ctx, args[0], map[string]any{"enabled": enabled}, true); err != nil {
			return nil, err
		}
		return map[string]any{"enabled": enabled}, nil
	})
	r.Register("TASK.execute_now", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id", "task_id")
		if errv != nil {
			return nil, errv
		}
		return b.Agent.ExecuteTaskNow(ctx, req.UserID, args[0], args[1], req.String("instructions"))
	})
}

func registerLLM(r *Router, b *Bindings) {
	threadArgs := func(req *Request) (companyID, threadKey string, errv *Error) {
		args, errv := req.Require("company_id", "thread_key")
		if errv != nil {
			return "", "", errv
		}
		if req.UserID == "" {
			return "", "", Errorf(CodeInvalidArgs, "user_id is required")
		}
		return args[0], args[1], nil
	}

	r.Register("LLM.initialize_session", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		if err := b.Agent.InitializeSession(ctx, req.UserID, args[0], req.Map("user_context")); err != nil {
			return nil, err
		}
		return map[string]any{"initialized": true}, nil
	})
	r.Register("LLM.send_message", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		message := req.String("message")
		if message == "" {
			return nil, Errorf(CodeInvalidArgs, "kwarg %q is required", "message")
		}
		return b.Agent.SendMessage(ctx, req.UserID, companyID, threadKey, message)
	})
	r.Register("LLM.enter_chat", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		return b.Agent.EnterChat(ctx, req.UserID, companyID, threadKey)
	})
	r.Register("LLM.leave_chat", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		return b.Agent.LeaveChat(ctx, req.UserID, companyID, threadKey)
	})
	r.Register("LLM.flush_chat_history", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		if err := b.Agent.FlushChatHistory(ctx, req.UserID, companyID, threadKey); err != nil {
			return nil, err
		}
		return map[string]any{"flushed": true}, nil
	})
	r.Register("LLM.stop_streaming", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		if err := b.Agent.StopStreaming(ctx, req.UserID, companyID, threadKey); err != nil {
			return nil, err
		}
		return map[string]any{"stopping": true}, nil
	})
	r.Register("LLM.approve_plan", func(ctx context.Context, req *Request) (any, error) {
		companyID, threadKey, errv := threadArgs(req)
		if errv != nil {
			return nil, errv
		}
		return b.Agent.ApprovePlan(ctx, req.UserID, companyID, threadKey, req.String("plan_id"))
	})
	r.Register("LLM.send_card_response", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("collection_name", "thread_key", "card_name", "action")
		if errv != nil {
			return nil, errv
		}
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		err := b.Agent.SendCardResponse(ctx, req.UserID, args[0], args[1], args[2],
			req.String("card_message_id"), args[3], req.String("user_message"))
		if err != nil {
			return nil, err
		}
		return map[string]any{"ok": true}, nil
	})
	r.Register("LLM.invalidate_user_context", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		if err := b.Agent.InvalidateUserContext(ctx, req.UserID, args[0]); err != nil {
			return nil, err
		}
		return map[string]any{"invalidated": true}, nil
	})
	r.Register("LLM.execute_task_now", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id", "task_id")
		if errv != nil {
			return nil, errv
		}
		return b.Agent.ExecuteTaskNow(ctx, req.UserID, args[0], args[1], req.String("instructions"))
	})
}

func registerDMS(r *Router, b *Bindings) {
	r.Register("DMS.list_documents", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		return b.Ext.DMS.ListDocuments(ctx, args[0], req.String("folder"))
	})
	r.Register("DMS.get_document_url", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id", "document_id")
		if errv != nil {
			return nil, errv
		}
		url, err := b.Ext.DMS.GetDocumentURL(ctx, args[0], args[1])
		if err != nil {
			return nil, err
		}
		return map[string]any{"url": url}, nil
	})
}

func registerHR(r *Router, b *Bindings) {
	r.Register("HR.get_page", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		return b.Pages.HR(ctx, req.UserID, args[0], req.Bool("force_refresh"))
	})
	r.Register("HR.list_employees", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		return b.Ext.HR.ListEmployees(ctx, args[0])
	})
}

func registerCaches(r *Router, b *Bindings) {
	register := func(prefix string) {
		r.Register(prefix+".invalidate", func(ctx context.Context, req *Request) (any, error) {
			args, errv := req.Require("company_id", "data_type")
			if errv != nil {
				return nil, errv
			}
			b.Cache.Invalidate(ctx, req.UserID, args[0], args[1], req.String("sub_type"))
			return map[string]any{"invalidated": true}, nil
		})
		r.Register(prefix+".invalidate_module", func(ctx context.Context, req *Request) (any, error) {
			args, errv := req.Require("company_id", "data_type")
			if errv != nil {
				return nil, errv
			}
			removed := b.Cache.InvalidateModule(ctx, req.UserID, args[0], args[1])
			return map[string]any{"removed": removed}, nil
		})
		r.Register(prefix+".stats", func(ctx context.Context, req *Request) (any, error) {
			args, errv := req.Require("company_id")
			if errv != nil {
				return nil, errv
			}
			return b.Cache.Stats(ctx, req.UserID, args[0], req.String("data_type"))
		})
	}
	register("FIREBASE_CACHE")
	register("DRIVE_CACHE")
}

func registerERP(r *Router, b *Bindings) {
	withCompany := func(fn func(ctx context.Context, companyID string, req *Request) (any, error)) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			args, errv := req.Require("company_id")
			if errv != nil {
				return nil, errv
			}
			data, err := fn(ctx, args[0], req)
			if errors.Is(err, clients.ErrUnconfigured) {
				return nil, Errorf(CodeInternal, "erp integration not configured")
			}
			return data, err
		}
	}
	r.Register("ERP.get_expenses", withCompany(func(ctx context.Context, companyID string, _ *Request) (any, error) {
		return b.Ext.ERP.GetExpenses(ctx, companyID)
	}))
	r.Register("ERP.get_invoices", withCompany(func(ctx context.Context, companyID string, _ *Request) (any, error) {
		return b.Ext.ERP.GetInvoices(ctx, companyID)
	}))
	r.Register("ERP.get_chart_of_accounts", withCompany(func(ctx context.Context, companyID string, _ *Request) (any, error) {
		return b.Ext.ERP.GetChartOfAccounts(ctx, companyID)
	}))
	r.Register("ERP.get_company_info", withCompany(func(ctx context.Context, companyID string, _ *Request) (any, error) {
		return b.Ext.ERP.GetCompanyInfo(ctx, companyID)
	}))
	r.Register("ERP.invalidate_connection", withCompany(func(ctx context.Context, companyID string, req *Request) (any, error) {
		if err := b.Ext.ERP.InvalidateConnection(ctx, companyID); err != nil {
			return nil, err
		}
		// The cached ERP reads are stale once the connection resets.
		b.Cache.InvalidateModule(ctx, req.UserID, companyID, pages.ModuleDashboard)
		b.Cache.InvalidateModule(ctx, req.UserID, companyID, pages.ModuleInvoices)
		return map[string]any{"invalidated": true}, nil
	}))
}

func registerDashboard(r *Router, b *Bindings) {
	page := func(fn func(ctx context.Context, userID, companyID string, force bool) (map[string]any, error)) Handler {
		return func(ctx context.Context, req *Request) (any, error) {
			args, errv := req.Require("company_id")
			if errv != nil {
				return nil, errv
			}
			if req.UserID == "" {
				return nil, Errorf(CodeInvalidArgs, "user_id is required")
			}
			return fn(ctx, req.UserID, args[0], req.Bool("force_refresh"))
		}
	}
	r.Register("DASHBOARD.get_page", page(b.Pages.Dashboard))
	r.Register("DASHBOARD.get_invoices_page", page(b.Pages.Invoices))
	r.Register("DASHBOARD.get_hr_page", page(b.Pages.HR))
	r.Register("DASHBOARD.get_coa_page", page(b.Pages.COA))
	r.Register("DASHBOARD.update_jobs_data", func(ctx context.Context, req *Request) (any, error) {
		args, errv := req.Require("company_id")
		if errv != nil {
			return nil, errv
		}
		if req.UserID == "" {
			return nil, Errorf(CodeInvalidArgs, "user_id is required")
		}
		if err := b.Sessions.UpdateJobsData(ctx, req.UserID, args[0], req.Map("jobs_data"), req.Map("jobs_metrics")); err != nil {
			return nil, err
		}
		b.Cache.InvalidateModule(ctx, req.UserID, args[0], pages.ModuleDashboard)
		b.Cache.InvalidateModule(ctx, req.UserID, args[0], pages.ModuleInvoices)
		return map[string]any{"updated": true}, nil
	})
}
