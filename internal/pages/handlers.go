package pages

import (
	"context"

	"github.com/comptio/fabric/internal/clients"
	"github.com/comptio/fabric/internal/docdb"
	"github.com/comptio/fabric/internal/session"
)

// Page module names. These double as the cache module segment.
const (
	ModuleDashboard = "DASHBOARD"
	ModuleInvoices  = "INVOICES"
	ModuleHR        = "HR"
	ModuleCOA       = "COA"
	ModuleChat      = "CHAT"
	ModuleSettings  = "COMPANY_SETTINGS"
)

// Handlers bundles the concrete page handlers on one Runner.
type Handlers struct {
	runner   *Runner
	sessions *session.Store
	doc      docdb.Store
	ext      *clients.Set
}

// NewHandlers wires the page handlers.
func NewHandlers(runner *Runner, sessions *session.Store, doc docdb.Store, ext *clients.Set) *Handlers {
	return &Handlers{runner: runner, sessions: sessions, doc: doc, ext: ext}
}

// Dashboard composes the company overview, the jobs metrics and the latest
// unread notifications.
func (h *Handlers) Dashboard(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error) {
	sections := []Section{
		{
			Name:    "company",
			Default: map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				return h.ext.ERP.GetCompanyInfo(ctx, companyID)
			},
		},
		{
			Name:    "jobs_metrics",
			Default: map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				_, jobsMetrics, err := h.sessions.GetJobsData(ctx, userID, companyID)
				if err != nil {
					return nil, err
				}
				if jobsMetrics == nil {
					jobsMetrics = map[string]any{}
				}
				return jobsMetrics, nil
			},
		},
		{
			Name:    "notifications",
			Default: []map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				docs, err := h.doc.Query(ctx, "clients/"+userID+"/notifications", docdb.Query{
					Filters: []docdb.Filter{{Field: "read", Op: "==", Value: false}},
					OrderBy: "timestamp",
					Desc:    true,
					Limit:   20,
				})
				if err != nil {
					return nil, err
				}
				out := make([]map[string]any, 0, len(docs))
				for _, d := range docs {
					out = append(out, d.Data)
				}
				return out, nil
			},
		},
	}
	return h.runner.Run(ctx, userID, companyID, ModuleDashboard, forceRefresh, sections)
}

// Invoices returns the bookkeeping jobs sorted into display buckets plus the
// raw ERP invoice list.
func (h *Handlers) Invoices(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error) {
	sections := []Section{
		{
			Name:    "jobs",
			Default: SortJobs(nil),
			Fetch: func(ctx context.Context) (any, error) {
				jobsData, _, err := h.sessions.GetJobsData(ctx, userID, companyID)
				if err != nil {
					return nil, err
				}
				return SortJobs(extractJobs(jobsData)), nil
			},
		},
		{
			Name:    "invoices",
			Default: []map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				return h.ext.ERP.GetInvoices(ctx, companyID)
			},
		},
	}
	return h.runner.Run(ctx, userID, companyID, ModuleInvoices, forceRefresh, sections)
}

// HR composes the employee list and the payroll summary.
func (h *Handlers) HR(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error) {
	sections := []Section{
		{
			Name:    "employees",
			Default: []map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				return h.ext.HR.ListEmployees(ctx, companyID)
			},
		},
		{
			Name:    "payroll",
			Default: map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				return h.ext.HR.GetPayrollSummary(ctx, companyID)
			},
		},
	}
	return h.runner.Run(ctx, userID, companyID, ModuleHR, forceRefresh, sections)
}

// COA returns the chart of accounts.
func (h *Handlers) COA(ctx context.Context, userID, companyID string, forceRefresh bool) (map[string]any, error) {
	sections := []Section{
		{
			Name:    "accounts",
			Default: []map[string]any{},
			Fetch: func(ctx context.Context) (any, error) {
				return h.ext.ERP.GetChartOfAccounts(ctx, companyID)
			},
		},
	}
	return h.runner.Run(ctx, userID, companyID, ModuleCOA, forceRefresh, sections)
}

// extractJobs pulls the job list out of the session's jobs_data blob, which
// upstream stores either as {"jobs": [...]} or as a bare id->job map.
func extractJobs(jobsData map[string]any) []map[string]any {
	if jobsData == nil {
		return nil
	}
	if raw, ok := jobsData["jobs"].([]any); ok {
		out := make([]map[string]any, 0, len(raw))
		for _, v := range raw {
			if m, ok := v.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	out := make([]map[string]any, 0, len(jobsData))
	for _, v := range jobsData {
		if m, ok := v.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
