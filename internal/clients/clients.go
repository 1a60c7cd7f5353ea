// Package clients declares the opaque external collaborators the fabric
// calls but does not implement: ERP/accounting, document management, HR and
// the vector store. Deployments inject real clients; the unconfigured
// defaults return documented fallbacks so page handlers can degrade.
package clients

import (
	"context"
	"errors"
)

// ErrUnconfigured marks a collaborator with no real client wired in.
var ErrUnconfigured = errors.New("clients: collaborator not configured")

// ERP is the accounting/ERP integration surface.
type ERP interface {
	GetExpenses(ctx context.Context, companyID string) ([]map[string]any, error)
	GetInvoices(ctx context.Context, companyID string) ([]map[string]any, error)
	GetChartOfAccounts(ctx context.Context, companyID string) ([]map[string]any, error)
	GetCompanyInfo(ctx context.Context, companyID string) (map[string]any, error)
	InvalidateConnection(ctx context.Context, companyID string) error
}

// DMS is the document-management surface.
type DMS interface {
	ListDocuments(ctx context.Context, companyID, folder string) ([]map[string]any, error)
	GetDocumentURL(ctx context.Context, companyID, documentID string) (string, error)
}

// HR is the payroll/HR worker surface.
type HR interface {
	ListEmployees(ctx context.Context, companyID string) ([]map[string]any, error)
	GetPayrollSummary(ctx context.Context, companyID string) (map[string]any, error)
}

// Vector is the vector-store surface used for retrieval collections.
type Vector interface {
	RegisterCollectionUser(ctx context.Context, collectionName, userID string) error
	Query(ctx context.Context, collectionName, query string, limit int) ([]map[string]any, error)
}

// TokenVerifier validates frontend identity tokens.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (userID string, err error)
}

// Set bundles the collaborators for injection.
type Set struct {
	ERP    ERP
	DMS    DMS
	HR     HR
	Vector Vector
	Tokens TokenVerifier
}

// NewUnconfigured returns a Set whose members all degrade gracefully.
func NewUnconfigured() *Set {
	return &Set{
		ERP:    unconfiguredERP{},
		DMS:    unconfiguredDMS{},
		HR:     unconfiguredHR{},
		Vector: unconfiguredVector{},
		Tokens: unconfiguredTokens{},
	}
}

type unconfiguredERP struct{}

// Unconfigured ERP reads return the documented empty defaults so partial
// page responses still succeed.
func (unconfiguredERP) GetExpenses(context.Context, string) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
func (unconfiguredERP) GetInvoices(context.Context, string) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
func (unconfiguredERP) GetChartOfAccounts(context.Context, string) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
func (unconfiguredERP) GetCompanyInfo(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}
func (unconfiguredERP) InvalidateConnection(context.Context, string) error { return nil }

type unconfiguredDMS struct{}

func (unconfiguredDMS) ListDocuments(context.Context, string, string) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
func (unconfiguredDMS) GetDocumentURL(context.Context, string, string) (string, error) {
	return "", ErrUnconfigured
}

type unconfiguredHR struct{}

func (unconfiguredHR) ListEmployees(context.Context, string) ([]map[string]any, error) {
	return []map[string]any{}, nil
}
func (unconfiguredHR) GetPayrollSummary(context.Context, string) (map[string]any, error) {
	return map[string]any{}, nil
}

type unconfiguredVector struct{}

func (unconfiguredVector) RegisterCollectionUser(context.Context, string, string) error { return nil }
func (unconfiguredVector) Query(context.Context, string, string, int) ([]map[string]any, error) {
	return []map[string]any{}, nil
}

type unconfiguredTokens struct{}

// Unconfigured token verification fails closed.
func (unconfiguredTokens) Verify(context.Context, string) (string, error) {
	return "", ErrUnconfigured
}
