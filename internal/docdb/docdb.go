// Package docdb provides typed access to the hierarchical document store:
// get/set/merge, recursive delete, collection queries and snapshot
// subscriptions with change notifications.
package docdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
)

// Document is one document at a path. Data is the decoded payload.
type Document struct {
	Path string
	ID   string
	Data map[string]any
}

// Filter is a single query predicate. Op is one of
// "==", "!=", "<", "<=", ">", ">=", "in", "array-contains".
type Filter struct {
	Field string
	Op    string
	Value any
}

// Query bundles filters with ordering and limit.
type Query struct {
	Filters []Filter
	OrderBy string
	Desc    bool
	Limit   int
}

// ChangeKind classifies a snapshot change.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeModified
	ChangeRemoved
)

// Change is one document-level delta inside a snapshot.
type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Snapshot is one delivery to a watcher: the full matching set plus the
// deltas since the previous delivery. The first delivery after attach
// carries every current document as ChangeAdded.
type Snapshot struct {
	Docs    []Document
	Changes []Change
}

// Handle detaches a snapshot watcher when closed. Safe to close twice.
type Handle struct {
	once sync.Once
	stop func()
}

func newHandle(stop func()) *Handle {
	return &Handle{stop: stop}
}

// Close detaches the watcher.
func (h *Handle) Close() {
	h.once.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
}

// DeleteReport summarises a best-effort recursive delete. Only the final
// marker (the root document delete) is treated as critical by callers.
type DeleteReport struct {
	Deleted int
	Failed  []string
}

// Store is the document database surface. Get returns (nil, nil) for a
// missing document. Snapshot callbacks may be invoked from any goroutine;
// they must only enqueue work and never perform nested writes that could
// reenter the store.
type Store interface {
	Get(ctx context.Context, docPath string) (*Document, error)
	Set(ctx context.Context, docPath string, data map[string]any, merge bool) error
	Add(ctx context.Context, collectionPath string, data map[string]any) (string, error)
	Delete(ctx context.Context, docPath string) error
	DeleteRecursive(ctx context.Context, docPath string) (*DeleteReport, error)
	Query(ctx context.Context, collectionPath string, q Query) ([]Document, error)
	QueryGroup(ctx context.Context, collectionID string, q Query) ([]Document, error)
	OnSnapshot(docPath string, fn func(Snapshot)) (*Handle, error)
	OnSnapshotQuery(collectionPath string, q Query, fn func(Snapshot)) (*Handle, error)
	Ping(ctx context.Context) error
	Close() error
}

// Provide builds the configured store implementation and returns it with a
// cleanup function.
func Provide(ctx context.Context, cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.DocDB.Backend {
	case "firestore":
		fs, err := NewFirestoreStore(ctx, cfg.DocDB, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize firestore store: %w", err)
		}
		return fs, fs.Close, nil
	case "memory":
		mem := NewMemoryStore()
		return mem, mem.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown docdb backend %q", cfg.DocDB.Backend)
	}
}
