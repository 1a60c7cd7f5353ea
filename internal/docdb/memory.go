package docdb

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store with snapshot fan-out, used in tests and
// local development. Watcher callbacks run on the mutating goroutine after
// the store lock is released (initial snapshots run on their own goroutine),
// so per-watcher delivery order follows mutation order.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]map[string]any
	nextID  int
	nextW   int
	docW    map[int]*docWatcher
	queryW  map[int]*queryWatcher
}

type docWatcher struct {
	path string
	fn   func(Snapshot)
}

type queryWatcher struct {
	collection string
	q          Query
	fn         func(Snapshot)

	mu   sync.Mutex
	prev map[string]map[string]any // docID -> last observed data
}

// NewMemoryStore creates an empty in-process document store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs:   make(map[string]map[string]any),
		docW:   make(map[int]*docWatcher),
		queryW: make(map[int]*queryWatcher),
	}
}

func parentCollection(docPath string) string {
	i := strings.LastIndex(docPath, "/")
	if i < 0 {
		return ""
	}
	return docPath[:i]
}

func docID(docPath string) string {
	i := strings.LastIndex(docPath, "/")
	if i < 0 {
		return docPath
	}
	return docPath[i+1:]
}

func cloneData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}

func (m *MemoryStore) Get(_ context.Context, docPath string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[docPath]
	if !ok {
		return nil, nil
	}
	return &Document{Path: docPath, ID: docID(docPath), Data: cloneData(data)}, nil
}

func (m *MemoryStore) Set(_ context.Context, docPath string, data map[string]any, merge bool) error {
	m.mu.Lock()
	if merge {
		if existing, ok := m.docs[docPath]; ok {
			merged := cloneData(existing)
			for k, v := range data {
				merged[k] = v
			}
			m.docs[docPath] = merged
		} else {
			m.docs[docPath] = cloneData(data)
		}
	} else {
		m.docs[docPath] = cloneData(data)
	}
	m.mu.Unlock()

	m.notify(docPath)
	return nil
}

func (m *MemoryStore) Add(_ context.Context, collectionPath string, data map[string]any) (string, error) {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("doc-%04d", m.nextID)
	docPath := collectionPath + "/" + id
	m.docs[docPath] = cloneData(data)
	m.mu.Unlock()

	m.notify(docPath)
	return id, nil
}

func (m *MemoryStore) Delete(_ context.Context, docPath string) error {
	m.mu.Lock()
	delete(m.docs, docPath)
	m.mu.Unlock()

	m.notify(docPath)
	return nil
}

func (m *MemoryStore) DeleteRecursive(_ context.Context, docPath string) (*DeleteReport, error) {
	m.mu.Lock()
	report := &DeleteReport{}
	prefix := docPath + "/"
	var removed []string
	for path := range m.docs {
		if path == docPath || strings.HasPrefix(path, prefix) {
			removed = append(removed, path)
		}
	}
	for _, path := range removed {
		delete(m.docs, path)
		report.Deleted++
	}
	m.mu.Unlock()

	for _, path := range removed {
		m.notify(path)
	}
	return report, nil
}

func (m *MemoryStore) Query(_ context.Context, collectionPath string, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(collectionPath, q, false), nil
}

func (m *MemoryStore) QueryGroup(_ context.Context, collectionID string, q Query) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.queryLocked(collectionID, q, true), nil
}

// queryLocked evaluates a query. group matches any collection whose last
// segment equals the name; otherwise the full collection path must match.
func (m *MemoryStore) queryLocked(name string, q Query, group bool) []Document {
	var docs []Document
	for path, data := range m.docs {
		col := parentCollection(path)
		if group {
			if col != name && !strings.HasSuffix(col, "/"+name) {
				continue
			}
		} else if col != name {
			continue
		}
		if !matchesFilters(data, q.Filters) {
			continue
		}
		docs = append(docs, Document{Path: path, ID: docID(path), Data: cloneData(data)})
	}

	if q.OrderBy != "" {
		sort.Slice(docs, func(i, j int) bool {
			less := compareValues(docs[i].Data[q.OrderBy], docs[j].Data[q.OrderBy]) < 0
			if q.Desc {
				return !less
			}
			return less
		})
	} else {
		sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	}
	if q.Limit > 0 && len(docs) > q.Limit {
		docs = docs[:q.Limit]
	}
	return docs
}

func matchesFilters(data map[string]any, filters []Filter) bool {
	for _, f := range filters {
		v, ok := lookupField(data, f.Field)
		switch f.Op {
		case "==":
			if !ok || compareValues(v, f.Value) != 0 {
				return false
			}
		case "!=":
			if !ok || compareValues(v, f.Value) == 0 {
				return false
			}
		case "<":
			if !ok || compareValues(v, f.Value) >= 0 {
				return false
			}
		case "<=":
			if !ok || compareValues(v, f.Value) > 0 {
				return false
			}
		case ">":
			if !ok || compareValues(v, f.Value) <= 0 {
				return false
			}
		case ">=":
			if !ok || compareValues(v, f.Value) < 0 {
				return false
			}
		case "in":
			if !ok || !containsValue(f.Value, v) {
				return false
			}
		case "array-contains":
			if !ok || !containsValue(v, f.Value) {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// lookupField resolves dotted field paths into nested maps.
func lookupField(data map[string]any, field string) (any, bool) {
	parts := strings.Split(field, ".")
	var cur any = data
	for _, p := range parts {
		mp, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = mp[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func containsValue(list any, v any) bool {
	items, ok := list.([]any)
	if !ok {
		return false
	}
	for _, item := range items {
		if compareValues(item, v) == 0 {
			return true
		}
	}
	return false
}

// compareValues orders two loosely typed values. Numbers compare numerically,
// everything else falls back to the string form.
func compareValues(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	as := fmt.Sprintf("%v", a)
	bs := fmt.Sprintf("%v", b)
	return strings.Compare(as, bs)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func (m *MemoryStore) OnSnapshot(docPath string, fn func(Snapshot)) (*Handle, error) {
	m.mu.Lock()
	m.nextW++
	id := m.nextW
	m.docW[id] = &docWatcher{path: docPath, fn: fn}
	data, exists := m.docs[docPath]
	initial := cloneData(data)
	m.mu.Unlock()

	if exists {
		doc := Document{Path: docPath, ID: docID(docPath), Data: initial}
		go fn(Snapshot{Docs: []Document{doc}, Changes: []Change{{Kind: ChangeAdded, Doc: doc}}})
	}

	return newHandle(func() {
		m.mu.Lock()
		delete(m.docW, id)
		m.mu.Unlock()
	}), nil
}

func (m *MemoryStore) OnSnapshotQuery(collectionPath string, q Query, fn func(Snapshot)) (*Handle, error) {
	w := &queryWatcher{
		collection: collectionPath,
		q:          q,
		fn:         fn,
		prev:       make(map[string]map[string]any),
	}

	m.mu.Lock()
	m.nextW++
	id := m.nextW
	m.queryW[id] = w
	initial := m.queryLocked(collectionPath, q, false)
	m.mu.Unlock()

	go w.deliver(initial)

	return newHandle(func() {
		m.mu.Lock()
		delete(m.queryW, id)
		m.mu.Unlock()
	}), nil
}

// notify re-evaluates watchers affected by a mutation at docPath.
func (m *MemoryStore) notify(docPath string) {
	m.mu.RLock()
	var docFns []func(Snapshot)
	var docSnaps []Snapshot
	for _, w := range m.docW {
		if w.path != docPath {
			continue
		}
		snap := Snapshot{}
		if data, ok := m.docs[docPath]; ok {
			doc := Document{Path: docPath, ID: docID(docPath), Data: cloneData(data)}
			snap.Docs = []Document{doc}
			snap.Changes = []Change{{Kind: ChangeModified, Doc: doc}}
		} else {
			snap.Changes = []Change{{Kind: ChangeRemoved, Doc: Document{Path: docPath, ID: docID(docPath)}}}
		}
		docFns = append(docFns, w.fn)
		docSnaps = append(docSnaps, snap)
	}

	collection := parentCollection(docPath)
	type pending struct {
		w    *queryWatcher
		docs []Document
	}
	var affected []pending
	for _, w := range m.queryW {
		if w.collection != collection {
			continue
		}
		affected = append(affected, pending{w: w, docs: m.queryLocked(w.collection, w.q, false)})
	}
	m.mu.RUnlock()

	for i, fn := range docFns {
		fn(docSnaps[i])
	}
	for _, p := range affected {
		p.w.deliver(p.docs)
	}
}

// deliver diffs the current result set against the previous delivery and
// invokes the callback with docs + changes.
func (w *queryWatcher) deliver(docs []Document) {
	w.mu.Lock()
	var changes []Change
	seen := make(map[string]bool, len(docs))
	for _, doc := range docs {
		seen[doc.ID] = true
		prev, ok := w.prev[doc.ID]
		switch {
		case !ok:
			changes = append(changes, Change{Kind: ChangeAdded, Doc: doc})
		case !equalData(prev, doc.Data):
			changes = append(changes, Change{Kind: ChangeModified, Doc: doc})
		}
	}
	for id := range w.prev {
		if !seen[id] {
			changes = append(changes, Change{Kind: ChangeRemoved, Doc: Document{ID: id, Path: w.collection + "/" + id}})
		}
	}

	next := make(map[string]map[string]any, len(docs))
	for _, doc := range docs {
		next[doc.ID] = doc.Data
	}
	w.prev = next
	fn := w.fn
	w.mu.Unlock()

	if len(changes) == 0 {
		return
	}
	fn(Snapshot{Docs: docs, Changes: changes})
}

func equalData(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, av := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", av) != fmt.Sprintf("%v", bv) {
			return false
		}
	}
	return true
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
