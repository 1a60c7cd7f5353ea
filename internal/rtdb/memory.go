package rtdb

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemoryStore is an in-process Store used in tests and local development.
// Listeners receive an initial snapshot (Path "/") on attach and one event
// per subsequent write below their path, matching the wire behaviour.
type MemoryStore struct {
	mu        sync.RWMutex
	root      map[string]any
	listeners map[int]*memListener
	nextID    int
	nextPush  int
	closed    bool
}

type memListener struct {
	path string
	fn   func(Event)
}

// NewMemoryStore creates an empty in-process tree.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:      make(map[string]any),
		listeners: make(map[int]*memListener),
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// getLocked walks the tree. Callers hold mu.
func (m *MemoryStore) getLocked(path string) any {
	var node any = m.root
	for _, seg := range splitPath(path) {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = obj[seg]
		if node == nil {
			return nil
		}
	}
	return node
}

// setLocked writes a value, creating intermediate objects. Callers hold mu.
func (m *MemoryStore) setLocked(path string, data any) {
	segs := splitPath(path)
	if len(segs) == 0 {
		if obj, ok := data.(map[string]any); ok {
			m.root = obj
		} else {
			m.root = make(map[string]any)
		}
		return
	}
	node := m.root
	for _, seg := range segs[:len(segs)-1] {
		child, ok := node[seg].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[seg] = child
		}
		node = child
	}
	last := segs[len(segs)-1]
	if data == nil {
		delete(node, last)
	} else {
		node[last] = data
	}
}

func (m *MemoryStore) Get(_ context.Context, path string) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(path), nil
}

func (m *MemoryStore) Set(ctx context.Context, path string, data any) error {
	m.mu.Lock()
	m.setLocked(path, data)
	fns := m.notifyTargets(path, EventPut, data)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (m *MemoryStore) Update(ctx context.Context, path string, data map[string]any) error {
	m.mu.Lock()
	node, ok := m.getLocked(path).(map[string]any)
	if !ok {
		node = make(map[string]any)
		m.setLocked(path, node)
	}
	for k, v := range data {
		node[k] = v
	}
	fns := m.notifyTargets(path, EventPatch, data)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (m *MemoryStore) Push(ctx context.Context, path string, data any) (string, error) {
	m.mu.Lock()
	m.nextPush++
	id := fmt.Sprintf("-mem%06d", m.nextPush)
	child := strings.TrimRight(path, "/") + "/" + id
	m.setLocked(child, data)
	fns := m.notifyTargets(child, EventPut, data)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return id, nil
}

func (m *MemoryStore) Delete(ctx context.Context, path string) error {
	return m.Set(ctx, path, nil)
}

// notifyTargets collects callbacks for listeners whose path covers the write.
// The event path is relative to each listener's attach path. Callers hold mu;
// the returned closures are invoked after unlocking.
func (m *MemoryStore) notifyTargets(writePath, eventType string, data any) []func() {
	write := "/" + strings.Trim(writePath, "/")
	var fns []func()
	for _, l := range m.listeners {
		base := "/" + strings.Trim(l.path, "/")
		var rel string
		switch {
		case write == base:
			rel = "/"
		case strings.HasPrefix(write, base+"/"):
			rel = strings.TrimPrefix(write, base)
		default:
			continue
		}
		fn, ev := l.fn, Event{Type: eventType, Path: rel, Data: data}
		fns = append(fns, func() { fn(ev) })
	}
	return fns
}

func (m *MemoryStore) Listen(path string, fn func(Event)) (*Handle, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("rtdb listen %s: store closed", path)
	}
	id := m.nextID
	m.nextID++
	m.listeners[id] = &memListener{path: path, fn: fn}
	snapshot := m.getLocked(path)
	m.mu.Unlock()

	// Initial snapshot, as the wire protocol delivers it.
	fn(Event{Type: EventPut, Path: "/", Data: snapshot})

	return newHandle(func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}), nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.listeners = make(map[int]*memListener)
	return nil
}
