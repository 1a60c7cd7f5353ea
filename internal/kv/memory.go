package kv

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests and local development.
// TTLs are honoured lazily: expired keys are reaped on access.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]byte
	hashes  map[string]map[string][]byte
	lists   map[string][][]byte
	expiry  map[string]time.Time
	subs    map[string]map[int]chan Message
	nextSub int
	closed  bool

	nowFn func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]byte),
		hashes:  make(map[string]map[string][]byte),
		lists:   make(map[string][][]byte),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string]map[int]chan Message),
		nowFn:   time.Now,
	}
}

// expiredLocked reports and reaps an expired key. Callers hold mu.
func (m *MemoryStore) expiredLocked(key string) bool {
	at, ok := m.expiry[key]
	if !ok {
		return false
	}
	if m.nowFn().Before(at) {
		return false
	}
	delete(m.entries, key)
	delete(m.hashes, key)
	delete(m.lists, key)
	delete(m.expiry, key)
	return true
}

func (m *MemoryStore) existsLocked(key string) bool {
	if m.expiredLocked(key) {
		return false
	}
	if _, ok := m.entries[key]; ok {
		return true
	}
	if _, ok := m.hashes[key]; ok {
		return true
	}
	if _, ok := m.lists[key]; ok {
		return true
	}
	return false
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil, ErrNotFound
	}
	v, ok := m.entries[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	delete(m.expiry, key)
	return nil
}

func (m *MemoryStore) SetEx(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = append([]byte(nil), value...)
	m.expiry[key] = m.nowFn().Add(ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsLocked(key) {
		return false, nil
	}
	m.entries[key] = append([]byte(nil), value...)
	if ttl > 0 {
		m.expiry[key] = m.nowFn().Add(ttl)
	}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		delete(m.entries, key)
		delete(m.hashes, key)
		delete(m.lists, key)
		delete(m.expiry, key)
	}
	return nil
}

func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(key) {
		return false, nil
	}
	m.expiry[key] = m.nowFn().Add(ttl)
	return true, nil
}

func (m *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existsLocked(key), nil
}

func (m *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.existsLocked(key) {
		return -2 * time.Second, nil
	}
	at, ok := m.expiry[key]
	if !ok {
		return -1 * time.Second, nil
	}
	return at.Sub(m.nowFn()), nil
}

func (m *MemoryStore) Scan(_ context.Context, pattern string, _ int64) ([]string, error) {
	re, err := compileGlob(pattern)
	if err != nil {
		return nil, opErr("scan", pattern, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for key := range m.entries {
		if !m.expiredLocked(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.hashes {
		if !m.expiredLocked(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	for key := range m.lists {
		if !m.expiredLocked(key) && re.MatchString(key) {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

// compileGlob converts a redis MATCH glob into an anchored regexp.
func compileGlob(pattern string) (*regexp.Regexp, error) {
	quoted := regexp.QuoteMeta(pattern)
	quoted = strings.ReplaceAll(quoted, `\*`, ".*")
	quoted = strings.ReplaceAll(quoted, `\?`, ".")
	return regexp.Compile("^" + quoted + "$")
}

func (m *MemoryStore) HSet(_ context.Context, key, field string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	h, ok := m.hashes[key]
	if !ok {
		h = make(map[string][]byte)
		m.hashes[key] = h
	}
	h[field] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) HGet(_ context.Context, key, field string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil, ErrNotFound
	}
	h, ok := m.hashes[key]
	if !ok {
		return nil, ErrNotFound
	}
	v, ok := h[field]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) HDel(_ context.Context, key string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[key]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(h, f)
	}
	if len(h) == 0 {
		delete(m.hashes, key)
	}
	return nil
}

func (m *MemoryStore) RPush(_ context.Context, key string, values ...[]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expiredLocked(key)
	for _, v := range values {
		m.lists[key] = append(m.lists[key], append([]byte(nil), v...))
	}
	return nil
}

func (m *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return nil, nil
	}
	list := m.lists[key]
	n := int64(len(list))
	if n == 0 {
		return nil, nil
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop {
		return nil, nil
	}
	out := make([][]byte, 0, stop-start+1)
	for _, v := range list[start : stop+1] {
		out = append(out, append([]byte(nil), v...))
	}
	return out, nil
}

func (m *MemoryStore) LLen(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expiredLocked(key) {
		return 0, nil
	}
	return int64(len(m.lists[key])), nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[channel] {
		msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
		select {
		case ch <- msg:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, opErr("subscribe", "", context.Canceled)
	}

	id := m.nextSub
	m.nextSub++
	ch := make(chan Message, 64)
	for _, name := range channels {
		if m.subs[name] == nil {
			m.subs[name] = make(map[int]chan Message)
		}
		m.subs[name][id] = ch
	}

	names := append([]string(nil), channels...)
	return &Subscription{
		C: ch,
		close: func() error {
			m.mu.Lock()
			defer m.mu.Unlock()
			for _, name := range names {
				delete(m.subs[name], id)
				if len(m.subs[name]) == 0 {
					delete(m.subs, name)
				}
			}
			close(ch)
			return nil
		},
	}, nil
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
