// Package rtdb provides path-scoped access to the realtime tree database:
// reads, writes and streaming listeners delivering put/patch events.
package rtdb

import (
	"context"
	"fmt"
	"sync"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
)

// Event types delivered to listeners.
const (
	EventPut   = "put"
	EventPatch = "patch"
)

// Event is one change delivered to a path listener. The first delivery after
// attach is the initial snapshot with Path "/"; subsequent deliveries carry
// the sub-path that changed (for chat threads, "/{msg_id}").
type Event struct {
	Type string
	Path string
	Data any
}

// Handle detaches a listener when closed. Safe to close twice.
type Handle struct {
	once sync.Once
	stop func()
}

func newHandle(stop func()) *Handle {
	return &Handle{stop: stop}
}

// Close detaches the listener.
func (h *Handle) Close() {
	h.once.Do(func() {
		if h.stop != nil {
			h.stop()
		}
	})
}

// Store is the realtime tree surface. Get returns (nil, nil) for an absent
// path. Listen callbacks may run on any goroutine; they must only enqueue
// work and never block.
type Store interface {
	Get(ctx context.Context, path string) (any, error)
	Set(ctx context.Context, path string, data any) error
	Update(ctx context.Context, path string, data map[string]any) error
	Push(ctx context.Context, path string, data any) (string, error)
	Delete(ctx context.Context, path string) error
	Listen(path string, fn func(Event)) (*Handle, error)
	Ping(ctx context.Context) error
	Close() error
}

// Provide builds the configured store implementation and returns it with a
// cleanup function.
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	switch cfg.RTDB.Backend {
	case "firebase":
		fs := NewFirebaseStore(cfg.RTDB, log)
		return fs, fs.Close, nil
	case "memory":
		mem := NewMemoryStore()
		return mem, mem.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown rtdb backend %q", cfg.RTDB.Backend)
	}
}
