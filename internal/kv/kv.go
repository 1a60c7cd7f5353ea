// Package kv provides all contact with the in-memory key/value store:
// typed access, TTLs, SCAN-based iteration and channel publish/subscribe.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
)

// ErrNotFound marks a missing key. Callers test with errors.Is.
var ErrNotFound = errors.New("kv: not found")

// Error is the single failure kind the store surfaces; it carries the
// operation and key so callers can log and decide.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("kv %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("kv %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func opErr(op, key string, err error) error {
	return &Error{Op: op, Key: key, Err: err}
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub registration. Close detaches it and closes C.
type Subscription struct {
	C     <-chan Message
	close func() error
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() error {
	if s.close == nil {
		return nil
	}
	fn := s.close
	s.close = nil
	return fn()
}

// Store is the key/value and pub/sub surface used by every component.
// SetEx is used for every TTL-bearing key; SetNX only for locks and
// idempotency markers. Scan (never KEYS) iterates patterns cursor-wise.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	SetEx(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Scan(ctx context.Context, pattern string, count int64) ([]string, error)

	HSet(ctx context.Context, key, field string, value []byte) error
	HGet(ctx context.Context, key, field string) ([]byte, error)
	HDel(ctx context.Context, key string, fields ...string) error

	RPush(ctx context.Context, key string, values ...[]byte) error
	LRange(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	LLen(ctx context.Context, key string) (int64, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (*Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// scanBatchSize is the cursor batch used when the caller does not override it.
const scanBatchSize = 100

// Provide builds the configured store implementation and returns it with a
// cleanup function. The reserved host "memory" selects the in-process store
// (local development and tests).
func Provide(cfg *config.Config, log *logger.Logger) (Store, func() error, error) {
	if cfg.Listeners.RedisHost == "memory" {
		mem := NewMemoryStore()
		return mem, mem.Close, nil
	}

	rs, err := NewRedisStore(cfg.Listeners, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize redis store: %w", err)
	}
	return rs, rs.Close, nil
}
