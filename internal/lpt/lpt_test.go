package lpt

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/comptio/fabric/internal/common/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return log
}

// flakyTransport fails a fixed number of attempts before succeeding.
type flakyTransport struct {
	mu       sync.Mutex
	failures int
	attempts int
}

func (t *flakyTransport) Name() string { return "flaky" }

func (t *flakyTransport) Dispatch(_ context.Context, _ *Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attempts++
	if t.attempts <= t.failures {
		return errors.New("connection refused")
	}
	return nil
}

func (t *flakyTransport) Close() error { return nil }

func TestDispatcher_Delivers(t *testing.T) {
	transport := NewMemoryTransport()
	d := NewDispatcher(transport, 3, newTestLogger(t))

	req := &Request{
		BatchID:        "b1",
		CollectionName: "c1",
		UserID:         "u1",
		Traceability:   Traceability{ThreadKey: "t1", ThreadName: "March closing"},
	}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	got := transport.Dispatched()
	if len(got) != 1 || got[0].BatchID != "b1" {
		t.Errorf("unexpected dispatched set: %+v", got)
	}
}

func TestDispatcher_RetriesTransientFailures(t *testing.T) {
	transport := &flakyTransport{failures: 2}
	d := NewDispatcher(transport, 3, newTestLogger(t))
	d.backoff = time.Millisecond

	if err := d.Dispatch(context.Background(), &Request{BatchID: "b1"}); err != nil {
		t.Fatalf("Dispatch failed after retries: %v", err)
	}
	if transport.attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", transport.attempts)
	}
}

func TestDispatcher_DeadLettersAfterBudget(t *testing.T) {
	transport := NewMemoryTransport()
	transport.Err = errors.New("endpoint gone")
	d := NewDispatcher(transport, 2, newTestLogger(t))
	d.backoff = time.Millisecond

	err := d.Dispatch(context.Background(), &Request{BatchID: "b1", UserID: "u1"})
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected ErrDispatchFailed, got %v", err)
	}
}

func TestDispatcher_ContextCancelDuringBackoff(t *testing.T) {
	transport := NewMemoryTransport()
	transport.Err = errors.New("down")
	d := NewDispatcher(transport, 5, newTestLogger(t))
	d.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := d.Dispatch(ctx, &Request{BatchID: "b1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
