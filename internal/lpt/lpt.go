// Package lpt dispatches long-processing-task requests to the external
// executor fleet and receives their completion callbacks. The request payload
// is opaque to the fabric beyond the routing fields; executors echo it back
// on the callback so state can be merged without a lookup roundtrip.
package lpt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
	"github.com/comptio/fabric/internal/common/metrics"
)

// Callback statuses reported by executors.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusPartial   = "partial"
)

// ErrDispatchFailed marks a request that exhausted its retry budget.
var ErrDispatchFailed = errors.New("lpt: dispatch failed")

// Traceability links a request back to the chat thread that spawned it.
type Traceability struct {
	ThreadKey  string `json:"thread_key"`
	ThreadName string `json:"thread_name,omitempty"`
}

// Request is one unit of work handed to the executor fleet.
type Request struct {
	BatchID           string         `json:"batch_id"`
	CollectionName    string         `json:"collection_name"`
	UserID            string         `json:"user_id"`
	ClientUUID        string         `json:"client_uuid,omitempty"`
	MandatesPath      string         `json:"mandates_path,omitempty"`
	JobsData          []any          `json:"jobs_data,omitempty"`
	Settings          map[string]any `json:"settings,omitempty"`
	Traceability      Traceability   `json:"traceability"`
	PubSubID          string         `json:"pub_sub_id,omitempty"`
	StartInstructions string         `json:"start_instructions,omitempty"`
}

// Response is the executor's outcome block on a callback.
type Response struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Callback is the body of POST /lpt/callback: the original request plus the
// executor's response.
type Callback struct {
	Request
	Response      Response `json:"response"`
	ExecutionTime float64  `json:"execution_time,omitempty"`
	CompletedAt   string   `json:"completed_at,omitempty"`
	LogsURL       string   `json:"logs_url,omitempty"`
}

// Transport delivers a request to the executor fleet.
type Transport interface {
	Dispatch(ctx context.Context, req *Request) error
	Name() string
	Close() error
}

// Provide selects the transport from configuration. The nats transport needs
// a NATS URL; http needs the endpoint URL. Both are validated at config load.
func Provide(cfg config.LPTConfig, natsURL string, log *logger.Logger) (Transport, func(), error) {
	switch cfg.Transport {
	case "http":
		t := NewHTTPTransport(cfg.HTTPURL, cfg.Token)
		return t, func() {}, nil
	case "nats":
		t, err := NewNATSTransport(natsURL, cfg.NATSSubject, log)
		if err != nil {
			return nil, nil, err
		}
		return t, func() { _ = t.Close() }, nil
	case "memory":
		t := NewMemoryTransport()
		return t, func() {}, nil
	default:
		return nil, nil, fmt.Errorf("lpt: unknown transport %q", cfg.Transport)
	}
}

// Dispatcher wraps a transport with a bounded retry policy. Requests that
// exhaust the budget are dead-lettered to the log with their full routing
// fields so operators can replay them.
type Dispatcher struct {
	transport  Transport
	maxRetries int
	backoff    time.Duration
	logger     *logger.Logger
}

// NewDispatcher builds a Dispatcher; maxRetries <= 0 means a single attempt.
func NewDispatcher(t Transport, maxRetries int, log *logger.Logger) *Dispatcher {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Dispatcher{transport: t, maxRetries: maxRetries, backoff: 500 * time.Millisecond, logger: log}
}

// Dispatch sends the request, retrying transient failures with linear
// backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, req *Request) error {
	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * d.backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if lastErr = d.transport.Dispatch(ctx, req); lastErr == nil {
			metrics.LPTDispatchesTotal.WithLabelValues(d.transport.Name(), "ok").Inc()
			return nil
		}
		d.logger.WithError(lastErr).Warn("lpt dispatch attempt failed",
			zap.String("batch_id", req.BatchID),
			zap.Int("attempt", attempt+1))
	}
	metrics.LPTDispatchesTotal.WithLabelValues(d.transport.Name(), "dead_letter").Inc()
	d.logger.WithError(lastErr).Error("lpt dispatch dead-lettered",
		zap.String("batch_id", req.BatchID),
		zap.String("collection_name", req.CollectionName),
		zap.String("user_id", req.UserID),
		zap.String("thread_key", req.Traceability.ThreadKey))
	return fmt.Errorf("%w: %v", ErrDispatchFailed, lastErr)
}
