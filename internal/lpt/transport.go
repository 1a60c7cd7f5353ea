package lpt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/comptio/fabric/internal/common/logger"
)

// HTTPTransport POSTs requests to the executor gateway with a bearer token.
type HTTPTransport struct {
	url    string
	token  string
	client *http.Client
}

// NewHTTPTransport builds the HTTP transport.
func NewHTTPTransport(url, token string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (t *HTTPTransport) Name() string { return "http" }

func (t *HTTPTransport) Dispatch(ctx context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("lpt: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("lpt: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+t.token)
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("lpt: post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("lpt: executor returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

func (t *HTTPTransport) Close() error { return nil }

// NATSTransport publishes requests on a NATS subject.
type NATSTransport struct {
	conn    *nats.Conn
	subject string
}

// NewNATSTransport connects to NATS and returns the transport.
func NewNATSTransport(url, subject string, log *logger.Logger) (*NATSTransport, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.WithError(err).Warn("lpt nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			log.Info("lpt nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("lpt: connect nats: %w", err)
	}
	return &NATSTransport{conn: conn, subject: subject}, nil
}

func (t *NATSTransport) Name() string { return "nats" }

func (t *NATSTransport) Dispatch(_ context.Context, req *Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("lpt: marshal request: %w", err)
	}
	if err := t.conn.Publish(t.subject, body); err != nil {
		return fmt.Errorf("lpt: publish: %w", err)
	}
	return nil
}

func (t *NATSTransport) Close() error {
	t.conn.Close()
	return nil
}

// MemoryTransport records requests in-process. Tests inspect Dispatched; a
// non-nil Err makes every dispatch fail.
type MemoryTransport struct {
	mu         sync.Mutex
	dispatched []*Request
	Err        error
}

// NewMemoryTransport builds the in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) Name() string { return "memory" }

func (t *MemoryTransport) Dispatch(_ context.Context, req *Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.dispatched = append(t.dispatched, req)
	return nil
}

// Dispatched returns a copy of all recorded requests.
func (t *MemoryTransport) Dispatched() []*Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Request, len(t.dispatched))
	copy(out, t.dispatched)
	return out
}

func (t *MemoryTransport) Close() error { return nil }
