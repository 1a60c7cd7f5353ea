package rtdb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/comptio/fabric/internal/common/config"
	"github.com/comptio/fabric/internal/common/logger"
)

// FirebaseStore speaks the realtime database wire protocol directly:
// REST (GET/PUT/PATCH/POST/DELETE {path}.json) for reads and writes, and
// text/event-stream for listeners. The Go Admin SDK exposes no streaming
// listeners, so the SSE protocol is implemented here.
type FirebaseStore struct {
	baseURL   string
	authToken string
	client    *http.Client
	streamers sync.WaitGroup
	mu        sync.Mutex
	cancels   map[int]context.CancelFunc
	nextID    int
	closed    bool
	logger    *logger.Logger
}

// NewFirebaseStore creates a store for the given database URL.
func NewFirebaseStore(cfg config.RTDBConfig, log *logger.Logger) *FirebaseStore {
	return &FirebaseStore{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: 30 * time.Second},
		cancels:   make(map[int]context.CancelFunc),
		logger:    log.WithFields(zap.String("component", "rtdb")),
	}
}

func (f *FirebaseStore) pathURL(path string) string {
	u := f.baseURL + "/" + strings.Trim(path, "/") + ".json"
	if f.authToken != "" {
		u += "?auth=" + url.QueryEscape(f.authToken)
	}
	return u
}

func (f *FirebaseStore) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("rtdb %s %s: marshal body: %w", method, path, err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, f.pathURL(path), reader)
	if err != nil {
		return fmt.Errorf("rtdb %s %s: %w", method, path, err)
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("rtdb %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("rtdb %s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(raw))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("rtdb %s %s: decode: %w", method, path, err)
		}
	}
	return nil
}

func (f *FirebaseStore) Get(ctx context.Context, path string) (any, error) {
	var out any
	if err := f.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (f *FirebaseStore) Set(ctx context.Context, path string, data any) error {
	return f.do(ctx, http.MethodPut, path, data, nil)
}

func (f *FirebaseStore) Update(ctx context.Context, path string, data map[string]any) error {
	return f.do(ctx, http.MethodPatch, path, data, nil)
}

func (f *FirebaseStore) Push(ctx context.Context, path string, data any) (string, error) {
	var out struct {
		Name string `json:"name"`
	}
	if err := f.do(ctx, http.MethodPost, path, data, &out); err != nil {
		return "", err
	}
	return out.Name, nil
}

func (f *FirebaseStore) Delete(ctx context.Context, path string) error {
	return f.do(ctx, http.MethodDelete, path, nil, nil)
}

// Listen attaches an SSE stream on the path. The stream reconnects with
// backoff until the handle is closed.
func (f *FirebaseStore) Listen(path string, fn func(Event)) (*Handle, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, fmt.Errorf("rtdb listen %s: store closed", path)
	}
	ctx, cancel := context.WithCancel(context.Background())
	id := f.nextID
	f.nextID++
	f.cancels[id] = cancel
	f.mu.Unlock()

	f.streamers.Add(1)
	go func() {
		defer f.streamers.Done()
		defer func() {
			f.mu.Lock()
			delete(f.cancels, id)
			f.mu.Unlock()
		}()

		backoff := time.Second
		for ctx.Err() == nil {
			err := f.stream(ctx, path, fn)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				f.logger.Warn("stream interrupted, reconnecting",
					zap.String("path", path), zap.Duration("backoff", backoff), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	}()

	return newHandle(cancel), nil
}

// stream runs one SSE connection until it ends or the context is cancelled.
func (f *FirebaseStore) stream(ctx context.Context, path string, fn func(Event)) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.pathURL(path), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// No client timeout on a long-lived stream; cancellation comes from ctx.
	streamClient := &http.Client{}
	resp, err := streamClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			f.deliver(eventName, data, fn)
		case line == "":
			eventName = ""
		}
	}
	return scanner.Err()
}

// deliver decodes one SSE data line and invokes the callback for put/patch
// events. keep-alive, cancel and auth_revoked events are not forwarded.
func (f *FirebaseStore) deliver(eventName, data string, fn func(Event)) {
	if eventName != EventPut && eventName != EventPatch {
		return
	}
	var body struct {
		Path string `json:"path"`
		Data any    `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &body); err != nil {
		f.logger.Warn("undecodable stream event", zap.String("event", eventName), zap.Error(err))
		return
	}
	fn(Event{Type: eventName, Path: body.Path, Data: body.Data})
}

func (f *FirebaseStore) Ping(ctx context.Context) error {
	var out any
	return f.do(ctx, http.MethodGet, ".info/connected", nil, &out)
}

// Close cancels every active stream and waits for the streamers to exit.
func (f *FirebaseStore) Close() error {
	f.mu.Lock()
	f.closed = true
	for _, cancel := range f.cancels {
		cancel()
	}
	f.mu.Unlock()
	f.streamers.Wait()
	return nil
}
