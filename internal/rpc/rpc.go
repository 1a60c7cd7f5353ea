// Package rpc terminates POST /rpc: a versioned, idempotent command surface
// the platform's other services call into the fabric with. Methods are
// namespaced by an upper-case prefix (LLM.send_message, REGISTRY.heartbeat)
// and registered in a flat table.
package rpc

import (
	"encoding/json"
	"fmt"
	"time"
)

// Error codes returned in the response envelope.
const (
	CodeInvalidAPIVersion = "INVALID_API_VERSION"
	CodeInvalidArgs       = "INVALID_ARGS"
	CodeMethodNotFound    = "METHOD_NOT_FOUND"
	CodeAuthFailed        = "AUTH_FAILED"
	CodeInternal          = "INTERNAL"
)

// APIVersion accepted by the router.
const APIVersion = "v1"

// Request is the envelope every caller posts. Args is part of the accepted
// wire shape for callers that send positional arguments, but every method
// takes its inputs from Kwargs; positional args decode and are ignored.
type Request struct {
	APIVersion     string         `json:"api_version"`
	Method         string         `json:"method"`
	Args           []any          `json:"args,omitempty"`
	Kwargs         map[string]any `json:"kwargs,omitempty"`
	UserID         string         `json:"user_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	ReplyTo        string         `json:"reply_to,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	TimeoutMS      int            `json:"timeout_ms,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// Error is the structured error block of a failed response.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Response is the envelope returned to callers.
type Response struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Errorf builds an *Error.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Timeout returns the caller-requested invocation deadline, clamped to the
// default when absent.
func (r *Request) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMS > 0 {
		return time.Duration(r.TimeoutMS) * time.Millisecond
	}
	return def
}

// String returns the kwarg as a string ("" when absent or mistyped).
func (r *Request) String(key string) string {
	v, _ := r.Kwargs[key].(string)
	return v
}

// Bool returns the kwarg as a bool.
func (r *Request) Bool(key string) bool {
	v, _ := r.Kwargs[key].(bool)
	return v
}

// Map returns the kwarg as an object.
func (r *Request) Map(key string) map[string]any {
	v, _ := r.Kwargs[key].(map[string]any)
	return v
}

// Require returns the named string kwargs, or an INVALID_ARGS error naming
// the first missing one.
func (r *Request) Require(names ...string) ([]string, *Error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		v := r.String(name)
		if v == "" {
			return nil, Errorf(CodeInvalidArgs, "kwarg %q is required", name)
		}
		out = append(out, v)
	}
	return out, nil
}

// idempotencyMarker is what the dedup key stores, for debugging replays.
type idempotencyMarker struct {
	At     time.Time `json:"at"`
	Method string    `json:"method"`
}

func markerBytes(method string) []byte {
	raw, _ := json.Marshal(idempotencyMarker{At: time.Now().UTC(), Method: method})
	return raw
}
