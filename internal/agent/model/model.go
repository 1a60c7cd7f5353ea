// Package model defines the provider-agnostic LLM client used by the agent
// runtime. Adapters for concrete providers live in the subpackages; the
// runtime only ever sees Request, Response, Chunk and Streamer.
package model

import (
	"context"
	"errors"
)

// Roles of a conversation message.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Chunk types emitted by a Streamer.
const (
	ChunkText     = "text"
	ChunkToolCall = "tool_call"
	ChunkUsage    = "usage"
	ChunkStop     = "stop"
)

var (
	// ErrStreamingUnsupported is returned by Stream when the provider has no
	// streaming path; callers fall back to Complete.
	ErrStreamingUnsupported = errors.New("model: streaming unsupported")

	// ErrRateLimited wraps provider 429 responses so callers can back off.
	ErrRateLimited = errors.New("model: rate limited")
)

// Message is one conversation entry sent to the provider.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// ToolResult reports the outcome of a tool invocation back to the model.
type ToolResult struct {
	CallID  string
	Name    string
	Content map[string]any
	IsError bool
}

// ToolDefinition advertises a callable tool to the provider.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Request is a single completion request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for a completed request.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the full (non-streaming) completion result.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// Chunk is one incremental streaming event. Exactly one of Text, ToolCall
// and Usage is populated depending on Type; ChunkStop carries StopReason.
type Chunk struct {
	Type       string
	Text       string
	ToolCall   *ToolCall
	Usage      *Usage
	StopReason string
}

// Streamer yields Chunks until io.EOF.
type Streamer interface {
	Recv() (Chunk, error)
	Close() error
}

// Client is implemented by every provider adapter.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Response, error)
	Stream(ctx context.Context, req *Request) (Streamer, error)
}
