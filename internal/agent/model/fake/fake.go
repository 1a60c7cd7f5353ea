// Package fake provides a scripted model.Client for tests and local runs
// without provider credentials. Responses are consumed in order; Stream
// replays the same script as text and tool call chunks.
package fake

import (
	"context"
	"io"
	"sync"

	"github.com/comptio/fabric/internal/agent/model"
)

// Client replays a fixed list of responses. When the script is exhausted it
// answers with a canned acknowledgement, so it never fails a turn.
type Client struct {
	mu       sync.Mutex
	script   []*model.Response
	next     int
	Requests []*model.Request
}

// New builds a scripted client.
func New(script ...*model.Response) *Client {
	return &Client{script: script}
}

// Complete pops the next scripted response.
func (c *Client) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Requests = append(c.Requests, req)
	if c.next >= len(c.script) {
		return &model.Response{Text: "OK", StopReason: "end_turn"}, nil
	}
	resp := c.script[c.next]
	c.next++
	return resp, nil
}

// Stream replays the next scripted response as chunks: the text split in two,
// then each tool call, then usage and stop.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	resp, err := c.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	var chunks []model.Chunk
	if resp.Text != "" {
		half := len(resp.Text) / 2
		if half > 0 {
			chunks = append(chunks, model.Chunk{Type: model.ChunkText, Text: resp.Text[:half]})
		}
		chunks = append(chunks, model.Chunk{Type: model.ChunkText, Text: resp.Text[half:]})
	}
	for i := range resp.ToolCalls {
		call := resp.ToolCalls[i]
		chunks = append(chunks, model.Chunk{Type: model.ChunkToolCall, ToolCall: &call})
	}
	usage := resp.Usage
	chunks = append(chunks,
		model.Chunk{Type: model.ChunkUsage, Usage: &usage},
		model.Chunk{Type: model.ChunkStop, StopReason: resp.StopReason},
	)
	return &scriptedStream{chunks: chunks}, nil
}

type scriptedStream struct {
	chunks []model.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	chunk := s.chunks[s.pos]
	s.pos++
	return chunk, nil
}

func (s *scriptedStream) Close() error { return nil }
