package openai

import (
	"context"
	"fmt"
	"io"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/packages/ssestream"

	"github.com/comptio/fabric/internal/agent/model"
)

// streamer adapts an OpenAI chat completion stream to model.Streamer. Text
// deltas pass through immediately; tool call fragments are accumulated via
// the SDK accumulator and emitted once complete.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.ChatCompletionChunk]
	chunks chan model.Chunk
	errCh  chan error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk]) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: stream,
		chunks: make(chan model.Chunk, 32),
		errCh:  make(chan error, 1),
	}
	go s.run()
	return s
}

func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if !ok {
			select {
			case err := <-s.errCh:
				return model.Chunk{}, err
			default:
				return model.Chunk{}, io.EOF
			}
		}
		return chunk, nil
	case <-s.ctx.Done():
		return model.Chunk{}, s.ctx.Err()
	}
}

func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) run() {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()

	emit := func(chunk model.Chunk) bool {
		select {
		case s.chunks <- chunk:
			return true
		case <-s.ctx.Done():
			return false
		}
	}

	acc := sdk.ChatCompletionAccumulator{}
	stopReason := ""
	for s.stream.Next() {
		chunk := s.stream.Current()
		acc.AddChunk(chunk)

		if tool, ok := acc.JustFinishedToolCall(); ok {
			id := tool.ID
			if id == "" {
				id = fmt.Sprintf("call_%d", tool.Index)
			}
			call := model.ToolCall{
				ID:    id,
				Name:  tool.Name,
				Input: decodeArguments(tool.Arguments),
			}
			if !emit(model.Chunk{Type: model.ChunkToolCall, ToolCall: &call}) {
				return
			}
		}
		if len(chunk.Choices) > 0 {
			choice := chunk.Choices[0]
			if choice.Delta.Content != "" {
				if !emit(model.Chunk{Type: model.ChunkText, Text: choice.Delta.Content}) {
					return
				}
			}
			if choice.FinishReason != "" {
				stopReason = choice.FinishReason
			}
		}
		if chunk.Usage.TotalTokens > 0 {
			usage := model.Usage{
				InputTokens:  int(chunk.Usage.PromptTokens),
				OutputTokens: int(chunk.Usage.CompletionTokens),
			}
			if !emit(model.Chunk{Type: model.ChunkUsage, Usage: &usage}) {
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.errCh <- err
		return
	}
	emit(model.Chunk{Type: model.ChunkStop, StopReason: stopReason})
}
