package anthropic

import (
	"context"
	"encoding/json"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/comptio/fabric/internal/agent/model"
)

// streamer adapts an Anthropic Messages event stream to model.Streamer. A
// goroutine pumps SDK events into a channel; Recv drains it until EOF.
type streamer struct {
	ctx    context.Context
	cancel context.CancelFunc
	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
	chunks chan model.Chunk
	errCh  chan error
}

func newStreamer(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
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

	// Accumulates partial tool-use JSON per content block index.
	type toolBuffer struct {
		id        string
		name      string
		fragments []string
	}
	toolBlocks := make(map[int]*toolBuffer)
	stopReason := ""

	emit := func(chunk model.Chunk) bool {
		select {
		case s.chunks <- chunk:
			return true
		case <-s.ctx.Done():
			return false
		}
	}

	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			toolBlocks = make(map[int]*toolBuffer)
			stopReason = ""
		case sdk.ContentBlockStartEvent:
			if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				if !emit(model.Chunk{Type: model.ChunkText, Text: delta.Text}) {
					return
				}
			case sdk.InputJSONDelta:
				if tb := toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
					tb.fragments = append(tb.fragments, delta.PartialJSON)
				}
			}
		case sdk.ContentBlockStopEvent:
			idx := int(ev.Index)
			if tb := toolBlocks[idx]; tb != nil {
				delete(toolBlocks, idx)
				call := model.ToolCall{
					ID:    tb.id,
					Name:  tb.name,
					Input: decodeToolInput(json.RawMessage(joinFragments(tb.fragments))),
				}
				if !emit(model.Chunk{Type: model.ChunkToolCall, ToolCall: &call}) {
					return
				}
			}
		case sdk.MessageDeltaEvent:
			stopReason = string(ev.Delta.StopReason)
			usage := model.Usage{
				InputTokens:  int(ev.Usage.InputTokens),
				OutputTokens: int(ev.Usage.OutputTokens),
			}
			if !emit(model.Chunk{Type: model.ChunkUsage, Usage: &usage}) {
				return
			}
		case sdk.MessageStopEvent:
			if !emit(model.Chunk{Type: model.ChunkStop, StopReason: stopReason}) {
				return
			}
		}
	}
	if err := s.stream.Err(); err != nil {
		s.errCh <- err
	}
}

func joinFragments(fragments []string) string {
	joined := strings.Join(fragments, "")
	if strings.TrimSpace(joined) == "" {
		return "{}"
	}
	return joined
}
