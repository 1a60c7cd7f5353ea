// Package openai implements model.Client on top of the OpenAI Chat
// Completions API using github.com/openai/openai-go/v2.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/ssestream"
	"github.com/openai/openai-go/v2/shared"

	"github.com/comptio/fabric/internal/agent/model"
)

// CompletionsClient is the subset of the SDK used by the adapter.
type CompletionsClient interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures the adapter.
type Options struct {
	DefaultModel string
	MaxTokens    int
}

// Client implements model.Client.
type Client struct {
	chat         CompletionsClient
	defaultModel string
	maxTokens    int
}

// New builds the adapter from an existing completions client.
func New(chat CompletionsClient, opts Options) (*Client, error) {
	if chat == nil {
		return nil, errors.New("openai: completions client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("openai: default model is required")
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &Client{chat: chat, defaultModel: opts.DefaultModel, maxTokens: maxTokens}, nil
}

// NewFromAPIKey constructs a client over the default SDK HTTP client. baseURL
// overrides the API endpoint when non-empty.
func NewFromAPIKey(apiKey, defaultModel string, maxTokens int, baseURL string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	oc := sdk.NewClient(opts...)
	return New(&oc.Chat.Completions, Options{DefaultModel: defaultModel, MaxTokens: maxTokens})
}

// Complete issues a non-streaming chat completion.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	completion, err := c.chat.New(ctx, *params)
	if err != nil {
		return nil, fmt.Errorf("openai chat completion: %w", err)
	}
	return translateResponse(completion), nil
}

// Stream issues a streaming chat completion and adapts chunk deltas into
// model.Chunks, accumulating tool call argument fragments until complete.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	params, err := c.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = sdk.ChatCompletionStreamOptionsParam{IncludeUsage: sdk.Bool(true)}
	stream := c.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai chat completion stream: %w", err)
	}
	return newStreamer(ctx, stream), nil
}

func (c *Client) prepareRequest(req *model.Request) (*sdk.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	messages := make([]sdk.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, sdk.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		encoded, err := encodeMessage(m)
		if err != nil {
			return nil, err
		}
		messages = append(messages, encoded...)
	}
	params := &sdk.ChatCompletionNewParams{
		Model:     shared.ChatModel(modelID),
		Messages:  messages,
		MaxTokens: sdk.Int(int64(maxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return params, nil
}

func encodeMessage(m model.Message) ([]sdk.ChatCompletionMessageParamUnion, error) {
	switch m.Role {
	case model.RoleSystem:
		return []sdk.ChatCompletionMessageParamUnion{sdk.SystemMessage(m.Content)}, nil
	case model.RoleUser:
		return []sdk.ChatCompletionMessageParamUnion{sdk.UserMessage(m.Content)}, nil
	case model.RoleAssistant:
		assistant := sdk.ChatCompletionAssistantMessageParam{}
		if m.Content != "" {
			assistant.Content.OfString = sdk.String(m.Content)
		}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Input)
			if err != nil {
				return nil, fmt.Errorf("openai: marshal tool call %s input: %w", tc.Name, err)
			}
			assistant.ToolCalls = append(assistant.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				},
			})
		}
		return []sdk.ChatCompletionMessageParamUnion{{OfAssistant: &assistant}}, nil
	case model.RoleTool:
		// One tool message per result on the OpenAI wire.
		out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(m.ToolResults))
		for _, tr := range m.ToolResults {
			content := ""
			if tr.Content != nil {
				if data, err := json.Marshal(tr.Content); err == nil {
					content = string(data)
				}
			}
			out = append(out, sdk.ToolMessage(content, tr.CallID))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
	}
}

func encodeTools(defs []model.ToolDefinition) []sdk.ChatCompletionToolUnionParam {
	tools := make([]sdk.ChatCompletionToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        def.Name,
			Description: sdk.String(def.Description),
		}
		if def.InputSchema != nil {
			fn.Parameters = shared.FunctionParameters(def.InputSchema)
		}
		tools = append(tools, sdk.ChatCompletionFunctionTool(fn))
	}
	return tools
}

func translateResponse(completion *sdk.ChatCompletion) *model.Response {
	resp := &model.Response{
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}
	if len(completion.Choices) == 0 {
		return resp
	}
	choice := completion.Choices[0]
	resp.Text = choice.Message.Content
	resp.StopReason = string(choice.FinishReason)
	for _, call := range choice.Message.ToolCalls {
		resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: decodeArguments(call.Function.Arguments),
		})
	}
	return resp
}

func decodeArguments(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var input map[string]any
	if err := json.Unmarshal([]byte(raw), &input); err != nil {
		return map[string]any{"raw": raw}
	}
	return input
}
