// Package openai adapts the OpenAI chat completions API to the agent
// provider interface. It also serves OpenAI-compatible endpoints via the
// base URL override.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	sdk "github.com/sashabaranov/go-openai"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/pkg/models"
)

// Provider streams chat completions from an OpenAI-compatible API.
type Provider struct {
	client *sdk.Client
}

// New builds a provider. baseURL is optional and overrides the API endpoint.
func New(apiKey, baseURL string) *Provider {
	cfg := sdk.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Provider{client: sdk.NewClientWithConfig(cfg)}
}

func (p *Provider) Name() string { return "openai" }

// Chat opens a streaming completion and translates SSE deltas into chunks.
// The returned channel is closed after a terminal done or error chunk.
func (p *Provider) Chat(ctx context.Context, req agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	stream, err := p.client.CreateChatCompletionStream(ctx, buildRequest(req))
	if err != nil {
		return nil, err
	}

	out := make(chan agent.StreamChunk, 16)
	go func() {
		defer close(out)
		defer stream.Close()
		send := func(c agent.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		var usage agent.Usage
		acc := newToolCallAccumulator()
		for {
			response, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				send(agent.StreamChunk{Kind: agent.ChunkError, Err: err})
				return
			}
			// The usage-only chunk arrives last with no choices.
			if response.Usage != nil {
				usage.InputTokens = response.Usage.PromptTokens
				usage.OutputTokens = response.Usage.CompletionTokens
			}
			for _, choice := range response.Choices {
				if choice.Delta.ReasoningContent != "" {
					if !send(agent.StreamChunk{Kind: agent.ChunkReasoningDelta, Text: choice.Delta.ReasoningContent}) {
						return
					}
				}
				if choice.Delta.Content != "" {
					if !send(agent.StreamChunk{Kind: agent.ChunkTextDelta, Text: choice.Delta.Content}) {
						return
					}
				}
				for _, chunk := range acc.add(choice.Delta.ToolCalls) {
					if !send(chunk) {
						return
					}
				}
				if choice.FinishReason != "" {
					for _, chunk := range acc.finish() {
						if !send(chunk) {
							return
						}
					}
				}
			}
		}
		for _, chunk := range acc.finish() {
			if !send(chunk) {
				return
			}
		}
		if !send(agent.StreamChunk{Kind: agent.ChunkUsage, Usage: &usage}) {
			return
		}
		send(agent.StreamChunk{Kind: agent.ChunkDone})
	}()
	return out, nil
}

// toolCallAccumulator pairs streamed tool-call fragments back together. The
// call id and name arrive only on the first delta of each slot; argument
// fragments carry just the slot index.
type toolCallAccumulator struct {
	open map[int]string
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{open: map[int]string{}}
}

func (a *toolCallAccumulator) add(calls []sdk.ToolCall) []agent.StreamChunk {
	var out []agent.StreamChunk
	for _, call := range calls {
		idx := 0
		if call.Index != nil {
			idx = *call.Index
		}
		if call.ID != "" {
			a.open[idx] = call.ID
			out = append(out, agent.StreamChunk{
				Kind:     agent.ChunkToolCallStart,
				CallID:   call.ID,
				ToolName: call.Function.Name,
			})
		}
		if call.Function.Arguments != "" {
			out = append(out, agent.StreamChunk{
				Kind:      agent.ChunkToolCallDelta,
				CallID:    a.open[idx],
				ArgsDelta: call.Function.Arguments,
			})
		}
	}
	return out
}

// finish closes all open calls in slot order.
func (a *toolCallAccumulator) finish() []agent.StreamChunk {
	if len(a.open) == 0 {
		return nil
	}
	indexes := make([]int, 0, len(a.open))
	for idx := range a.open {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	out := make([]agent.StreamChunk, 0, len(indexes))
	for _, idx := range indexes {
		out = append(out, agent.StreamChunk{Kind: agent.ChunkToolCallEnd, CallID: a.open[idx]})
	}
	a.open = map[int]string{}
	return out
}

func buildRequest(req agent.ChatRequest) sdk.ChatCompletionRequest {
	out := sdk.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      convertMessages(req),
		Temperature:   req.Temperature,
		Stream:        true,
		StreamOptions: &sdk.StreamOptions{IncludeUsage: true},
	}
	if req.MaxOutputTokens > 0 {
		out.MaxTokens = req.MaxOutputTokens
	}
	if req.ResponseFormat == "json" {
		out.ResponseFormat = &sdk.ChatCompletionResponseFormat{Type: sdk.ChatCompletionResponseFormatTypeJSONObject}
	}
	if len(req.Tools) > 0 && req.ToolMode != models.ToolModeNone {
		out.Tools = convertTools(req.Tools)
		if req.ToolMode == models.ToolModeRequired {
			out.ToolChoice = "required"
		}
	}
	return out
}

func convertMessages(req agent.ChatRequest) []sdk.ChatCompletionMessage {
	out := make([]sdk.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.Instructions != "" {
		out = append(out, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: req.Instructions})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if text := msg.Text(); text != "" {
				out = append(out, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleSystem, Content: text})
			}
		case models.RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleUser, Content: text})
			}
		case models.RoleAssistant:
			converted := sdk.ChatCompletionMessage{Role: sdk.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, call := range msg.FunctionCalls() {
				converted.ToolCalls = append(converted.ToolCalls, sdk.ToolCall{
					ID:   call.CallID,
					Type: sdk.ToolTypeFunction,
					Function: sdk.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Arguments),
					},
				})
			}
			if converted.Content != "" || len(converted.ToolCalls) > 0 {
				out = append(out, converted)
			}
		case models.RoleTool:
			// One tool-role message per result so call ids stay paired.
			for _, result := range msg.FunctionResults() {
				out = append(out, sdk.ChatCompletionMessage{
					Role:       sdk.ChatMessageRoleTool,
					Content:    resultText(result.Result),
					ToolCallID: result.CallID,
				})
			}
		}
	}
	return out
}

// resultText renders a tool result as plain text. JSON strings are unquoted,
// anything else passes through verbatim.
func resultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func convertTools(descriptors []models.ToolDescriptor) []sdk.Tool {
	tools := make([]sdk.Tool, 0, len(descriptors))
	for _, desc := range descriptors {
		tools = append(tools, sdk.Tool{
			Type: sdk.ToolTypeFunction,
			Function: &sdk.FunctionDefinition{
				Name:        desc.Name,
				Description: desc.Description,
				Parameters:  desc.InputSchema,
			},
		})
	}
	return tools
}
