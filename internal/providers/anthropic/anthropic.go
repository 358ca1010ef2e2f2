// Package anthropic adapts the Anthropic Messages API to the agent
// provider interface, streaming text, thinking, and tool-use blocks.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/pkg/models"
)

const defaultMaxTokens = 8192

// Provider streams chat completions from the Anthropic Messages API.
type Provider struct {
	client sdk.Client
}

// New builds a provider. baseURL is optional and overrides the API endpoint.
func New(apiKey, baseURL string) *Provider {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &Provider{client: sdk.NewClient(opts...)}
}

func (p *Provider) Name() string { return "anthropic" }

// Chat opens a streaming completion and translates SDK events into chunks.
// The returned channel is closed after a terminal done or error chunk.
func (p *Provider) Chat(ctx context.Context, req agent.ChatRequest) (<-chan agent.StreamChunk, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	out := make(chan agent.StreamChunk, 16)
	go func() {
		defer close(out)
		send := func(c agent.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()

		var usage agent.Usage
		var toolID string
		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				usage.InputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)
			case "content_block_start":
				block := event.AsContentBlockStart().ContentBlock
				if block.Type == "tool_use" {
					use := block.AsToolUse()
					toolID = use.ID
					if !send(agent.StreamChunk{Kind: agent.ChunkToolCallStart, CallID: use.ID, ToolName: use.Name}) {
						return
					}
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				var chunk agent.StreamChunk
				switch delta.Type {
				case "text_delta":
					chunk = agent.StreamChunk{Kind: agent.ChunkTextDelta, Text: delta.Text}
				case "thinking_delta":
					chunk = agent.StreamChunk{Kind: agent.ChunkReasoningDelta, Text: delta.Thinking}
				case "input_json_delta":
					if toolID == "" {
						continue
					}
					chunk = agent.StreamChunk{Kind: agent.ChunkToolCallDelta, CallID: toolID, ArgsDelta: delta.PartialJSON}
				default:
					continue
				}
				if !send(chunk) {
					return
				}
			case "content_block_stop":
				if toolID != "" {
					if !send(agent.StreamChunk{Kind: agent.ChunkToolCallEnd, CallID: toolID}) {
						return
					}
					toolID = ""
				}
			case "message_delta":
				usage.OutputTokens = int(event.AsMessageDelta().Usage.OutputTokens)
			}
		}
		if err := stream.Err(); err != nil {
			send(agent.StreamChunk{Kind: agent.ChunkError, Err: err})
			return
		}
		if !send(agent.StreamChunk{Kind: agent.ChunkUsage, Usage: &usage}) {
			return
		}
		send(agent.StreamChunk{Kind: agent.ChunkDone})
	}()
	return out, nil
}

func buildParams(req agent.ChatRequest) (sdk.MessageNewParams, error) {
	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  convertMessages(req.Messages),
	}
	if system := systemText(req); system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(float64(req.Temperature))
	}
	if len(req.Tools) > 0 && req.ToolMode != models.ToolModeNone {
		tools, err := convertTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
		if req.ToolMode == models.ToolModeRequired {
			params.ToolChoice = sdk.ToolChoiceUnionParam{OfAny: &sdk.ToolChoiceAnyParam{}}
		}
	}
	return params, nil
}

// systemText joins the request instructions with any system-role messages.
// The Messages API takes the system prompt out of band.
func systemText(req agent.ChatRequest) string {
	parts := make([]string, 0, 2)
	if req.Instructions != "" {
		parts = append(parts, req.Instructions)
	}
	for _, msg := range req.Messages {
		if msg.Role == models.RoleSystem {
			if text := msg.Text(); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func convertMessages(messages []*models.Message) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case models.RoleUser:
			if text := msg.Text(); text != "" {
				out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(text)))
			}
		case models.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
			for _, item := range msg.Content {
				switch c := item.(type) {
				case models.TextContent:
					if c.Text != "" {
						blocks = append(blocks, sdk.NewTextBlock(c.Text))
					}
				case models.FunctionCall:
					blocks = append(blocks, sdk.NewToolUseBlock(c.CallID, callInput(c.Arguments), c.Name))
				}
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
			}
		case models.RoleTool:
			// Tool results go back as user-role tool_result blocks.
			blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
			for _, result := range msg.FunctionResults() {
				blocks = append(blocks, sdk.NewToolResultBlock(result.CallID, resultText(result.Result), result.IsError))
			}
			if len(blocks) > 0 {
				out = append(out, sdk.NewUserMessage(blocks...))
			}
		}
	}
	return out
}

func callInput(args json.RawMessage) map[string]any {
	input := map[string]any{}
	if len(args) > 0 {
		_ = json.Unmarshal(args, &input)
	}
	return input
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

func convertTools(descriptors []models.ToolDescriptor) ([]sdk.ToolUnionParam, error) {
	tools := make([]sdk.ToolUnionParam, 0, len(descriptors))
	for _, desc := range descriptors {
		var schema sdk.ToolInputSchemaParam
		if len(desc.InputSchema) > 0 {
			if err := json.Unmarshal(desc.InputSchema, &schema); err != nil {
				return nil, fmt.Errorf("tool %s: invalid input schema: %w", desc.Name, err)
			}
		}
		tool := sdk.ToolUnionParamOfTool(schema, desc.Name)
		if desc.Description != "" {
			tool.OfTool.Description = sdk.String(desc.Description)
		}
		tools = append(tools, tool)
	}
	return tools, nil
}
