package agent

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/pkg/models"
)

// assembly is the result of draining one model stream.
type assembly struct {
	message *models.Message
	usage   Usage
}

// toolCallBuild accumulates one streamed tool call.
type toolCallBuild struct {
	callID string
	name   string
	args   strings.Builder
}

// assembleStream drains the provider stream into a single assistant message,
// emitting streaming events in arrival order. Returns the stream error, if
// any, so the caller can classify it.
func assembleStream(ctx context.Context, events *bus.Bus, stream <-chan StreamChunk) (*assembly, error) {
	out := &assembly{message: models.NewMessage(models.RoleAssistant)}

	var text, reasoning strings.Builder
	var textOpen, reasoningOpen bool
	textID := uuid.NewString()
	reasoningID := uuid.NewString()
	calls := make(map[string]*toolCallBuild)
	var callOrder []string

	closeText := func() error {
		if !textOpen {
			return nil
		}
		textOpen = false
		return events.Emit(ctx, models.Event{
			Type: models.EventTextMessageEnd,
			Text: &models.TextStreamPayload{MessageID: textID, Final: text.String()},
		})
	}
	closeReasoning := func() error {
		if !reasoningOpen {
			return nil
		}
		reasoningOpen = false
		return events.Emit(ctx, models.Event{
			Type: models.EventReasoningMessageEnd,
			Text: &models.TextStreamPayload{MessageID: reasoningID, Final: reasoning.String()},
		})
	}

	var streamErr error

drain:
	for {
		select {
		case <-ctx.Done():
			streamErr = ctx.Err()
			break drain
		case chunk, ok := <-stream:
			if !ok {
				break drain
			}
			switch chunk.Kind {
			case ChunkTextDelta:
				if !textOpen {
					textOpen = true
					if err := events.Emit(ctx, models.Event{
						Type: models.EventTextMessageStart,
						Text: &models.TextStreamPayload{MessageID: textID},
					}); err != nil {
						return nil, err
					}
				}
				text.WriteString(chunk.Text)
				if err := events.Emit(ctx, models.Event{
					Type: models.EventTextMessageDelta,
					Text: &models.TextStreamPayload{MessageID: textID, Delta: chunk.Text},
				}); err != nil {
					return nil, err
				}
			case ChunkReasoningDelta:
				if !reasoningOpen {
					reasoningOpen = true
					if err := events.Emit(ctx, models.Event{
						Type: models.EventReasoningMessageStart,
						Text: &models.TextStreamPayload{MessageID: reasoningID},
					}); err != nil {
						return nil, err
					}
				}
				reasoning.WriteString(chunk.Text)
				if err := events.Emit(ctx, models.Event{
					Type: models.EventReasoningMessageDelta,
					Text: &models.TextStreamPayload{MessageID: reasoningID, Delta: chunk.Text},
				}); err != nil {
					return nil, err
				}
			case ChunkToolCallStart:
				build := &toolCallBuild{callID: chunk.CallID, name: chunk.ToolName}
				if build.callID == "" {
					build.callID = uuid.NewString()
				}
				calls[build.callID] = build
				callOrder = append(callOrder, build.callID)
				if err := events.Emit(ctx, models.Event{
					Type: models.EventToolCallStart,
					Tool: &models.ToolCallPayload{CallID: build.callID, Name: build.name},
				}); err != nil {
					return nil, err
				}
			case ChunkToolCallDelta:
				build := calls[chunk.CallID]
				if build == nil {
					continue
				}
				build.args.WriteString(chunk.ArgsDelta)
				if err := events.Emit(ctx, models.Event{
					Type: models.EventToolCallArgs,
					Tool: &models.ToolCallPayload{CallID: build.callID, ArgsDelta: chunk.ArgsDelta},
				}); err != nil {
					return nil, err
				}
			case ChunkToolCallEnd:
				build := calls[chunk.CallID]
				if build == nil {
					continue
				}
				if err := events.Emit(ctx, models.Event{
					Type: models.EventToolCallEnd,
					Tool: &models.ToolCallPayload{
						CallID: build.callID,
						Name:   build.name,
						Args:   json.RawMessage(build.args.String()),
					},
				}); err != nil {
					return nil, err
				}
			case ChunkUsage:
				if chunk.Usage != nil {
					out.usage.InputTokens += chunk.Usage.InputTokens
					out.usage.OutputTokens += chunk.Usage.OutputTokens
				}
			case ChunkError:
				streamErr = chunk.Err
				break drain
			case ChunkDone:
				break drain
			}
		}
	}

	if err := closeReasoning(); err != nil {
		return nil, err
	}
	if err := closeText(); err != nil {
		return nil, err
	}
	if streamErr != nil {
		return out, streamErr
	}

	if reasoning.Len() > 0 {
		out.message.Content = append(out.message.Content, models.ReasoningContent{Text: reasoning.String()})
	}
	if text.Len() > 0 {
		out.message.Content = append(out.message.Content, models.TextContent{Text: text.String()})
	}
	for _, id := range callOrder {
		build := calls[id]
		args := build.args.String()
		if args == "" {
			args = "{}"
		}
		out.message.Content = append(out.message.Content, models.FunctionCall{
			CallID:    build.callID,
			Name:      build.name,
			Arguments: json.RawMessage(args),
		})
	}
	return out, nil
}
