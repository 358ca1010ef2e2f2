package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/pkg/models"
)

// ErrClientToolFailed is returned when the client reports a failed
// invocation of a tool it advertised.
var ErrClientToolFailed = errors.New("client tool invocation failed")

// ClientTool is a tool whose execution happens on the connected client. The
// runtime publishes an invoke request on the event bus and blocks until the
// client responds on the same correlation id.
type ClientTool struct {
	descriptor models.ToolDescriptor
	events     *bus.Bus
}

// NewClientTool wraps a client-advertised descriptor so it can be registered
// like any local tool.
func NewClientTool(descriptor models.ToolDescriptor, events *bus.Bus) *ClientTool {
	return &ClientTool{descriptor: descriptor, events: events}
}

func (t *ClientTool) Name() string                 { return t.descriptor.Name }
func (t *ClientTool) Description() string          { return t.descriptor.Description }
func (t *ClientTool) InputSchema() json.RawMessage { return t.descriptor.InputSchema }

// Invoke round-trips the call through the event stream and returns the full
// client response, including any tool augmentation the caller must apply.
func (t *ClientTool) Invoke(ctx context.Context, callID string, args json.RawMessage) (*models.ClientToolPayload, error) {
	requestID := uuid.NewString()

	err := t.events.Emit(ctx, models.Event{
		Type: models.EventClientToolInvokeRequest,
		ClientTool: &models.ClientToolPayload{
			RequestID: requestID,
			ToolName:  t.descriptor.Name,
			CallID:    callID,
			Args:      args,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("requesting client tool %s: %w", t.descriptor.Name, err)
	}

	resp, err := t.events.Await(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("awaiting client tool %s: %w", t.descriptor.Name, err)
	}
	if resp.ClientTool == nil {
		return nil, fmt.Errorf("client tool %s: response missing payload", t.descriptor.Name)
	}
	if !resp.ClientTool.Success {
		msg := resp.ClientTool.ErrorMessage
		if msg == "" {
			msg = "no error detail provided"
		}
		return nil, fmt.Errorf("%w: %s: %s", ErrClientToolFailed, t.descriptor.Name, msg)
	}
	return resp.ClientTool, nil
}

// Execute satisfies Tool: it invokes the client and flattens the response
// content into a single JSON result.
func (t *ClientTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	resp, err := t.Invoke(ctx, "", args)
	if err != nil {
		return nil, err
	}
	return FlattenClientContent(resp.Content)
}

// FlattenClientContent reduces client content items to one JSON value: a
// single item yields its value directly, several yield a JSON array.
func FlattenClientContent(items []models.ClientContentItem) (json.RawMessage, error) {
	values := make([]json.RawMessage, 0, len(items))
	for _, item := range items {
		switch item.Type {
		case "json":
			if len(item.JSON) > 0 {
				values = append(values, item.JSON)
			}
		case "binary":
			encoded, err := json.Marshal(map[string]any{
				"mime": item.Mime,
				"data": item.Data,
			})
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		default:
			encoded, err := json.Marshal(item.Text)
			if err != nil {
				return nil, err
			}
			values = append(values, encoded)
		}
	}
	switch len(values) {
	case 0:
		return json.RawMessage(`""`), nil
	case 1:
		return values[0], nil
	}
	return json.Marshal(values)
}
