// Package tools provides the tool catalog for agent runs: registration,
// schema validation, and container/skill visibility.
package tools

import (
	"context"
	"encoding/json"

	"github.com/weftwork/weft/pkg/models"
)

// Tool is an invokable function advertised to the model.
type Tool interface {
	// Name is the unique tool identifier.
	Name() string

	// Description explains what the tool does and when to use it.
	Description() string

	// InputSchema is the JSON schema for the tool's arguments.
	InputSchema() json.RawMessage

	// Execute runs the tool. The result must be JSON-serializable.
	Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// FuncTool adapts a plain function into a Tool.
type FuncTool struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// NewFuncTool creates a tool backed by fn.
func NewFuncTool(name, description string, schema json.RawMessage, fn func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)) *FuncTool {
	return &FuncTool{name: name, description: description, schema: schema, fn: fn}
}

func (t *FuncTool) Name() string                 { return t.name }
func (t *FuncTool) Description() string          { return t.description }
func (t *FuncTool) InputSchema() json.RawMessage { return t.schema }

func (t *FuncTool) Execute(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return t.fn(ctx, args)
}

// Descriptor returns the provider-facing description of a tool.
func Descriptor(t Tool) models.ToolDescriptor {
	return models.ToolDescriptor{
		Name:        t.Name(),
		Description: t.Description(),
		InputSchema: t.InputSchema(),
	}
}
