package models

import (
	"encoding/json"
)

// ToolDescriptor is the provider-facing description of an invokable tool.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolMode controls how the provider may use advertised tools.
type ToolMode string

const (
	ToolModeAuto     ToolMode = "auto"
	ToolModeNone     ToolMode = "none"
	ToolModeRequired ToolMode = "required"
)
