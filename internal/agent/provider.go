// Package agent implements the execution loop for one user turn: model
// streaming, parallel tool execution, middleware seams, and termination.
package agent

import (
	"context"

	"github.com/weftwork/weft/pkg/models"
)

// ChatRequest is one model invocation.
type ChatRequest struct {
	Model           string
	Instructions    string
	Messages        []*models.Message
	Tools           []models.ToolDescriptor
	ToolMode        models.ToolMode
	Temperature     float32
	MaxOutputTokens int
	ResponseFormat  string
}

// ChunkKind discriminates streaming chunks.
type ChunkKind string

const (
	ChunkTextDelta      ChunkKind = "text_delta"
	ChunkReasoningDelta ChunkKind = "reasoning_delta"
	ChunkToolCallStart  ChunkKind = "tool_call_start"
	ChunkToolCallDelta  ChunkKind = "tool_call_delta"
	ChunkToolCallEnd    ChunkKind = "tool_call_end"
	ChunkUsage          ChunkKind = "usage"
	ChunkDone           ChunkKind = "done"
	ChunkError          ChunkKind = "error"
)

// Usage reports token accounting for one model call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// StreamChunk is one piece of a streaming model response. The channel is
// closed after a ChunkDone or ChunkError.
type StreamChunk struct {
	Kind ChunkKind

	// Text carries the delta for text and reasoning chunks.
	Text string

	// Tool call fields, valid for the tool_call_* kinds.
	CallID    string
	ToolName  string
	ArgsDelta string

	Usage *Usage

	// Err is set on ChunkError chunks.
	Err error
}

// Provider streams chat completions. Implementations must stop promptly on
// context cancellation and deliver failures as a final ChunkError.
type Provider interface {
	Name() string
	Chat(ctx context.Context, req ChatRequest) (<-chan StreamChunk, error)
}
