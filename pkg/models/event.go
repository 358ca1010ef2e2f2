package models

import (
	"encoding/json"
	"time"
)

// EventVersion is the current event schema version.
const EventVersion = "1.0"

// EventType identifies the kind of run event. Values use the wire
// convention of SCREAMING_SNAKE_CASE discriminators.
type EventType string

const (
	// Turn lifecycle
	EventMessageTurnStarted  EventType = "MESSAGE_TURN_STARTED"
	EventMessageTurnFinished EventType = "MESSAGE_TURN_FINISHED"
	EventMessageTurnError    EventType = "MESSAGE_TURN_ERROR"
	EventAgentTurnStarted    EventType = "AGENT_TURN_STARTED"
	EventAgentTurnFinished   EventType = "AGENT_TURN_FINISHED"
	EventStateSnapshot       EventType = "STATE_SNAPSHOT"

	// Content streaming
	EventTextMessageStart      EventType = "TEXT_MESSAGE_START"
	EventTextMessageDelta      EventType = "TEXT_MESSAGE_DELTA"
	EventTextMessageEnd        EventType = "TEXT_MESSAGE_END"
	EventReasoningMessageStart EventType = "REASONING_MESSAGE_START"
	EventReasoningMessageDelta EventType = "REASONING_MESSAGE_DELTA"
	EventReasoningMessageEnd   EventType = "REASONING_MESSAGE_END"

	// Tool execution
	EventToolCallStart  EventType = "TOOL_CALL_START"
	EventToolCallArgs   EventType = "TOOL_CALL_ARGS"
	EventToolCallEnd    EventType = "TOOL_CALL_END"
	EventToolCallResult EventType = "TOOL_CALL_RESULT"

	// Bidirectional
	EventPermissionRequest        EventType = "PERMISSION_REQUEST"
	EventPermissionResponse       EventType = "PERMISSION_RESPONSE"
	EventClarificationRequest     EventType = "CLARIFICATION_REQUEST"
	EventClarificationResponse    EventType = "CLARIFICATION_RESPONSE"
	EventContinuationRequest      EventType = "CONTINUATION_REQUEST"
	EventContinuationResponse     EventType = "CONTINUATION_RESPONSE"
	EventClientToolInvokeRequest  EventType = "CLIENT_TOOL_INVOKE_REQUEST"
	EventClientToolInvokeResponse EventType = "CLIENT_TOOL_INVOKE_RESPONSE"

	// Observability
	EventFunctionRetry      EventType = "FUNCTION_RETRY"
	EventContainerExpanded  EventType = "CONTAINER_EXPANDED"
	EventCheckpointSaved    EventType = "CHECKPOINT_SAVED"
	EventMiddlewareProgress EventType = "MIDDLEWARE_PROGRESS"
)

// IsTerminal reports whether the event ends a message turn.
func (t EventType) IsTerminal() bool {
	return t == EventMessageTurnFinished || t == EventMessageTurnError
}

// ExecContext is the execution breadcrumb attached to events produced by
// nested agents.
type ExecContext struct {
	AgentID       string `json:"agent_id,omitempty"`
	Depth         int    `json:"depth,omitempty"`
	ParentAgentID string `json:"parent_agent_id,omitempty"`
}

// Event is an immutable record in the per-run stream. Events are strictly
// ordered within a run by Sequence. Exactly one payload pointer is non-nil
// for a given type; consumers must ignore unknown fields for forward
// compatibility.
type Event struct {
	Type     EventType    `json:"type"`
	Version  string       `json:"version"`
	Sequence uint64       `json:"seq"`
	Time     time.Time    `json:"time"`
	RunID    string       `json:"run_id,omitempty"`
	Exec     *ExecContext `json:"exec,omitempty"`

	Turn         *TurnPayload         `json:"turn,omitempty"`
	Text         *TextStreamPayload   `json:"text,omitempty"`
	Tool         *ToolCallPayload     `json:"tool,omitempty"`
	Permission   *PermissionPayload   `json:"permission,omitempty"`
	Clarify      *ClarificationPayload `json:"clarify,omitempty"`
	Continuation *ContinuationPayload `json:"continuation,omitempty"`
	ClientTool   *ClientToolPayload   `json:"client_tool,omitempty"`
	Retry        *RetryPayload        `json:"retry,omitempty"`
	Container    *ContainerPayload    `json:"container,omitempty"`
	Snapshot     *SnapshotPayload     `json:"snapshot,omitempty"`
	Error        *ErrorPayload        `json:"error,omitempty"`
	Progress     *ProgressPayload     `json:"progress,omitempty"`
}

// TurnPayload accompanies turn lifecycle events.
type TurnPayload struct {
	SessionID string            `json:"session_id,omitempty"`
	BranchID  string            `json:"branch_id,omitempty"`
	Iteration int               `json:"iteration,omitempty"`
	Reason    TerminationReason `json:"reason,omitempty"`
	Stats     *RunStats         `json:"stats,omitempty"`
}

// TextStreamPayload carries text and reasoning streaming deltas. Deltas with
// the same MessageID are monotonically appendable into one message.
type TextStreamPayload struct {
	MessageID string `json:"message_id"`
	Delta     string `json:"delta,omitempty"`
	Final     string `json:"final,omitempty"`
}

// ToolCallPayload describes tool call streaming and results.
type ToolCallPayload struct {
	CallID    string          `json:"call_id"`
	Name      string          `json:"name,omitempty"`
	ArgsDelta string          `json:"args_delta,omitempty"`
	Args      json.RawMessage `json:"args,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	Elapsed   time.Duration   `json:"elapsed,omitempty"`
}

// PermissionChoice is the client's answer to a permission request.
type PermissionChoice string

const (
	PermissionAllow       PermissionChoice = "allow"
	PermissionAllowAlways PermissionChoice = "allow_always"
	PermissionDeny        PermissionChoice = "deny"
	PermissionDenyAlways  PermissionChoice = "deny_always"
)

// PermissionPayload carries permission requests and responses.
type PermissionPayload struct {
	PermissionID string           `json:"permission_id"`
	CallID       string           `json:"call_id,omitempty"`
	ToolName     string           `json:"tool_name,omitempty"`
	Args         json.RawMessage  `json:"args,omitempty"`
	Choice       PermissionChoice `json:"choice,omitempty"`
}

// ClarificationPayload carries clarification requests and responses.
type ClarificationPayload struct {
	ClarificationID string `json:"clarification_id"`
	Question        string `json:"question,omitempty"`
	Answer          string `json:"answer,omitempty"`
}

// ContinuationPayload carries iteration-limit continuation requests.
type ContinuationPayload struct {
	ContinuationID string `json:"continuation_id"`
	Iteration      int    `json:"iteration,omitempty"`
	Approved       bool   `json:"approved,omitempty"`
}

// ClientContentItem is one piece of a client tool response.
type ClientContentItem struct {
	Type string          `json:"type"` // text | binary | json
	Text string          `json:"text,omitempty"`
	Data []byte          `json:"data,omitempty"`
	Mime string          `json:"mime,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// ToolAugmentation mutates tool visibility or client state as a side effect
// of a client tool invocation.
type ToolAugmentation struct {
	ExpandGroups   []string        `json:"expand_groups,omitempty"`
	CollapseGroups []string        `json:"collapse_groups,omitempty"`
	ShowTools      []string        `json:"show_tools,omitempty"`
	HideTools      []string        `json:"hide_tools,omitempty"`
	ClientState    json.RawMessage `json:"client_state,omitempty"`
}

// ClientToolPayload carries client-tool invocation requests and responses.
type ClientToolPayload struct {
	RequestID    string              `json:"request_id"`
	ToolName     string              `json:"tool_name,omitempty"`
	CallID       string              `json:"call_id,omitempty"`
	Args         json.RawMessage     `json:"args,omitempty"`
	Content      []ClientContentItem `json:"content,omitempty"`
	Success      bool                `json:"success,omitempty"`
	ErrorMessage string              `json:"error_message,omitempty"`
	Augmentation *ToolAugmentation   `json:"augmentation,omitempty"`
}

// RetryPayload describes a retry decision for observability.
type RetryPayload struct {
	CallID   string        `json:"call_id,omitempty"`
	Attempt  int           `json:"attempt"`
	Delay    time.Duration `json:"delay"`
	Category ErrorCategory `json:"category,omitempty"`
}

// ContainerPayload describes a container expansion.
type ContainerPayload struct {
	Name  string   `json:"name"`
	Tools []string `json:"tools,omitempty"`
}

// SnapshotPayload carries an execution state checkpoint.
type SnapshotPayload struct {
	State *ExecutionState `json:"state,omitempty"`
}

// ErrorPayload standardizes errors on the event stream.
type ErrorPayload struct {
	Message   string        `json:"message"`
	Category  ErrorCategory `json:"category,omitempty"`
	Retriable bool          `json:"retriable,omitempty"`

	// Err preserves the original error for in-process consumers; it is
	// never serialized.
	Err error `json:"-"`
}

// ProgressPayload reports middleware progress for observability.
type ProgressPayload struct {
	Middleware string `json:"middleware"`
	Stage      string `json:"stage"`
	Detail     string `json:"detail,omitempty"`
}

// RunStats aggregates a run for the terminal event, derived from the
// event stream.
type RunStats struct {
	RunID        string        `json:"run_id,omitempty"`
	StartedAt    time.Time     `json:"started_at,omitempty"`
	FinishedAt   time.Time     `json:"finished_at,omitempty"`
	WallTime     time.Duration `json:"wall_time,omitempty"`
	Iterations   int           `json:"iterations,omitempty"`
	ToolCalls    int           `json:"tool_calls,omitempty"`
	ToolWallTime time.Duration `json:"tool_wall_time,omitempty"`
	Retries      int           `json:"retries,omitempty"`
	InputTokens  int           `json:"input_tokens,omitempty"`
	OutputTokens int           `json:"output_tokens,omitempty"`
	Errors       int           `json:"errors,omitempty"`
	Cancelled    bool          `json:"cancelled,omitempty"`
}
