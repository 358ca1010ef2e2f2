// Package middleware implements the interceptor chain wrapped around agent
// iterations and tool invocations. Middlewares see two seams: the iteration
// (one model call plus its tool calls) and the individual tool execution.
package middleware

import (
	"context"
	"encoding/json"

	"github.com/weftwork/weft/pkg/models"
)

// IterationContext is the mutable view of one loop iteration. Hooks may
// rewrite the prompt, message list, advertised tools, pending calls, and
// execution state.
type IterationContext struct {
	RunID     string
	SessionID string
	BranchID  string
	Iteration int

	// SystemPrompt is the instruction text sent with this iteration.
	SystemPrompt string

	// Messages is the history sent to the provider.
	Messages []*models.Message

	// Tools is the advertised tool set for this iteration.
	Tools []models.ToolDescriptor

	// State is the current execution state. Hooks replace it with updated
	// copies rather than mutating in place.
	State *models.ExecutionState

	// PendingCalls holds the tool calls returned by the model, populated
	// before BeforeToolExecution runs.
	PendingCalls []models.FunctionCall

	// Synthetic maps call ids to results produced without executing the
	// tool (denials, container expansions). The executor skips these.
	Synthetic map[string]models.FunctionResult
}

// SetSynthetic records a short-circuited result for a call id.
func (ic *IterationContext) SetSynthetic(result models.FunctionResult) {
	if ic.Synthetic == nil {
		ic.Synthetic = make(map[string]models.FunctionResult)
	}
	ic.Synthetic[result.CallID] = result
}

// TurnContext is the per-message-turn view passed to AfterMessageTurn just
// before persistence.
type TurnContext struct {
	RunID     string
	SessionID string
	BranchID  string

	// Branch is the branch being persisted.
	Branch *models.Branch

	// Messages is the list about to be persisted. Hooks may rewrite it.
	Messages []*models.Message

	// State is the final execution state for the turn.
	State *models.ExecutionState
}

// ToolCallContext accompanies one tool invocation through ExecuteFunction.
type ToolCallContext struct {
	RunID     string
	BranchID  string
	Iteration int
	Call      models.FunctionCall

	// Attempts counts invocations of the terminal executor, maintained by
	// the retry middleware.
	Attempts int

	// RawError preserves the unsanitized failure for observability after
	// error formatting rewrote the returned error.
	RawError error
}

// ExecuteFunc is the continuation invoked by ExecuteFunction middlewares.
type ExecuteFunc func(ctx context.Context) (json.RawMessage, error)

// Middleware intercepts iteration and tool-execution seams. Implementations
// embed Base and override the hooks they care about.
type Middleware interface {
	Name() string

	BeforeIteration(ctx context.Context, ic *IterationContext) error
	BeforeToolExecution(ctx context.Context, ic *IterationContext) error
	ExecuteFunction(ctx context.Context, call *ToolCallContext, next ExecuteFunc) (json.RawMessage, error)
	AfterIteration(ctx context.Context, ic *IterationContext) error
	AfterMessageTurn(ctx context.Context, tc *TurnContext) error
}

// Base is a no-op middleware for embedding.
type Base struct{}

func (Base) BeforeIteration(context.Context, *IterationContext) error     { return nil }
func (Base) BeforeToolExecution(context.Context, *IterationContext) error { return nil }
func (Base) AfterIteration(context.Context, *IterationContext) error      { return nil }
func (Base) AfterMessageTurn(context.Context, *TurnContext) error         { return nil }

func (Base) ExecuteFunction(ctx context.Context, _ *ToolCallContext, next ExecuteFunc) (json.RawMessage, error) {
	return next(ctx)
}

// Chain composes middlewares in registration order: the first registered is
// outermost. Before-hooks run first-to-last, after-hooks last-to-first.
type Chain struct {
	mws []Middleware
}

// NewChain builds a chain. The canonical production order is
// Retry, Timeout, ErrorFormatting, Permission, Container, HistoryReduction.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: mws}
}

// Middlewares returns the chain contents in registration order.
func (c *Chain) Middlewares() []Middleware { return c.mws }

// BeforeIteration runs the hook outermost-first.
func (c *Chain) BeforeIteration(ctx context.Context, ic *IterationContext) error {
	for _, mw := range c.mws {
		if err := mw.BeforeIteration(ctx, ic); err != nil {
			return err
		}
	}
	return nil
}

// BeforeToolExecution runs the hook outermost-first.
func (c *Chain) BeforeToolExecution(ctx context.Context, ic *IterationContext) error {
	for _, mw := range c.mws {
		if err := mw.BeforeToolExecution(ctx, ic); err != nil {
			return err
		}
	}
	return nil
}

// AfterIteration runs the hook innermost-first.
func (c *Chain) AfterIteration(ctx context.Context, ic *IterationContext) error {
	for i := len(c.mws) - 1; i >= 0; i-- {
		if err := c.mws[i].AfterIteration(ctx, ic); err != nil {
			return err
		}
	}
	return nil
}

// AfterMessageTurn runs the hook innermost-first.
func (c *Chain) AfterMessageTurn(ctx context.Context, tc *TurnContext) error {
	for i := len(c.mws) - 1; i >= 0; i-- {
		if err := c.mws[i].AfterMessageTurn(ctx, tc); err != nil {
			return err
		}
	}
	return nil
}

// ExecuteFunction wraps terminal with every middleware's ExecuteFunction,
// outermost-first.
func (c *Chain) ExecuteFunction(ctx context.Context, call *ToolCallContext, terminal ExecuteFunc) (json.RawMessage, error) {
	next := terminal
	for i := len(c.mws) - 1; i >= 0; i-- {
		mw := c.mws[i]
		inner := next
		next = func(ctx context.Context) (json.RawMessage, error) {
			return mw.ExecuteFunction(ctx, call, inner)
		}
	}
	return next(ctx)
}
