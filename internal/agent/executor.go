package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/middleware"
	"github.com/weftwork/weft/internal/tools"
	"github.com/weftwork/weft/pkg/models"
)

// ExecutorConfig bounds parallel tool execution within one iteration.
type ExecutorConfig struct {
	// Concurrency caps simultaneous tool executions. Default: 4.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// MaxResultBytes clamps individual tool results. Default: 512 KiB.
	MaxResultBytes int `yaml:"max_result_bytes" json:"max_result_bytes"`
}

// DefaultExecutorConfig returns the standard executor settings.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{Concurrency: 4, MaxResultBytes: 512 << 10}
}

// Executor runs an iteration's tool calls concurrently, preserving the
// original call order in the aggregated results.
type Executor struct {
	registry  *tools.Registry
	chain     *middleware.Chain
	events    *bus.Bus
	sem       chan struct{}
	maxResult int

	// stateMu serializes augmentation updates to the shared iteration
	// state from parallel tool goroutines.
	stateMu sync.Mutex
}

// NewExecutor creates an executor for one run.
func NewExecutor(registry *tools.Registry, chain *middleware.Chain, events *bus.Bus, cfg ExecutorConfig) *Executor {
	defaults := DefaultExecutorConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaults.Concurrency
	}
	if cfg.MaxResultBytes <= 0 {
		cfg.MaxResultBytes = defaults.MaxResultBytes
	}
	return &Executor{
		registry:  registry,
		chain:     chain,
		events:    events,
		sem:       make(chan struct{}, cfg.Concurrency),
		maxResult: cfg.MaxResultBytes,
	}
}

// ExecuteAll runs every pending call not already answered synthetically and
// emits a TOOL_CALL_RESULT per call in the original call order. Failures
// become error-flagged results rather than aborting the batch.
func (e *Executor) ExecuteAll(ctx context.Context, ic *middleware.IterationContext) []models.FunctionResult {
	results := make([]models.FunctionResult, len(ic.PendingCalls))
	elapsed := make([]time.Duration, len(ic.PendingCalls))

	var wg sync.WaitGroup
	for i, call := range ic.PendingCalls {
		if synthetic, ok := ic.Synthetic[call.CallID]; ok {
			results[i] = synthetic
			continue
		}
		wg.Add(1)
		go func(i int, call models.FunctionCall) {
			defer wg.Done()
			select {
			case e.sem <- struct{}{}:
				defer func() { <-e.sem }()
			case <-ctx.Done():
				results[i] = cancelledResult(call.CallID)
				return
			}
			started := time.Now()
			results[i] = e.executeOne(ctx, ic, call)
			elapsed[i] = time.Since(started)
		}(i, call)
	}
	wg.Wait()

	for i, call := range ic.PendingCalls {
		_ = e.events.Emit(ctx, models.Event{
			Type: models.EventToolCallResult,
			Tool: &models.ToolCallPayload{
				CallID:  call.CallID,
				Name:    call.Name,
				Result:  results[i].Result,
				IsError: results[i].IsError,
				Elapsed: elapsed[i],
			},
		})
	}
	return results
}

func (e *Executor) executeOne(ctx context.Context, ic *middleware.IterationContext, call models.FunctionCall) models.FunctionResult {
	tcc := &middleware.ToolCallContext{
		RunID:     ic.RunID,
		BranchID:  ic.BranchID,
		Iteration: ic.Iteration,
		Call:      call,
	}

	result, err := e.chain.ExecuteFunction(ctx, tcc, func(ctx context.Context) (json.RawMessage, error) {
		return e.invoke(ctx, ic, call)
	})
	if err != nil {
		text, marshalErr := json.Marshal(err.Error())
		if marshalErr != nil {
			text = json.RawMessage(`"tool execution failed"`)
		}
		return models.FunctionResult{CallID: call.CallID, Result: text, IsError: true}
	}
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	return models.FunctionResult{CallID: call.CallID, Result: guardResult(result, e.maxResult)}
}

// guardResult keeps tool output persistable: string results lose control
// characters and oversized results are replaced with a truncation notice.
func guardResult(raw json.RawMessage, maxBytes int) json.RawMessage {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		s = stripControl(s)
		if len(s) > maxBytes {
			s = s[:maxBytes] + " [truncated]"
		}
		if out, err := json.Marshal(s); err == nil {
			return out
		}
	}
	if len(raw) > maxBytes {
		notice, _ := json.Marshal(fmt.Sprintf("tool result of %d bytes exceeded the %d byte limit", len(raw), maxBytes))
		return notice
	}
	return raw
}

// stripControl removes control characters except tabs and line breaks.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// invoke is the terminal executor, with panic containment so one misbehaving
// tool cannot take down the run. Client tools keep their call id through the
// round trip and may return an augmentation that changes tool visibility for
// the following iterations.
func (e *Executor) invoke(ctx context.Context, ic *middleware.IterationContext, call models.FunctionCall) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v\n%s", call.Name, r, debug.Stack())
		}
	}()

	tool, ok := e.registry.Find(call.Name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tools.ErrToolNotFound, call.Name)
	}
	if err := e.registry.Validate(call.Name, call.Arguments); err != nil {
		return nil, err
	}
	if client, ok := tool.(*tools.ClientTool); ok {
		resp, err := client.Invoke(ctx, call.CallID, call.Arguments)
		if err != nil {
			return nil, err
		}
		if resp.Augmentation != nil {
			e.stateMu.Lock()
			ic.State = ic.State.ApplyAugmentation(resp.Augmentation)
			e.stateMu.Unlock()
		}
		return tools.FlattenClientContent(resp.Content)
	}
	return tool.Execute(ctx, call.Arguments)
}

func cancelledResult(callID string) models.FunctionResult {
	return models.FunctionResult{
		CallID:  callID,
		Result:  json.RawMessage(`"tool execution cancelled"`),
		IsError: true,
	}
}
