package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// TimeoutConfig bounds tool execution time.
type TimeoutConfig struct {
	// Default applies to tools with no specific entry.
	Default time.Duration `yaml:"default" json:"default"`

	// PerTool overrides the default for named tools. A zero value disables
	// the timeout for that tool.
	PerTool map[string]time.Duration `yaml:"per_tool" json:"per_tool"`
}

// DefaultTimeoutConfig allows two minutes per tool call.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{Default: 2 * time.Minute}
}

// TimeoutMiddleware races each tool execution against its deadline.
type TimeoutMiddleware struct {
	Base
	cfg TimeoutConfig
}

// NewTimeoutMiddleware creates the middleware.
func NewTimeoutMiddleware(cfg TimeoutConfig) *TimeoutMiddleware {
	return &TimeoutMiddleware{cfg: cfg}
}

func (m *TimeoutMiddleware) Name() string { return "timeout" }

func (m *TimeoutMiddleware) limit(tool string) time.Duration {
	if d, ok := m.cfg.PerTool[tool]; ok {
		return d
	}
	return m.cfg.Default
}

func (m *TimeoutMiddleware) ExecuteFunction(ctx context.Context, call *ToolCallContext, next ExecuteFunc) (json.RawMessage, error) {
	limit := m.limit(call.Call.Name)
	if limit <= 0 {
		return next(ctx)
	}

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		result json.RawMessage
		err    error
	}
	done := make(chan outcome, 1)
	started := time.Now()
	go func() {
		result, err := next(execCtx)
		done <- outcome{result, err}
	}()

	timer := time.NewTimer(limit)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.result, out.err
	case <-timer.C:
		cancel()
		return nil, fmt.Errorf("tool %s timed out after %s", call.Call.Name, time.Since(started).Round(time.Millisecond))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
