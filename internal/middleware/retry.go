package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/weftwork/weft/internal/bus"
	"github.com/weftwork/weft/internal/providererr"
	"github.com/weftwork/weft/pkg/models"
)

// RetryConfig bounds the retry middleware.
type RetryConfig struct {
	// MaxAttempts is the overall cap including the first try.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// CategoryCaps limits attempts per error category. Categories absent
	// from the map use MaxAttempts.
	CategoryCaps map[models.ErrorCategory]int `yaml:"category_caps" json:"category_caps"`

	// Delay is the backoff schedule.
	Delay providererr.DelayConfig `yaml:"delay" json:"delay"`
}

// DefaultRetryConfig returns the standard retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 4,
		CategoryCaps: map[models.ErrorCategory]int{
			models.ErrorRateLimitRetryable: 6,
			models.ErrorServer:             3,
		},
		Delay: providererr.DefaultDelayConfig(),
	}
}

// RetryMiddleware re-invokes failed tool executions when the failure
// classifies as retryable.
type RetryMiddleware struct {
	Base
	cfg      RetryConfig
	provider string
	events   *bus.Bus
}

// NewRetryMiddleware creates the middleware. provider selects the error
// classifier's SDK parser.
func NewRetryMiddleware(cfg RetryConfig, provider string, events *bus.Bus) *RetryMiddleware {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultRetryConfig().MaxAttempts
	}
	return &RetryMiddleware{cfg: cfg, provider: provider, events: events}
}

func (m *RetryMiddleware) Name() string { return "retry" }

func (m *RetryMiddleware) ExecuteFunction(ctx context.Context, call *ToolCallContext, next ExecuteFunc) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		call.Attempts = attempt + 1
		result, err := next(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Inner middleware may have sanitized the returned error; classify
		// the raw failure it preserved on the call context.
		cause := err
		if call.RawError != nil {
			cause = call.RawError
		}
		details := providererr.Classify(m.provider, cause)
		if attempt+1 >= m.cap(details.Category) {
			return nil, lastErr
		}
		delay, retryable := providererr.RetryDelay(details, attempt, m.cfg.Delay)
		if !retryable {
			return nil, lastErr
		}

		if m.events != nil {
			_ = m.events.Emit(ctx, models.Event{
				Type: models.EventFunctionRetry,
				Retry: &models.RetryPayload{
					CallID:   call.Call.CallID,
					Attempt:  attempt + 1,
					Delay:    delay,
					Category: details.Category,
				},
			})
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("retry of %s interrupted: %w", call.Call.Name, ctx.Err())
		}
	}
}

func (m *RetryMiddleware) cap(category models.ErrorCategory) int {
	if n, ok := m.cfg.CategoryCaps[category]; ok && n > 0 {
		return n
	}
	return m.cfg.MaxAttempts
}
