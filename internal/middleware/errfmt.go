package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/weftwork/weft/internal/permission"
)

// ErrorFormattingConfig controls how tool failures are shown to the model.
type ErrorFormattingConfig struct {
	// Detailed passes the original error text through. Leave false unless
	// the deployment is trusted: raw errors can leak paths and secrets.
	Detailed bool `yaml:"detailed" json:"detailed"`
}

// ErrorFormattingMiddleware sanitizes tool failures before they reach the
// model, preserving the raw error on the call context for observability.
type ErrorFormattingMiddleware struct {
	Base
	cfg    ErrorFormattingConfig
	logger *slog.Logger
}

// NewErrorFormattingMiddleware creates the middleware.
func NewErrorFormattingMiddleware(cfg ErrorFormattingConfig, logger *slog.Logger) *ErrorFormattingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &ErrorFormattingMiddleware{cfg: cfg, logger: logger}
}

func (m *ErrorFormattingMiddleware) Name() string { return "error_formatting" }

func (m *ErrorFormattingMiddleware) ExecuteFunction(ctx context.Context, call *ToolCallContext, next ExecuteFunc) (json.RawMessage, error) {
	result, err := next(ctx)
	if err == nil {
		return result, nil
	}

	call.RawError = err
	m.logger.Warn("tool execution failed",
		"tool", call.Call.Name,
		"call_id", call.Call.CallID,
		"attempts", call.Attempts,
		"error", err,
	)

	// Denials and cancellations carry meaning the model should see as-is.
	if errors.Is(err, permission.ErrDenied) || errors.Is(err, context.Canceled) {
		return nil, err
	}
	if m.cfg.Detailed {
		return nil, fmt.Errorf("tool %s failed: %s", call.Call.Name, err.Error())
	}
	return nil, fmt.Errorf("tool %s failed to execute; the error has been logged", call.Call.Name)
}
