package models

import (
	"fmt"
	"time"
)

// ErrorCategory classifies provider failures into retry and UX decisions.
type ErrorCategory string

const (
	ErrorUnknown            ErrorCategory = "unknown"
	ErrorTransient          ErrorCategory = "transient"
	ErrorRateLimitRetryable ErrorCategory = "rate_limit_retryable"
	ErrorRateLimitTerminal  ErrorCategory = "rate_limit_terminal"
	ErrorClient             ErrorCategory = "client_error"
	ErrorAuth               ErrorCategory = "auth_error"
	ErrorContextWindow      ErrorCategory = "context_window"
	ErrorServer             ErrorCategory = "server_error"
)

// Retryable reports whether the category permits automatic retry.
func (c ErrorCategory) Retryable() bool {
	switch c {
	case ErrorClient, ErrorAuth, ErrorContextWindow, ErrorRateLimitTerminal:
		return false
	default:
		return true
	}
}

// ProviderErrorDetails is the structured result of classifying a provider
// failure.
type ProviderErrorDetails struct {
	Category   ErrorCategory  `json:"category"`
	StatusCode int            `json:"status_code,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Message    string         `json:"message,omitempty"`
	RetryAfter *time.Duration `json:"retry_after,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
}

// ProviderError wraps an underlying provider failure with its classification
// so it can cross package boundaries with structure intact.
type ProviderError struct {
	Provider string
	Details  ProviderErrorDetails
	Cause    error
}

func (e *ProviderError) Error() string {
	msg := e.Details.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.Details.StatusCode > 0 {
		return fmt.Sprintf("%s %s (%d): %s", e.Provider, e.Details.Category, e.Details.StatusCode, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Details.Category, msg)
}

// Unwrap preserves the original error chain.
func (e *ProviderError) Unwrap() error { return e.Cause }
