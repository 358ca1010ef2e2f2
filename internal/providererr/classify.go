// Package providererr classifies LLM provider failures into retryable
// categories and computes backoff delays. Classification prefers the typed
// SDK errors, falls back to message patterns, and finally to a generic
// HTTP-status classifier.
package providererr

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/weftwork/weft/pkg/models"
)

// Markers providers embed in error messages. Matched lowercased.
var (
	contextWindowPatterns = []string{
		"context_length_exceeded",
		"context length",
		"maximum context length",
		"prompt is too long",
		"input length and `max_tokens` exceed context limit",
	}
	quotaPatterns = []string{
		"insufficient_quota",
		"insufficient quota",
		"billing hard limit",
		"exceeded your current quota",
	}
)

var retryAfterRe = regexp.MustCompile(`retry.{0,5}after.{0,3}(\d+(?:\.\d+)?)\s*(ms|s|m)?`)

// Classify parses a provider failure into structured details. The provider
// name selects the SDK-specific parser; unrecognized errors fall through to
// the generic classifier.
func Classify(provider string, err error) models.ProviderErrorDetails {
	if err == nil {
		return models.ProviderErrorDetails{Category: models.ErrorUnknown}
	}

	// Already classified upstream.
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return pe.Details
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return models.ProviderErrorDetails{Category: models.ErrorTransient, Message: err.Error()}
	}

	var details models.ProviderErrorDetails
	var parsed bool
	switch strings.ToLower(provider) {
	case "openai":
		details, parsed = parseOpenAI(err)
	case "anthropic":
		details, parsed = parseAnthropic(err)
	}
	if !parsed {
		details = parseGeneric(err)
	}

	details.Category = categorize(details.StatusCode, details.ErrorCode, details.Message, details.Category)
	if details.RetryAfter == nil {
		details.RetryAfter = retryAfterFromMessage(details.Message)
	}
	return details
}

// Wrap classifies err and returns it wrapped as a *models.ProviderError.
func Wrap(provider string, err error) error {
	if err == nil {
		return nil
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &models.ProviderError{
		Provider: provider,
		Details:  Classify(provider, err),
		Cause:    err,
	}
}

func parseOpenAI(err error) (models.ProviderErrorDetails, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		details := models.ProviderErrorDetails{
			StatusCode: apiErr.HTTPStatusCode,
			Message:    apiErr.Message,
		}
		switch code := apiErr.Code.(type) {
		case string:
			details.ErrorCode = code
		case nil:
			details.ErrorCode = apiErr.Type
		default:
			details.ErrorCode = apiErr.Type
		}
		return details, true
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return models.ProviderErrorDetails{
			StatusCode: reqErr.HTTPStatusCode,
			Message:    reqErr.Error(),
		}, true
	}
	return models.ProviderErrorDetails{}, false
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func parseAnthropic(err error) (models.ProviderErrorDetails, bool) {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return models.ProviderErrorDetails{}, false
	}

	details := models.ProviderErrorDetails{
		StatusCode: apiErr.StatusCode,
		Message:    apiErr.Error(),
	}

	if raw := apiErr.RawJSON(); raw != "" {
		var body anthropicErrorBody
		if json.Unmarshal([]byte(raw), &body) == nil {
			if body.Error.Message != "" {
				details.Message = body.Error.Message
			}
			details.ErrorCode = body.Error.Type
			details.RequestID = body.RequestID
		}
	}

	if apiErr.Response != nil {
		if details.RequestID == "" {
			details.RequestID = apiErr.Response.Header.Get("request-id")
		}
		if ra := apiErr.Response.Header.Get("retry-after"); ra != "" {
			if secs, convErr := strconv.Atoi(ra); convErr == nil && secs >= 0 {
				d := time.Duration(secs) * time.Second
				details.RetryAfter = &d
			}
		}
	}
	return details, true
}

var statusRe = regexp.MustCompile(`(?:status(?: code)?[:= ]+|http )(\d{3})`)

func parseGeneric(err error) models.ProviderErrorDetails {
	details := models.ProviderErrorDetails{Message: err.Error()}
	if m := statusRe.FindStringSubmatch(strings.ToLower(err.Error())); m != nil {
		if code, convErr := strconv.Atoi(m[1]); convErr == nil {
			details.StatusCode = code
		}
	}
	return details
}

// categorize applies the shared status/marker rules after provider parsing.
func categorize(status int, code, message string, hint models.ErrorCategory) models.ErrorCategory {
	lower := strings.ToLower(code + " " + message)

	switch status {
	case http.StatusBadRequest:
		if containsAny(lower, contextWindowPatterns) {
			return models.ErrorContextWindow
		}
		return models.ErrorClient
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ErrorAuth
	case http.StatusNotFound:
		return models.ErrorClient
	case http.StatusRequestTimeout, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return models.ErrorTransient
	case http.StatusTooManyRequests:
		if containsAny(lower, quotaPatterns) {
			return models.ErrorRateLimitTerminal
		}
		return models.ErrorRateLimitRetryable
	}
	if status >= 500 {
		return models.ErrorServer
	}

	if hint != "" && hint != models.ErrorUnknown {
		return hint
	}

	// No usable status: fall back to message patterns.
	switch {
	case containsAny(lower, contextWindowPatterns):
		return models.ErrorContextWindow
	case containsAny(lower, quotaPatterns):
		return models.ErrorRateLimitTerminal
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "rate_limit"),
		strings.Contains(lower, "too many requests"), strings.Contains(lower, "overloaded"):
		return models.ErrorRateLimitRetryable
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"), strings.Contains(lower, "forbidden"):
		return models.ErrorAuth
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"),
		strings.Contains(lower, "connection reset"), strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "broken pipe"), strings.Contains(lower, "eof"):
		return models.ErrorTransient
	case strings.Contains(lower, "internal server error"), strings.Contains(lower, "bad gateway"):
		return models.ErrorServer
	}
	return models.ErrorUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func retryAfterFromMessage(message string) *time.Duration {
	m := retryAfterRe.FindStringSubmatch(strings.ToLower(message))
	if m == nil {
		return nil
	}
	value, err := strconv.ParseFloat(m[1], 64)
	if err != nil || value < 0 {
		return nil
	}
	unit := time.Second
	switch m[2] {
	case "ms":
		unit = time.Millisecond
	case "m":
		unit = time.Minute
	}
	d := time.Duration(value * float64(unit))
	return &d
}
