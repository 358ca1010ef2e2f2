package providererr

import (
	"errors"
	"fmt"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/weftwork/weft/pkg/models"
)

func TestClassify_StatusCodes(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorCategory
	}{
		{
			name: "400 plain",
			err:  &openai.APIError{HTTPStatusCode: 400, Message: "invalid request"},
			want: models.ErrorClient,
		},
		{
			name: "400 context length",
			err:  &openai.APIError{HTTPStatusCode: 400, Code: "context_length_exceeded", Message: "maximum context length is 128000 tokens"},
			want: models.ErrorContextWindow,
		},
		{
			name: "401",
			err:  &openai.APIError{HTTPStatusCode: 401, Message: "invalid api key"},
			want: models.ErrorAuth,
		},
		{
			name: "403",
			err:  &openai.APIError{HTTPStatusCode: 403, Message: "forbidden"},
			want: models.ErrorAuth,
		},
		{
			name: "404",
			err:  &openai.APIError{HTTPStatusCode: 404, Message: "model not found"},
			want: models.ErrorClient,
		},
		{
			name: "408",
			err:  &openai.APIError{HTTPStatusCode: 408, Message: "request timeout"},
			want: models.ErrorTransient,
		},
		{
			name: "429 quota exhausted",
			err:  &openai.APIError{HTTPStatusCode: 429, Code: "insufficient_quota", Message: "you exceeded your current quota"},
			want: models.ErrorRateLimitTerminal,
		},
		{
			name: "429 transient",
			err:  &openai.APIError{HTTPStatusCode: 429, Message: "rate limit reached, retry after 2s"},
			want: models.ErrorRateLimitRetryable,
		},
		{
			name: "500",
			err:  &openai.APIError{HTTPStatusCode: 500, Message: "internal error"},
			want: models.ErrorServer,
		},
		{
			name: "503",
			err:  &openai.APIError{HTTPStatusCode: 503, Message: "service unavailable"},
			want: models.ErrorTransient,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			details := Classify("openai", tt.err)
			if details.Category != tt.want {
				t.Errorf("category = %s, want %s", details.Category, tt.want)
			}
		})
	}
}

func TestClassify_MessageFallback(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.ErrorCategory
	}{
		{"connection reset", errors.New("read tcp: connection reset by peer"), models.ErrorTransient},
		{"rate limited text", errors.New("too many requests, slow down"), models.ErrorRateLimitRetryable},
		{"overloaded", errors.New("overloaded_error: Overloaded"), models.ErrorRateLimitRetryable},
		{"auth text", errors.New("authentication failed"), models.ErrorAuth},
		{"status in message", errors.New("request failed with status 502"), models.ErrorServer},
		{"prompt too long", errors.New("prompt is too long: 250000 tokens"), models.ErrorContextWindow},
		{"opaque", errors.New("something odd happened"), models.ErrorUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			details := Classify("openai", tt.err)
			if details.Category != tt.want {
				t.Errorf("category = %s, want %s", details.Category, tt.want)
			}
		})
	}
}

func TestClassify_RetryAfterFromMessage(t *testing.T) {
	err := &openai.APIError{
		HTTPStatusCode: 429,
		Message:        "Rate limit reached. Please retry after 2s.",
	}
	details := Classify("openai", err)
	if details.RetryAfter == nil {
		t.Fatalf("retry-after not extracted")
	}
	if *details.RetryAfter != 2*time.Second {
		t.Errorf("retry-after = %v, want 2s", *details.RetryAfter)
	}
}

func TestWrap_Idempotent(t *testing.T) {
	cause := &openai.APIError{HTTPStatusCode: 500, Message: "boom"}
	wrapped := Wrap("openai", cause)

	var pe *models.ProviderError
	if !errors.As(wrapped, &pe) {
		t.Fatalf("wrap did not produce ProviderError")
	}
	if pe.Details.Category != models.ErrorServer {
		t.Errorf("category = %s", pe.Details.Category)
	}

	again := Wrap("openai", fmt.Errorf("outer: %w", wrapped))
	var pe2 *models.ProviderError
	if !errors.As(again, &pe2) || pe2 != pe {
		t.Errorf("double wrap should preserve the original classification")
	}
}

func TestRetryDelay_NonRetryable(t *testing.T) {
	for _, category := range []models.ErrorCategory{
		models.ErrorClient, models.ErrorAuth, models.ErrorContextWindow, models.ErrorRateLimitTerminal,
	} {
		if _, ok := RetryDelay(models.ProviderErrorDetails{Category: category}, 0, DefaultDelayConfig()); ok {
			t.Errorf("%s: expected non-retryable", category)
		}
	}
}

func TestRetryDelay_ServerHintWins(t *testing.T) {
	hint := 7 * time.Second
	delay, ok := RetryDelay(models.ProviderErrorDetails{
		Category:   models.ErrorRateLimitRetryable,
		RetryAfter: &hint,
	}, 3, DefaultDelayConfig())
	if !ok || delay != hint {
		t.Errorf("delay = %v ok=%v, want verbatim 7s", delay, ok)
	}
}

func TestRetryDelay_JitterBounds(t *testing.T) {
	cfg := DelayConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2.0, MaxDelay: 10 * time.Second}
	details := models.ProviderErrorDetails{Category: models.ErrorTransient}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, 10 * time.Second}, // capped
	}
	for _, tt := range tests {
		for i := 0; i < 50; i++ {
			delay, ok := RetryDelay(details, tt.attempt, cfg)
			if !ok {
				t.Fatalf("attempt %d: unexpected non-retryable", tt.attempt)
			}
			lo := time.Duration(float64(tt.base) * 0.9)
			hi := time.Duration(float64(tt.base) * 1.1)
			if delay < lo || delay > hi {
				t.Errorf("attempt %d: delay %v outside [%v, %v]", tt.attempt, delay, lo, hi)
			}
		}
	}
}
