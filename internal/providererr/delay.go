package providererr

import (
	"math"
	"math/rand"
	"time"

	"github.com/weftwork/weft/pkg/models"
)

// DelayConfig configures backoff between retry attempts.
type DelayConfig struct {
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`
	// Multiplier is the exponential backoff factor.
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`
}

// DefaultDelayConfig returns the default backoff settings.
func DefaultDelayConfig() DelayConfig {
	return DelayConfig{
		InitialDelay: 500 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     30 * time.Second,
	}
}

func (c DelayConfig) sanitized() DelayConfig {
	defaults := DefaultDelayConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = defaults.InitialDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = defaults.Multiplier
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaults.MaxDelay
	}
	return c
}

// RetryDelay computes the wait before retry attempt n (0-based). It returns
// ok=false when the category is non-retryable. A server-provided retry-after
// is honored verbatim; otherwise exponential backoff with ±10% jitter.
func RetryDelay(details models.ProviderErrorDetails, attempt int, cfg DelayConfig) (time.Duration, bool) {
	if !details.Category.Retryable() {
		return 0, false
	}
	if details.RetryAfter != nil && *details.RetryAfter > 0 {
		return *details.RetryAfter, true
	}

	cfg = cfg.sanitized()
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt))
	if base > float64(cfg.MaxDelay) {
		base = float64(cfg.MaxDelay)
	}
	// Jitter: base * [0.9, 1.1]
	jitter := 0.9 + 0.2*rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
	return time.Duration(base * jitter), true
}
