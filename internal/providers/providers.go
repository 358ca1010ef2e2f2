// Package providers selects a model provider implementation by name.
package providers

import (
	"fmt"
	"strings"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/internal/config"
	"github.com/weftwork/weft/internal/providers/anthropic"
	"github.com/weftwork/weft/internal/providers/openai"
)

// New builds the provider named by cfg. Names match config validation.
func New(cfg config.ProviderConfig) (agent.Provider, error) {
	switch strings.ToLower(cfg.Name) {
	case "anthropic":
		return anthropic.New(cfg.APIKey, cfg.BaseURL), nil
	case "openai":
		return openai.New(cfg.APIKey, cfg.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Name)
	}
}
