// Package config loads and validates the runtime configuration: provider
// credentials, agent loop limits, middleware settings, history compaction,
// and store selection. Files are YAML with environment variable expansion.
package config

import (
	"fmt"
	"strings"

	"github.com/weftwork/weft/internal/agent"
	"github.com/weftwork/weft/internal/history"
	"github.com/weftwork/weft/internal/middleware"
	"github.com/weftwork/weft/internal/observability"
	"github.com/weftwork/weft/internal/sessions"
	"github.com/weftwork/weft/internal/tools/files"
)

// Config is the top-level runtime configuration.
type Config struct {
	Provider   ProviderConfig           `yaml:"provider"`
	Agent      agent.LoopConfig         `yaml:"agent"`
	History    history.Config           `yaml:"history"`
	Middleware MiddlewareConfig         `yaml:"middleware"`
	Store      StoreConfig              `yaml:"store"`
	Sessions   sessions.ManagerConfig   `yaml:"sessions"`
	Logging    observability.LogConfig  `yaml:"logging"`
	Tools      ToolsConfig              `yaml:"tools"`
	Skills     SkillsConfig             `yaml:"skills"`
}

// ToolsConfig enables built-in toolsets.
type ToolsConfig struct {
	// Files enables the workspace file tools when Root is set.
	Files files.Config `yaml:"files"`
}

// SkillsConfig locates skill definitions loaded at startup.
type SkillsConfig struct {
	// Dir is scanned for <skill>/SKILL.md definitions. Empty disables.
	Dir string `yaml:"dir"`
}

// ProviderConfig selects and authenticates the model provider.
type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. Usually supplied via
	// environment expansion, e.g. ${ANTHROPIC_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint (proxies, compatible APIs).
	BaseURL string `yaml:"base_url"`
}

// MiddlewareConfig groups the per-middleware settings.
type MiddlewareConfig struct {
	Retry   middleware.RetryConfig           `yaml:"retry"`
	Timeout middleware.TimeoutConfig         `yaml:"timeout"`
	Errors  middleware.ErrorFormattingConfig `yaml:"errors"`
}

// StoreConfig selects the session store backend.
type StoreConfig struct {
	// Backend is "memory", "file", or "sqlite".
	Backend string `yaml:"backend"`

	// Path is the file store root or the SQLite database path. Unused by
	// the memory backend.
	Path string `yaml:"path"`
}

var validBackends = map[string]bool{
	"memory": true,
	"file":   true,
	"sqlite": true,
}

var validProviders = map[string]bool{
	"anthropic": true,
	"openai":    true,
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Name: "anthropic"},
		Agent:    agent.DefaultLoopConfig(),
		History:  history.DefaultConfig(),
		Middleware: MiddlewareConfig{
			Retry:   middleware.DefaultRetryConfig(),
			Timeout: middleware.DefaultTimeoutConfig(),
		},
		Store:    StoreConfig{Backend: "memory"},
		Sessions: sessions.DefaultManagerConfig(),
		Logging:  observability.LogConfig{Level: "info", Format: "json"},
	}
}

func applyDefaults(cfg *Config) {
	defaults := Default()
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = defaults.Provider.Name
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaults.Store.Backend
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = defaults.Logging.Format
	}
}

// Validate checks cross-field consistency. Defaults must be applied first.
func (c *Config) Validate() error {
	if !validProviders[strings.ToLower(c.Provider.Name)] {
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	if !validBackends[strings.ToLower(c.Store.Backend)] {
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return fmt.Errorf("store backend %q requires a path", c.Store.Backend)
	}
	if err := c.History.Validate(); err != nil {
		return fmt.Errorf("history: %w", err)
	}
	return nil
}

// Sanitized returns a copy safe to log: credentials are masked, everything
// else passes through.
func (c *Config) Sanitized() *Config {
	cp := *c
	if cp.Provider.APIKey != "" {
		cp.Provider.APIKey = mask(cp.Provider.APIKey)
	}
	return &cp
}

// mask keeps a short prefix so operators can tell keys apart in logs.
func mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****"
}
