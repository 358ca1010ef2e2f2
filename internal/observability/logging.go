package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// Logger wraps slog with run correlation and sensitive data redaction.
type Logger struct {
	logger  *slog.Logger
	redacts []*regexp.Regexp
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level" json:"level"`

	// Format is "json" (production default) or "text" (development).
	Format string `yaml:"format" json:"format"`

	// Output defaults to os.Stdout.
	Output io.Writer `yaml:"-" json:"-"`

	// AddSource includes file and line in records.
	AddSource bool `yaml:"add_source" json:"add_source"`

	// RedactPatterns extends the built-in secret patterns.
	RedactPatterns []string `yaml:"redact_patterns" json:"redact_patterns"`
}

// ContextKey is the type for correlation keys stored in contexts.
type ContextKey string

const (
	RunIDKey     ContextKey = "run_id"
	SessionIDKey ContextKey = "session_id"
	BranchIDKey  ContextKey = "branch_id"
)

// DefaultRedactPatterns matches common credential formats.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["']?([a-zA-Z0-9_\-]{16,})["']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["']?([^\s"']{8,})["']?`,
	`sk-ant-[a-zA-Z0-9_-]{95,}`,
	`sk-[a-zA-Z0-9]{48,}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

// NewLogger creates a structured logger. Zero-value config gives JSON at
// info level on stdout.
func NewLogger(config LogConfig) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	var level slog.Level
	switch strings.ToLower(config.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level, AddSource: config.AddSource}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}

	redacts := make([]*regexp.Regexp, 0, len(DefaultRedactPatterns)+len(config.RedactPatterns))
	for _, pattern := range append(append([]string(nil), DefaultRedactPatterns...), config.RedactPatterns...) {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return &Logger{logger: slog.New(handler), redacts: redacts}
}

// Slog exposes the underlying slog logger for packages that take one.
func (l *Logger) Slog() *slog.Logger { return l.logger }

// WithContext returns a logger carrying run correlation fields found in ctx.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	var attrs []any
	for _, key := range []ContextKey{RunIDKey, SessionIDKey, BranchIDKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			attrs = append(attrs, string(key), v)
		}
	}
	if len(attrs) == 0 {
		return l
	}
	return &Logger{logger: l.logger.With(attrs...), redacts: l.redacts}
}

// Redact masks credential-shaped substrings.
func (l *Logger) Redact(s string) string {
	for _, re := range l.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

func (l *Logger) Debug(msg string, args ...any) { l.logger.Debug(l.Redact(msg), args...) }
func (l *Logger) Info(msg string, args ...any)  { l.logger.Info(l.Redact(msg), args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.logger.Warn(l.Redact(msg), args...) }
func (l *Logger) Error(msg string, args ...any) { l.logger.Error(l.Redact(msg), args...) }
