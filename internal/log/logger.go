// Package log builds the structured loggers used across the service.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// LevelTrace is below Debug and carries prompts and raw model output.
const LevelTrace = slog.Level(-8)

// Field keys shared by every component.
const (
	KeyRunID      = "run_id"
	KeyIteration  = "iteration"
	KeyStage      = "stage"
	KeyWorkflowID = "workflow_id"
	KeyWorkflow   = "workflow"
	KeyProvider   = "provider"
	KeyModel      = "model"
	KeyRole       = "role"
	KeyOperation  = "operation"
	KeyStatus     = "status"
	KeyDurationMS = "duration_ms"
	KeyError      = "error"
	KeyComponent  = "component"
)

type Config struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string

	// Format is json or text. Default: text.
	Format Format

	// Output defaults to os.Stderr.
	Output io.Writer

	AddSource bool
}

func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: FormatText,
		Output: os.Stderr,
	}
}

// FromEnv reads EVOLVE_DEBUG, EVOLVE_LOG_LEVEL (falling back to LOG_LEVEL),
// LOG_FORMAT and LOG_SOURCE.
func FromEnv() *Config {
	cfg := DefaultConfig()

	debug := os.Getenv("EVOLVE_DEBUG")
	if debug == "true" || debug == "1" {
		cfg.Level = "debug"
		cfg.AddSource = true
	}
	if debug == "" {
		if level := os.Getenv("EVOLVE_LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		} else if level := os.Getenv("LOG_LEVEL"); level != "" {
			cfg.Level = strings.ToLower(level)
		}
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		cfg.Format = Format(strings.ToLower(format))
	}
	if os.Getenv("LOG_SOURCE") == "1" {
		cfg.AddSource = true
	}
	return cfg
}

// NewHandler returns the handler New would wrap, for callers that want to
// decorate it.
func NewHandler(cfg *Config) slog.Handler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(cfg.Level),
		AddSource: cfg.AddSource,
	}
	if cfg.Format == FormatJSON {
		return slog.NewJSONHandler(out, opts)
	}
	return slog.NewTextHandler(out, opts)
}

func New(cfg *Config) *slog.Logger {
	return slog.New(NewHandler(cfg))
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	return logger.With(slog.String(KeyComponent, component))
}

func Error(err error) slog.Attr {
	return slog.Any(KeyError, err)
}

// SanitizeAPIKey keeps only the last four characters of a key.
func SanitizeAPIKey(key string) string {
	if len(key) <= 4 {
		return "[REDACTED]"
	}
	return "..." + key[len(key)-4:]
}

func Trace(ctx context.Context, logger *slog.Logger, msg string, attrs ...slog.Attr) {
	if !logger.Enabled(ctx, LevelTrace) {
		return
	}
	logger.LogAttrs(ctx, LevelTrace, msg, attrs...)
}
