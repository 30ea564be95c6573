// Package logging configures the process-wide slog logger and carries
// request-scoped identifiers through contexts so handlers and workers can
// annotate their log lines consistently.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Config selects the output level, destination, and encoding. Zero values
// mean info level, stdout, and JSON.
type Config struct {
	Level  string
	Writer io.Writer
	Format string
}

// Init builds a logger from cfg and installs it as the slog default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds a logger from cfg without touching the default.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if normalize(cfg.Format) == "text" {
		return slog.New(slog.NewTextHandler(writer, options))
	}
	return slog.New(slog.NewJSONHandler(writer, options))
}

func normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func parseLevel(level string) slog.Level {
	switch normalize(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// WithComponent tags a logger with the subsystem it belongs to.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With("component", component)
}

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	sourceIDKey  contextKey = "source_id"
	loggerKey    contextKey = "logger"
)

func contextWithID(ctx context.Context, key contextKey, id string) context.Context {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return ctx
	}
	return context.WithValue(ctx, key, trimmed)
}

func idFromContext(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

// ContextWithRequestID stores a non-empty request ID on the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return contextWithID(ctx, requestIDKey, id)
}

// RequestIDFromContext reads back a request ID stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	return idFromContext(ctx, requestIDKey)
}

// ContextWithSourceID stores the broadcast source ID a request concerns.
func ContextWithSourceID(ctx context.Context, id string) context.Context {
	return contextWithID(ctx, sourceIDKey, id)
}

// SourceIDFromContext reads back a source ID stored by ContextWithSourceID.
func SourceIDFromContext(ctx context.Context) (string, bool) {
	return idFromContext(ctx, sourceIDKey)
}

// ContextWithLogger attaches a pre-annotated logger to the context.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger attached by ContextWithLogger, or nil.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return nil
}

// WithContext annotates logger with any request and source IDs the context
// carries.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	if requestID, ok := RequestIDFromContext(ctx); ok {
		logger = logger.With("request_id", requestID)
	}
	if sourceID, ok := SourceIDFromContext(ctx); ok {
		logger = logger.With("source_id", sourceID)
	}
	return logger
}
