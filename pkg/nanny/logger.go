package nanny

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with the structured-payload helpers the core
// uses for every observable transition: worker state changes, backlog
// growth, forced stops, and health-pulse failures.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new logger from a LoggingConfig.
func NewLogger(cfg LoggingConfig) *Logger {
	opts := &slog.HandlerOptions{
		Level: parseLogLevel(cfg.Level),
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return &Logger{Logger: slog.New(handler)}
}

// NewNopLogger returns a logger that discards everything, for tests and
// embedders that don't configure one.
func NewNopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{
		Level: slog.LevelError + 1,
	}))}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

// WithWorker returns a logger with the worker's LogicalId attached to
// every subsequent record.
func (l *Logger) WithWorker(id LogicalId) *Logger {
	return &Logger{Logger: l.Logger.With("worker_id", string(id))}
}

// WithBalancer returns a logger with a load balancer's address tuple
// attached to every subsequent record.
func (l *Logger) WithBalancer(addr string, port int) *Logger {
	return &Logger{Logger: l.Logger.With("lb_address", addr, "lb_port", port)}
}

// InfoContext, DebugContext, WarnContext and ErrorContext pass through to
// slog; kept as methods on Logger so call sites never need to unwrap the
// embedded *slog.Logger.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, args...)
}

func (l *Logger) ErrorContext(ctx context.Context, msg string, args ...any) {
	l.Logger.ErrorContext(ctx, msg, args...)
}

func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, args...)
}

func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, args...)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
