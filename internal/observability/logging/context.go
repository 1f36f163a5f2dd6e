package logging

import (
	"context"
	"log/slog"
	"strings"
)

type contextKey int

const (
	requestIDKey contextKey = iota
	sessionIDKey
	loggerKey
)

// ContextWithRequestID stores id unless it is blank.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return withID(ctx, requestIDKey, id)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, requestIDKey)
}

// ContextWithSessionID tags ctx with the streaming session it serves. The
// encoder and the orchestrator's background writes carry it.
func ContextWithSessionID(ctx context.Context, id string) context.Context {
	return withID(ctx, sessionIDKey, id)
}

func SessionIDFromContext(ctx context.Context) (string, bool) {
	return idFrom(ctx, sessionIDKey)
}

func withID(ctx context.Context, key contextKey, id string) context.Context {
	id = strings.TrimSpace(id)
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, key, id)
}

func idFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	return value, ok && value != ""
}

func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns nil when no logger was stored.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if ctx == nil {
		return nil
	}
	logger, _ := ctx.Value(loggerKey).(*slog.Logger)
	return logger
}

// WithContext binds the ids held in ctx to logger so they survive calls that
// log without a context. A nil logger stays nil.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return nil
	}
	var attrs []any
	if id, ok := RequestIDFromContext(ctx); ok {
		attrs = append(attrs, "request_id", id)
	}
	if id, ok := SessionIDFromContext(ctx); ok {
		attrs = append(attrs, "session_id", id)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
