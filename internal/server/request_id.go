package server

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"tubecast/internal/observability/logging"
)

const (
	requestIDHeader = "X-Request-Id"
	maxRequestIDLen = 128
)

// requestIDMiddleware echoes a caller-supplied X-Request-Id or mints one, and
// stores a logger carrying it on the request context.
func requestIDMiddleware(logger *slog.Logger, mint func() string, next http.Handler) http.Handler {
	if mint == nil {
		mint = uuid.NewString
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(requestIDHeader))
		if id == "" || len(id) > maxRequestIDLen {
			id = mint()
		}
		w.Header().Set(requestIDHeader, id)

		ctx := logging.ContextWithRequestID(r.Context(), id)
		ctx = logging.ContextWithLogger(ctx, logging.WithContext(ctx, logger))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger returns the logger the request id middleware stored, falling
// back to base.
func requestLogger(r *http.Request, base *slog.Logger) *slog.Logger {
	if logger := logging.LoggerFromContext(r.Context()); logger != nil {
		return logger
	}
	return logging.WithContext(r.Context(), base)
}
