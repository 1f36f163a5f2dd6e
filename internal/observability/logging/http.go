package logging

import (
	"log/slog"
	"net/http"
	"time"

	"tubecast/internal/observability/metrics"
)

// RequestLoggerConfig configures RequestLogger.
type RequestLoggerConfig struct {
	Logger            *slog.Logger
	DisableRemoteAddr bool
	// QuietPaths are logged at debug level on success, e.g. probes.
	QuietPaths []string
}

// RequestLogger logs one line per request once the handler returns. Server
// errors log at error level and client errors at warn.
func RequestLogger(cfg RequestLoggerConfig) func(http.Handler) http.Handler {
	base := cfg.Logger
	if base == nil {
		base = slog.Default()
	}
	quiet := make(map[string]bool, len(cfg.QuietPaths))
	for _, path := range cfg.QuietPaths {
		quiet[path] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := metrics.NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(recorder, r)

			status := recorder.Status()
			attrs := []any{
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", recorder.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
			}
			if !cfg.DisableRemoteAddr {
				attrs = append(attrs, "remote_addr", r.RemoteAddr)
			}

			level := slog.LevelInfo
			switch {
			case status >= http.StatusInternalServerError:
				level = slog.LevelError
			case status >= http.StatusBadRequest:
				level = slog.LevelWarn
			case quiet[r.URL.Path]:
				level = slog.LevelDebug
			}
			WithContext(r.Context(), base).Log(r.Context(), level, "request completed", attrs...)
		})
	}
}
