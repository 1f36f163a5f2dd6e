// Package logging builds the process slog.Logger and carries request and
// session identifiers through contexts.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"tubecast/internal/models"
)

type Config struct {
	Level  string
	Writer io.Writer
	Format string
	// Redact lists extra attribute keys whose values never reach the output.
	Redact []string
}

type LogFormat string

const (
	FormatJSON LogFormat = "json"
	FormatText LogFormat = "text"
)

const redacted = "[redacted]"

// maskedKeys keep their last four characters so operators can tell stream
// keys apart.
var maskedKeys = map[string]bool{
	"stream_key":    true,
	"ingestion_key": true,
}

var secretKeys = map[string]bool{
	"access_token":  true,
	"refresh_token": true,
	"client_secret": true,
	"oauth_code":    true,
	"authorization": true,
	"secret_key":    true,
}

// Init builds a logger with New and installs it as slog.Default.
func Init(cfg Config) *slog.Logger {
	logger := New(cfg)
	slog.SetDefault(logger)
	return logger
}

// New builds the logger. Records logged with a context pick up its request
// and session ids, and credential-bearing attributes are masked or redacted
// before they are written.
func New(cfg Config) *slog.Logger {
	writer := cfg.Writer
	if writer == nil {
		writer = os.Stdout
	}
	options := &slog.HandlerOptions{
		Level:       parseLevel(cfg.Level),
		ReplaceAttr: redactor(cfg.Redact),
	}
	var handler slog.Handler
	switch LogFormat(strings.ToLower(strings.TrimSpace(cfg.Format))) {
	case FormatText:
		handler = slog.NewTextHandler(writer, options)
	default:
		handler = slog.NewJSONHandler(writer, options)
	}
	return slog.New(contextHandler{Handler: handler})
}

func redactor(extra []string) func([]string, slog.Attr) slog.Attr {
	custom := make(map[string]bool, len(extra))
	for _, key := range extra {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			custom[key] = true
		}
	}
	return func(_ []string, attr slog.Attr) slog.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case maskedKeys[key]:
			return slog.String(attr.Key, models.MaskKey(attr.Value.String()))
		case secretKeys[key] || custom[key]:
			if attr.Value.String() == "" {
				return attr
			}
			return slog.String(attr.Key, redacted)
		}
		return attr
	}
}

func parseLevel(level string) slog.Leveler {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// contextHandler adds request_id and session_id from the record's context
// unless the logger already carries them.
type contextHandler struct {
	slog.Handler
	hasRequest bool
	hasSession bool
}

func (h contextHandler) Handle(ctx context.Context, record slog.Record) error {
	if !h.hasRequest {
		if id, ok := RequestIDFromContext(ctx); ok {
			record.AddAttrs(slog.String("request_id", id))
		}
	}
	if !h.hasSession {
		if id, ok := SessionIDFromContext(ctx); ok {
			record.AddAttrs(slog.String("session_id", id))
		}
	}
	return h.Handler.Handle(ctx, record)
}

func (h contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := contextHandler{Handler: h.Handler.WithAttrs(attrs), hasRequest: h.hasRequest, hasSession: h.hasSession}
	for _, attr := range attrs {
		switch attr.Key {
		case "request_id":
			next.hasRequest = true
		case "session_id":
			next.hasSession = true
		}
	}
	return next
}

func (h contextHandler) WithGroup(name string) slog.Handler {
	return contextHandler{Handler: h.Handler.WithGroup(name), hasRequest: h.hasRequest, hasSession: h.hasSession}
}

// WithComponent tags logger with a component name. A nil logger falls back
// to slog.Default.
func WithComponent(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", component)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
