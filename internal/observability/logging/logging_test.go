package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
	}
	return payload
}

func TestNewFormats(t *testing.T) {
	var jsonBuf, textBuf bytes.Buffer
	New(Config{Writer: &jsonBuf}).Info("json line")
	New(Config{Writer: &textBuf, Format: " TEXT "}).Info("text line")

	if payload := decodeLine(t, &jsonBuf); payload["msg"] != "json line" {
		t.Fatalf("unexpected json payload %v", payload)
	}
	if !strings.Contains(textBuf.String(), `msg="text line"`) {
		t.Fatalf("expected text handler output, got %q", textBuf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		" DeBuG ": slog.LevelDebug,
		"verbose": slog.LevelInfo,
	}
	for input, want := range cases {
		if got := parseLevel(input).Level(); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestNewRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Writer: &buf, Redact: []string{"Operator_Token"}})

	logger.Info("authorised",
		"stream_key", "abcd-efgh-ijkl-mnop",
		"refresh_token", "1//secret",
		"access_token", "",
		"operator_token", "letmein",
		"channel", "Cafe",
	)

	payload := decodeLine(t, &buf)
	if payload["stream_key"] != "***************mnop" {
		t.Fatalf("stream key not masked: %v", payload["stream_key"])
	}
	if payload["refresh_token"] != "[redacted]" {
		t.Fatalf("refresh token not redacted: %v", payload["refresh_token"])
	}
	if payload["access_token"] != "" {
		t.Fatalf("empty values should pass through, got %v", payload["access_token"])
	}
	if payload["operator_token"] != "[redacted]" {
		t.Fatalf("custom key not redacted: %v", payload["operator_token"])
	}
	if payload["channel"] != "Cafe" {
		t.Fatalf("unrelated attribute changed: %v", payload["channel"])
	}
}

func TestContextIDsAreAddedOnce(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithSessionID(ctx, "session_20240501_090000_abcd1234")

	var buf bytes.Buffer
	logger := New(Config{Writer: &buf})
	logger.InfoContext(ctx, "from context")

	payload := decodeLine(t, &buf)
	if payload["request_id"] != "req-1" || payload["session_id"] != "session_20240501_090000_abcd1234" {
		t.Fatalf("context ids missing: %v", payload)
	}

	buf.Reset()
	WithContext(ctx, logger).InfoContext(ctx, "bound and from context")
	if n := strings.Count(buf.String(), `"request_id"`); n != 1 {
		t.Fatalf("expected request_id once, found %d times in %q", n, buf.String())
	}
	if n := strings.Count(buf.String(), `"session_id"`); n != 1 {
		t.Fatalf("expected session_id once, found %d times in %q", n, buf.String())
	}
}

func TestContextHelpers(t *testing.T) {
	if _, ok := SessionIDFromContext(ContextWithSessionID(context.Background(), "   ")); ok {
		t.Fatal("blank session id must not be stored")
	}
	if _, ok := RequestIDFromContext(nil); ok {
		t.Fatal("nil context has no request id")
	}
	if LoggerFromContext(context.Background()) != nil {
		t.Fatal("expected nil logger from empty context")
	}
	logger := Discard()
	if LoggerFromContext(ContextWithLogger(context.Background(), logger)) != logger {
		t.Fatal("expected stored logger")
	}
	if WithContext(context.Background(), nil) != nil {
		t.Fatal("nil logger should stay nil")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	WithComponent(slog.New(slog.NewJSONHandler(&buf, nil)), "encoder").Info("component set")
	if payload := decodeLine(t, &buf); payload["component"] != "encoder" {
		t.Fatalf("expected component encoder, got %v", payload["component"])
	}

	buf.Reset()
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(previous) })

	WithComponent(nil, "session").Info("fallback")
	if !strings.Contains(buf.String(), `"component":"session"`) {
		t.Fatalf("expected default logger to receive component, got %q", buf.String())
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logger := Init(Config{Writer: &buf, Format: string(FormatText), Level: "debug"})
	if logger != slog.Default() {
		t.Fatal("expected Init to replace the default logger")
	}
	slog.Debug("hello world")
	if !strings.Contains(buf.String(), "hello world") {
		t.Fatalf("expected debug output, got %q", buf.String())
	}
}

func TestDiscardDropsRecords(t *testing.T) {
	if Discard().Enabled(context.Background(), slog.LevelError) {
		t.Fatal("discard logger should not be enabled for error level")
	}
}
