package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"tubecast/internal/models"
)

func TestPrintLogsOldestFirst(t *testing.T) {
	color.NoColor = true
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	events := []models.LogEvent{
		{Timestamp: base.Add(2 * time.Second), SessionID: "session_1", Type: models.LogEncoder, Message: "frame=10"},
		{Timestamp: base.Add(time.Second), Type: models.LogInfo, Message: "Authenticated as Cafe"},
	}

	var buf bytes.Buffer
	printLogs(&buf, events)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "INFO") || !strings.Contains(lines[0], " - Authenticated as Cafe") {
		t.Fatalf("unexpected first line %q", lines[0])
	}
	if !strings.Contains(lines[1], "ENCODER") || !strings.HasSuffix(lines[1], "session_1 frame=10") {
		t.Fatalf("unexpected second line %q", lines[1])
	}
}

func TestPrintSessions(t *testing.T) {
	color.NoColor = true
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)
	sessions := []models.StreamingSession{
		{ID: "session_b", StartTime: start, Status: models.SessionActive, Title: "Live", ChannelName: "Cafe"},
		{ID: "session_a", StartTime: start, EndTime: &end, Status: models.SessionEnded, Title: "Old", ChannelName: "Cafe"},
	}

	var buf bytes.Buffer
	printSessions(&buf, sessions)

	out := buf.String()
	if !strings.Contains(out, "session_b") || !strings.Contains(out, "running active \"Live\" on Cafe") {
		t.Fatalf("active session missing from output: %q", out)
	}
	if !strings.Contains(out, "ended \"Old\" on Cafe") {
		t.Fatalf("ended session missing from output: %q", out)
	}
}
