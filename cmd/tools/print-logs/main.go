// Command print-logs prints persisted stream logs and session history with
// one colour per log type.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"

	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
	"tubecast/internal/storage"
)

func main() {
	dataPath := flag.String("data", "data/tubecast.json", "path to the JSON datastore")
	postgresDSN := flag.String("postgres-dsn", "", "read from Postgres instead of the JSON datastore")
	sessionID := flag.String("session", "", "only print logs for this session")
	limit := flag.Int("limit", 100, "maximum number of log rows")
	sessions := flag.Bool("sessions", false, "print session history instead of logs")
	noColor := flag.Bool("no-color", false, "disable colour output")
	flag.Parse()

	if *noColor {
		color.NoColor = true
	}
	logger := logging.New(logging.Config{Level: "warn", Format: string(logging.FormatText), Writer: os.Stderr})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("TUBECAST_POSTGRES_DSN"))
	}
	var (
		store storage.Repository
		err   error
	)
	if dsn != "" {
		store, err = storage.NewPostgresRepository(dsn, storage.WithLogger(logger), storage.WithoutSchemaBootstrap())
	} else {
		store, err = storage.NewJSONRepository(*dataPath, storage.WithLogger(logger))
	}
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer store.Close(ctx)

	if *sessions {
		list, err := store.ListSessions(ctx, *limit)
		if err != nil {
			logger.Error("failed to list sessions", "error", err)
			os.Exit(1)
		}
		printSessions(os.Stdout, list)
		return
	}

	events, err := store.RecentLogs(ctx, storage.LogQuery{SessionID: *sessionID, Limit: *limit})
	if err != nil {
		logger.Error("failed to read logs", "error", err)
		os.Exit(1)
	}
	printLogs(os.Stdout, events)
}

var typeColors = map[models.LogType]*color.Color{
	models.LogInfo:    color.New(color.FgGreen),
	models.LogWarn:    color.New(color.FgYellow),
	models.LogError:   color.New(color.FgRed, color.Bold),
	models.LogEncoder: color.New(color.FgCyan),
}

// printLogs writes events oldest first. RecentLogs returns them newest first.
func printLogs(w io.Writer, events []models.LogEvent) {
	for i := len(events) - 1; i >= 0; i-- {
		event := events[i]
		label := fmt.Sprintf("%-7s", event.Type)
		if c, ok := typeColors[event.Type]; ok {
			label = c.Sprint(label)
		}
		session := event.SessionID
		if session == "" {
			session = "-"
		}
		fmt.Fprintf(w, "%s %s %s %s\n", event.Timestamp.Local().Format(time.DateTime), label, session, event.Message)
	}
}

func printSessions(w io.Writer, sessions []models.StreamingSession) {
	for _, s := range sessions {
		ended := "running"
		if s.EndTime != nil {
			ended = s.EndTime.Local().Format(time.DateTime)
		}
		status := string(s.Status)
		if s.Status == models.SessionActive {
			status = color.New(color.FgGreen).Sprint(status)
		}
		fmt.Fprintf(w, "%s %s -> %s %s %q on %s\n",
			s.ID, s.StartTime.Local().Format(time.DateTime), ended, status, s.Title, s.ChannelName)
	}
}
