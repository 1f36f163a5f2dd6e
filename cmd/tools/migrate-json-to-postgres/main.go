// Command migrate-json-to-postgres copies saved channels, session history and
// logs from the JSON datastore into Postgres.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"tubecast/internal/observability/logging"
	"tubecast/internal/storage"
)

func main() {
	jsonPath := flag.String("json", "data/tubecast.json", "path to the JSON datastore to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := logging.New(logging.Config{Level: "info", Format: string(logging.FormatText)})

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("TUBECAST_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, TUBECAST_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	snapshot, err := storage.LoadSnapshotFromJSON(*jsonPath)
	if err != nil {
		logger.Error("failed to load JSON snapshot", "error", err)
		os.Exit(1)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", *jsonPath, "identities", counts.Identities, "sessions", counts.Sessions, "logs", counts.Logs)

	ctx := context.Background()
	repo, err := storage.NewPostgresRepository(dsn, storage.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close(ctx)

	if err := storage.ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		logger.Error("failed to import snapshot", "error", err)
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, counts); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	logger.Info("migration completed", "identities", counts.Identities, "sessions", counts.Sessions, "logs", counts.Logs)
}

// verifyCounts checks that every table holds at least as many rows as the
// snapshot. Rows that existed before the import are kept, so more is fine.
func verifyCounts(ctx context.Context, dsn string, counts storage.SnapshotCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"saved_channels", "SELECT COUNT(*) FROM saved_channels", counts.Identities},
		{"stream_sessions", "SELECT COUNT(*) FROM stream_sessions", counts.Sessions},
		{"stream_logs", "SELECT COUNT(*) FROM stream_logs", counts.Logs},
	}

	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
