//go:build postgres

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tubecast/internal/models"
)

func TestPostgresRepositoryConnection(t *testing.T) {
	repo := runRepository(t, postgresRepositoryFactory)
	if err := repo.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestPostgresIdentityLifecycle(t *testing.T) {
	RunRepositoryIdentityLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresIdentityNamesNormalise(t *testing.T) {
	RunRepositoryIdentityNamesNormalise(t, postgresRepositoryFactory)
}

func TestPostgresLogOrdering(t *testing.T) {
	RunRepositoryLogOrdering(t, postgresRepositoryFactory)
}

func TestPostgresLogTiesUseInsertionOrder(t *testing.T) {
	RunRepositoryLogTiesUseInsertionOrder(t, postgresRepositoryFactory)
}

func TestPostgresLogRetention(t *testing.T) {
	RunRepositoryLogRetention(t, postgresRepositoryFactory)
}

func TestPostgresSessionLifecycle(t *testing.T) {
	RunRepositorySessionLifecycle(t, postgresRepositoryFactory)
}

func TestPostgresSchemaBootstrapIsIdempotent(t *testing.T) {
	repo := runRepository(t, postgresRepositoryFactory)
	pgRepo := repo.(*postgresRepository)
	if err := pgRepo.ensureSchema(context.Background()); err != nil {
		t.Fatalf("second ensureSchema: %v", err)
	}
}

func TestImportSnapshotToPostgres(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	source, err := NewStorage(path)
	if err != nil {
		t.Fatalf("NewStorage: %v", err)
	}
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if _, err := source.SaveIdentity(ctx, models.Identity{Name: "Main", ChannelID: "UC1", OAuthMaterial: []byte("m"), CreatedAt: at, LastUsedAt: at}); err != nil {
		t.Fatalf("SaveIdentity: %v", err)
	}
	if err := source.UpsertSession(ctx, models.StreamingSession{ID: "session_1", StartTime: at, Tags: []string{"a"}}); err != nil {
		t.Fatalf("UpsertSession: %v", err)
	}
	for i, message := range []string{"first", "second"} {
		if _, err := source.AppendLog(ctx, models.LogEvent{Timestamp: at.Add(time.Duration(i) * time.Second), SessionID: "session_1", Message: message}); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	snapshot, err := LoadSnapshotFromJSON(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFromJSON: %v", err)
	}
	repo := runRepository(t, postgresRepositoryFactory)
	if err := ImportSnapshotToPostgres(ctx, repo, snapshot); err != nil {
		t.Fatalf("ImportSnapshotToPostgres: %v", err)
	}

	identity, err := repo.GetIdentity(ctx, "Main")
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if identity.ChannelID != "UC1" || !identity.LastUsedAt.Equal(at) {
		t.Fatalf("unexpected imported identity %+v", identity)
	}
	logs, err := repo.RecentLogs(ctx, LogQuery{SessionID: "session_1"})
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(logs) != 2 || logs[0].Message != "second" {
		t.Fatalf("unexpected imported logs %+v", logs)
	}
	if _, err := repo.GetSession(ctx, "session_1"); err != nil {
		t.Fatalf("GetSession: %v", err)
	}
}
