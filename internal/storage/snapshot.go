package storage

import (
	"context"
	"fmt"
	"sort"

	"tubecast/internal/models"
)

// Snapshot is a backend-neutral copy of a datastore, used to move a JSON
// store into Postgres.
type Snapshot struct {
	Identities []models.Identity
	Sessions   []models.StreamingSession
	Logs       []models.LogEvent
}

// SnapshotCounts summarises the size of each collection in a Snapshot.
type SnapshotCounts struct {
	Identities int
	Sessions   int
	Logs       int
}

// LoadSnapshotFromJSON reads a JSON store file without opening it for writes.
func LoadSnapshotFromJSON(path string) (*Snapshot, error) {
	data, err := readDataset(path)
	if err != nil {
		return nil, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return snapshotFromDataset(data), nil
}

func snapshotFromDataset(data dataset) *Snapshot {
	snapshot := &Snapshot{
		Identities: make([]models.Identity, 0, len(data.Identities)),
		Sessions:   make([]models.StreamingSession, 0, len(data.Sessions)),
		Logs:       make([]models.LogEvent, len(data.Logs)),
	}
	for _, identity := range data.Identities {
		snapshot.Identities = append(snapshot.Identities, cloneIdentity(identity))
	}
	for _, session := range data.Sessions {
		snapshot.Sessions = append(snapshot.Sessions, cloneSession(session))
	}
	copy(snapshot.Logs, data.Logs)

	sort.Slice(snapshot.Identities, func(i, j int) bool { return snapshot.Identities[i].Name < snapshot.Identities[j].Name })
	sort.Slice(snapshot.Sessions, func(i, j int) bool { return snapshot.Sessions[i].ID < snapshot.Sessions[j].ID })
	sort.SliceStable(snapshot.Logs, func(i, j int) bool { return snapshot.Logs[i].ID < snapshot.Logs[j].ID })
	return snapshot
}

// Counts reports how many rows of each kind the snapshot holds.
func (s *Snapshot) Counts() SnapshotCounts {
	if s == nil {
		return SnapshotCounts{}
	}
	return SnapshotCounts{
		Identities: len(s.Identities),
		Sessions:   len(s.Sessions),
		Logs:       len(s.Logs),
	}
}

// ImportSnapshotToPostgres loads a Snapshot into a Postgres repository in one
// transaction. Identities are upserted, sessions already present are kept,
// and logs are appended in their original order with fresh ids.
func ImportSnapshotToPostgres(ctx context.Context, repo Repository, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is required")
	}
	pgRepo, ok := repo.(*postgresRepository)
	if !ok {
		return fmt.Errorf("postgres repository required for snapshot import")
	}
	return pgRepo.importSnapshot(ctx, snapshot)
}
