//go:build postgres

package storage

import (
	"context"
	"errors"
	"testing"
	"time"
)

// A held connection in a single-connection pool must make session reads give
// up at the configured deadline instead of queueing forever.
func TestPostgresSessionReadHonoursAcquireTimeout(t *testing.T) {
	repo := runRepository(t, postgresRepositoryFactory,
		WithPostgresPoolLimits(1, 1),
		WithPostgresAcquireTimeout(75*time.Millisecond),
	)
	pool := repo.(*postgresRepository).pool

	held, err := pool.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	t.Cleanup(held.Release)

	started := time.Now()
	_, err = repo.ListSessions(context.Background(), 10)
	elapsed := time.Since(started)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("read waited %s, expected it to give up near 75ms", elapsed)
	}
}
