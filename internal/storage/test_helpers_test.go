package storage

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tubecast/internal/observability/logging"
)

func newTestStore(t *testing.T, extra ...Option) *Storage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	opts := append([]Option{WithLogger(logging.Discard())}, extra...)
	store, err := NewStorage(path, opts...)
	if err != nil {
		t.Fatalf("NewStorage error: %v", err)
	}
	return store
}

func jsonRepositoryFactory(t *testing.T, opts ...Option) (Repository, func(), error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	defaults := []Option{WithLogger(logging.Discard())}
	store, err := NewStorage(path, append(defaults, opts...)...)
	if err != nil {
		return nil, nil, err
	}
	return store, func() {}, nil
}

// stepClock returns a deterministic clock that advances by step on every
// call.
type stepClock struct {
	mu   sync.Mutex
	next time.Time
	step time.Duration
}

func newStepClock(start time.Time, step time.Duration) *stepClock {
	return &stepClock{next: start, step: step}
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	return now
}
