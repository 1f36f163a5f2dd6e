package oauth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// maxPendingStates caps outstanding authorizations held in memory. The
// oldest is dropped first.
const maxPendingStates = 64

// StateData is what Begin remembers about an authorization until the
// callback redeems it. Verifier is the PKCE code verifier whose challenge
// went out in the consent URL.
type StateData struct {
	ReturnTo string
	Verifier string
	IssuedAt time.Time
	Expires  time.Time
}

// StateStore holds state tokens until they are redeemed. Take removes the
// entry, so each state is redeemable once.
type StateStore interface {
	Put(state string, data StateData, ttl time.Duration) error
	Take(state string) (StateData, bool)
}

type memoryStateStore struct {
	mu    sync.Mutex
	now   func() time.Time
	items map[string]StateData
}

func NewMemoryStateStore() StateStore {
	return newMemoryStateStore(time.Now)
}

func newMemoryStateStore(now func() time.Time) *memoryStateStore {
	return &memoryStateStore{now: now, items: make(map[string]StateData)}
}

func (s *memoryStateStore) Put(state string, data StateData, ttl time.Duration) error {
	if state == "" {
		return fmt.Errorf("state token is required")
	}
	if ttl <= 0 {
		ttl = time.Minute
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	data.IssuedAt = now
	data.Expires = now.Add(ttl)
	s.pruneLocked(now)
	for len(s.items) >= maxPendingStates {
		s.dropOldestLocked()
	}
	s.items[state] = data
	return nil
}

func (s *memoryStateStore) Take(state string) (StateData, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.items[state]
	if !ok {
		return StateData{}, false
	}
	delete(s.items, state)
	if !s.now().Before(data.Expires) {
		return StateData{}, false
	}
	return data, true
}

func (s *memoryStateStore) pruneLocked(now time.Time) {
	for key, item := range s.items {
		if !now.Before(item.Expires) {
			delete(s.items, key)
		}
	}
}

func (s *memoryStateStore) dropOldestLocked() {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, item := range s.items {
		if oldestKey == "" || item.IssuedAt.Before(oldest) {
			oldestKey, oldest = key, item.IssuedAt
		}
	}
	delete(s.items, oldestKey)
}

// GenerateState returns 128 random bits, hex encoded.
func GenerateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
