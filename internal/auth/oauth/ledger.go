package oauth

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// DefaultCodeTTL bounds how long a claimed code is remembered. Google codes
// expire within minutes, so an hour leaves ample margin.
const DefaultCodeTTL = time.Hour

// CodeLedger records authorization codes handed to Exchange. Claim returns
// true only for the first caller presenting a given code.
type CodeLedger interface {
	Claim(ctx context.Context, code string) (bool, error)
}

type memoryCodeLedger struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items map[string]time.Time
}

// NewMemoryCodeLedger constructs a process-local ledger. A non-positive ttl
// uses DefaultCodeTTL.
func NewMemoryCodeLedger(ttl time.Duration) CodeLedger {
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &memoryCodeLedger{ttl: ttl, now: time.Now, items: make(map[string]time.Time)}
}

func (l *memoryCodeLedger) Claim(_ context.Context, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, errors.New("authorization code is required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	for key, expires := range l.items {
		if now.After(expires) {
			delete(l.items, key)
		}
	}
	if _, seen := l.items[code]; seen {
		return false, nil
	}
	l.items[code] = now.Add(l.ttl)
	return true, nil
}
