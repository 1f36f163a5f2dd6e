package session

import (
	"sync"

	"tubecast/internal/models"
)

const (
	// DefaultTailSize is how many recent events the read model retains.
	DefaultTailSize = 50
	subscriberBuffer = 64
)

// logTail keeps the most recent events in memory and fans each new event out
// to live subscribers. A subscriber that cannot keep up is disconnected.
type logTail struct {
	mu          sync.Mutex
	size        int
	events      []models.LogEvent
	subscribers map[chan models.LogEvent]struct{}
}

func newLogTail(size int) *logTail {
	if size <= 0 {
		size = DefaultTailSize
	}
	return &logTail{
		size:        size,
		events:      make([]models.LogEvent, 0, size),
		subscribers: make(map[chan models.LogEvent]struct{}),
	}
}

func (t *logTail) publish(event models.LogEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) == t.size {
		copy(t.events, t.events[1:])
		t.events = t.events[:t.size-1]
	}
	t.events = append(t.events, event)

	for ch := range t.subscribers {
		select {
		case ch <- event:
		default:
			delete(t.subscribers, ch)
			close(ch)
		}
	}
}

// snapshot returns the retained events, oldest first.
func (t *logTail) snapshot() []models.LogEvent {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]models.LogEvent(nil), t.events...)
}

func (t *logTail) subscribe() (<-chan models.LogEvent, func()) {
	ch := make(chan models.LogEvent, subscriberBuffer)
	t.mu.Lock()
	t.subscribers[ch] = struct{}{}
	t.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if _, ok := t.subscribers[ch]; ok {
				delete(t.subscribers, ch)
				close(ch)
			}
		})
	}
	return ch, cancel
}

func (t *logTail) subscriberCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscribers)
}
