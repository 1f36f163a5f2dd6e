package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
)

type dataset struct {
	Identities map[string]models.Identity         `json:"identities"`
	Sessions   map[string]models.StreamingSession `json:"sessions"`
	Logs       []models.LogEvent                  `json:"logs"`
	NextLogID  int64                              `json:"nextLogId"`
}

func newDataset() dataset {
	return dataset{
		Identities: make(map[string]models.Identity),
		Sessions:   make(map[string]models.StreamingSession),
	}
}

// Storage is the JSON file backend. Every mutation rewrites the file through
// a temp file and rename while holding the write lock.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
	now             func() time.Time
	retention       int
	logger          *slog.Logger
}

var _ Repository = (*Storage)(nil)

// NewStorage opens (or creates) the JSON datastore at path.
func NewStorage(path string, opts ...Option) (*Storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("json store path required")
	}
	set := collect(opts)
	store := &Storage{
		filePath:  path,
		now:       set.now,
		retention: set.logRetention,
		logger:    logging.WithComponent(set.logger, "storage"),
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	store.logger.Debug("json store loaded",
		"path", path,
		"identities", len(store.data.Identities),
		"sessions", len(store.data.Sessions),
		"logs", len(store.data.Logs),
	)
	return store, nil
}

// NewJSONRepository opens the JSON-backed datastore and returns it as a
// Repository.
func NewJSONRepository(path string, opts ...Option) (Repository, error) {
	return NewStorage(path, opts...)
}

func (s *Storage) load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	data, err := readDataset(s.filePath)
	if err != nil {
		return err
	}
	s.data = data
	return nil
}

func readDataset(path string) (dataset, error) {
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return newDataset(), nil
	} else if err != nil {
		return dataset{}, fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	data := newDataset()
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return newDataset(), nil
		}
		return dataset{}, fmt.Errorf("decode store file: %w", err)
	}
	if data.Identities == nil {
		data.Identities = make(map[string]models.Identity)
	}
	if data.Sessions == nil {
		data.Sessions = make(map[string]models.StreamingSession)
	}
	for _, event := range data.Logs {
		if event.ID > data.NextLogID {
			data.NextLogID = event.ID
		}
	}
	return data, nil
}

func (s *Storage) persist() error {
	return s.persistDataset(s.data)
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		if err := s.persistOverride(data); err != nil {
			return err
		}
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode dataset: %w", err)
	}
	return replaceFile(s.filePath, append(payload, '\n'))
}

// replaceFile swaps payload in for path. Readers see the old file or the new
// one, never a torn write. The temp file is created with mode 0600 since the
// dataset holds sealed OAuth material.
func replaceFile(path string, payload []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(payload); err != nil {
		return fmt.Errorf("write %s: %w", tmp.Name(), err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	return nil
}

// Ping verifies the data directory is still reachable.
func (s *Storage) Ping(_ context.Context) error {
	if _, err := os.Stat(filepath.Dir(s.filePath)); err != nil {
		return fmt.Errorf("stat data dir: %w", err)
	}
	return nil
}

// Close is a no-op; every mutation is already on disk.
func (s *Storage) Close(_ context.Context) error {
	return nil
}

func (s *Storage) SaveIdentity(_ context.Context, identity models.Identity) (models.Identity, error) {
	name := NormalizeName(identity.Name)
	if name == "" {
		return models.Identity{}, ErrInvalidName
	}
	now := s.now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data.Identities[name]
	identity = cloneIdentity(identity)
	identity.Name = name
	switch {
	case existed && !previous.CreatedAt.IsZero():
		identity.CreatedAt = previous.CreatedAt
	case identity.CreatedAt.IsZero():
		identity.CreatedAt = now
	}
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = now
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	identity.LastUsedAt = identity.LastUsedAt.UTC()

	s.data.Identities[name] = identity
	if err := s.persist(); err != nil {
		if existed {
			s.data.Identities[name] = previous
		} else {
			delete(s.data.Identities, name)
		}
		return models.Identity{}, err
	}
	return cloneIdentity(identity), nil
}

func (s *Storage) TouchIdentity(_ context.Context, name string, at time.Time) error {
	name = NormalizeName(name)
	if at.IsZero() {
		at = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	identity, ok := s.data.Identities[name]
	if !ok {
		return ErrNotFound
	}
	previous := identity.LastUsedAt
	identity.LastUsedAt = at.UTC()
	s.data.Identities[name] = identity
	if err := s.persist(); err != nil {
		identity.LastUsedAt = previous
		s.data.Identities[name] = identity
		return err
	}
	return nil
}

func (s *Storage) GetIdentity(_ context.Context, name string) (models.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	identity, ok := s.data.Identities[NormalizeName(name)]
	if !ok {
		return models.Identity{}, ErrNotFound
	}
	return cloneIdentity(identity), nil
}

func (s *Storage) ListIdentities(_ context.Context) ([]models.Identity, error) {
	s.mu.RLock()
	out := make([]models.Identity, 0, len(s.data.Identities))
	for _, identity := range s.data.Identities {
		out = append(out, cloneIdentity(identity))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastUsedAt.Equal(out[j].LastUsedAt) {
			return out[i].LastUsedAt.After(out[j].LastUsedAt)
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *Storage) DeleteIdentity(_ context.Context, name string) error {
	name = NormalizeName(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, ok := s.data.Identities[name]
	if !ok {
		return ErrNotFound
	}
	delete(s.data.Identities, name)
	if err := s.persist(); err != nil {
		s.data.Identities[name] = previous
		return err
	}
	return nil
}

func (s *Storage) AppendLog(_ context.Context, event models.LogEvent) (models.LogEvent, error) {
	event = sanitizeLogEvent(event, s.now())

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.data.Logs
	event.ID = s.data.NextLogID + 1
	logs := append(previous[:len(previous):len(previous)], event)
	if s.retention > 0 && len(logs) > s.retention {
		logs = logs[len(logs)-s.retention:]
	}
	s.data.Logs = logs
	s.data.NextLogID = event.ID
	if err := s.persist(); err != nil {
		s.data.Logs = previous
		s.data.NextLogID = event.ID - 1
		return models.LogEvent{}, err
	}
	return event, nil
}

func (s *Storage) RecentLogs(_ context.Context, query LogQuery) ([]models.LogEvent, error) {
	limit := normalizeLogLimit(query.Limit)
	sessionID := strings.TrimSpace(query.SessionID)

	s.mu.RLock()
	matches := make([]models.LogEvent, 0, len(s.data.Logs))
	for _, event := range s.data.Logs {
		if sessionID == "" || event.SessionID == sessionID {
			matches = append(matches, event)
		}
	}
	s.mu.RUnlock()

	sortLogsNewestFirst(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func sortLogsNewestFirst(events []models.LogEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.After(events[j].Timestamp)
		}
		return events[i].ID > events[j].ID
	})
}

func (s *Storage) UpsertSession(_ context.Context, session models.StreamingSession) error {
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return fmt.Errorf("session id required")
	}
	session = cloneSession(session)
	session.StartTime = session.StartTime.UTC()
	if session.EndTime != nil {
		end := session.EndTime.UTC()
		session.EndTime = &end
	}
	if session.Status == "" {
		session.Status = models.SessionActive
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous, existed := s.data.Sessions[session.ID]
	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		if existed {
			s.data.Sessions[session.ID] = previous
		} else {
			delete(s.data.Sessions, session.ID)
		}
		return err
	}
	return nil
}

func (s *Storage) GetSession(_ context.Context, id string) (models.StreamingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.data.Sessions[strings.TrimSpace(id)]
	if !ok {
		return models.StreamingSession{}, ErrNotFound
	}
	return cloneSession(session), nil
}

func (s *Storage) ListSessions(_ context.Context, limit int) ([]models.StreamingSession, error) {
	limit = normalizeSessionLimit(limit)

	s.mu.RLock()
	out := make([]models.StreamingSession, 0, len(s.data.Sessions))
	for _, session := range s.data.Sessions {
		out = append(out, cloneSession(session))
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.After(out[j].StartTime)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Snapshot copies the current contents for export.
func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromDataset(s.data)
}
