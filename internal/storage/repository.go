package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"tubecast/internal/models"
)

const (
	// DefaultLogLimit applies when a log query names no limit.
	DefaultLogLimit = 100
	// MaxLogLimit caps any log query.
	MaxLogLimit = 1000
	// DefaultSessionLimit applies when ListSessions is called without a limit.
	DefaultSessionLimit = 50
)

var (
	// ErrNotFound is returned when a named identity or session does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidName is returned for identity names that are blank after
	// normalisation.
	ErrInvalidName = errors.New("identity name is required")
)

// LogQuery filters RecentLogs. An empty SessionID spans all sessions.
type LogQuery struct {
	SessionID string
	Limit     int
}

// Repository persists saved identities, the log event audit trail, and
// streaming session records.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	SaveIdentity(ctx context.Context, identity models.Identity) (models.Identity, error)
	TouchIdentity(ctx context.Context, name string, at time.Time) error
	GetIdentity(ctx context.Context, name string) (models.Identity, error)
	ListIdentities(ctx context.Context) ([]models.Identity, error)
	DeleteIdentity(ctx context.Context, name string) error

	AppendLog(ctx context.Context, event models.LogEvent) (models.LogEvent, error)
	RecentLogs(ctx context.Context, query LogQuery) ([]models.LogEvent, error)

	UpsertSession(ctx context.Context, session models.StreamingSession) error
	GetSession(ctx context.Context, id string) (models.StreamingSession, error)
	ListSessions(ctx context.Context, limit int) ([]models.StreamingSession, error)
}

// NormalizeName trims and NFC-normalises an identity name so visually equal
// names collide.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

func normalizeLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	default:
		return limit
	}
}

func normalizeSessionLimit(limit int) int {
	if limit <= 0 {
		return DefaultSessionLimit
	}
	if limit > MaxLogLimit {
		return MaxLogLimit
	}
	return limit
}

// sanitizeLogEvent masks the stream key; plaintext keys never reach storage.
func sanitizeLogEvent(event models.LogEvent, now time.Time) models.LogEvent {
	if event.Timestamp.IsZero() {
		event.Timestamp = now
	}
	event.Timestamp = event.Timestamp.UTC()
	if event.Type == "" {
		event.Type = models.LogInfo
	}
	if event.StreamKey != "" && !strings.HasPrefix(event.StreamKey, "*") {
		event.StreamKey = models.MaskKey(event.StreamKey)
	}
	return event
}

func cloneIdentity(identity models.Identity) models.Identity {
	identity.OAuthMaterial = append([]byte(nil), identity.OAuthMaterial...)
	return identity
}

func cloneSession(session models.StreamingSession) models.StreamingSession {
	session.Tags = append([]string(nil), session.Tags...)
	if session.EndTime != nil {
		end := *session.EndTime
		session.EndTime = &end
	}
	return session
}
