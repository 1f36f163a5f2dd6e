package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tubecast/internal/models"
	"tubecast/internal/observability/logging"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS saved_channels (
		channel_name TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL DEFAULT '',
		auth_data BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_used TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS stream_sessions (
		session_id TEXT PRIMARY KEY,
		start_time TIMESTAMPTZ NOT NULL,
		end_time TIMESTAMPTZ,
		video_file TEXT NOT NULL DEFAULT '',
		stream_title TEXT NOT NULL DEFAULT '',
		stream_description TEXT NOT NULL DEFAULT '',
		tags TEXT[] NOT NULL DEFAULT '{}',
		category TEXT NOT NULL DEFAULT '',
		privacy_status TEXT NOT NULL DEFAULT '',
		made_for_kids BOOLEAN NOT NULL DEFAULT FALSE,
		channel_name TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active'
	)`,
	`CREATE TABLE IF NOT EXISTS stream_logs (
		id BIGSERIAL PRIMARY KEY,
		logged_at TIMESTAMPTZ NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		log_type TEXT NOT NULL,
		message TEXT NOT NULL,
		video_file TEXT NOT NULL DEFAULT '',
		stream_key TEXT NOT NULL DEFAULT '',
		channel_name TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS stream_logs_recent_idx ON stream_logs (logged_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS stream_logs_session_idx ON stream_logs (session_id, logged_at DESC, id DESC)`,
}

const (
	identityColumns = `channel_name, channel_id, auth_data, created_at, last_used`
	sessionColumns  = `session_id, start_time, end_time, video_file, stream_title, stream_description, tags, category, privacy_status, made_for_kids, channel_name, status`
	logColumns      = `id, logged_at, session_id, log_type, message, video_file, stream_key, channel_name`
)

type postgresRepository struct {
	pool      *pgxpool.Pool
	cfg       PostgresConfig
	now       func() time.Time
	retention int
	logger    *slog.Logger
}

var _ Repository = (*postgresRepository)(nil)

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// NewPostgresRepository opens a Postgres-backed repository and creates the
// tables it needs unless WithoutSchemaBootstrap is given.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	set := collect(opts)
	cfg := set.pool
	cfg.DSN = dsn
	poolCfg, err := cfg.poolConfig()
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool:      pool,
		cfg:       cfg,
		now:       set.now,
		retention: set.logRetention,
		logger:    logging.WithComponent(set.logger, "storage"),
	}
	if err := repo.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if !cfg.SkipSchema {
		if err := repo.ensureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	repo.logger.Debug("postgres store opened", "application_name", cfg.ApplicationName, "max_conns", poolCfg.MaxConns)
	return repo, nil
}

func (r *postgresRepository) ensureSchema(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	for _, stmt := range schemaStatements {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}

// withTimeout bounds pool acquisition and the statement that follows it.
func (r *postgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) SaveIdentity(ctx context.Context, identity models.Identity) (models.Identity, error) {
	name := NormalizeName(identity.Name)
	if name == "" {
		return models.Identity{}, ErrInvalidName
	}
	now := r.now().UTC()
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = now
	}
	if identity.LastUsedAt.IsZero() {
		identity.LastUsedAt = now
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `
		INSERT INTO saved_channels (`+identityColumns+`)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (channel_name) DO UPDATE SET
			channel_id = EXCLUDED.channel_id,
			auth_data = EXCLUDED.auth_data,
			last_used = EXCLUDED.last_used
		RETURNING `+identityColumns,
		name, identity.ChannelID, identity.OAuthMaterial, identity.CreatedAt.UTC(), identity.LastUsedAt.UTC(),
	)
	saved, err := scanIdentity(row)
	if err != nil {
		return models.Identity{}, fmt.Errorf("save identity %q: %w", name, err)
	}
	return saved, nil
}

func (r *postgresRepository) TouchIdentity(ctx context.Context, name string, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `UPDATE saved_channels SET last_used = $2 WHERE channel_name = $1`, NormalizeName(name), at.UTC())
	if err != nil {
		return fmt.Errorf("touch identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) GetIdentity(ctx context.Context, name string) (models.Identity, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+identityColumns+` FROM saved_channels WHERE channel_name = $1`, NormalizeName(name))
	identity, err := scanIdentity(row)
	if err != nil {
		if isNoRows(err) {
			return models.Identity{}, ErrNotFound
		}
		return models.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return identity, nil
}

func (r *postgresRepository) ListIdentities(ctx context.Context) ([]models.Identity, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+identityColumns+` FROM saved_channels ORDER BY last_used DESC, channel_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()

	identities := make([]models.Identity, 0)
	for rows.Next() {
		identity, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		identities = append(identities, identity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return identities, nil
}

func (r *postgresRepository) DeleteIdentity(ctx context.Context, name string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	tag, err := r.pool.Exec(ctx, `DELETE FROM saved_channels WHERE channel_name = $1`, NormalizeName(name))
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *postgresRepository) AppendLog(ctx context.Context, event models.LogEvent) (models.LogEvent, error) {
	event = sanitizeLogEvent(event, r.now())
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	err := r.pool.QueryRow(ctx, `
		INSERT INTO stream_logs (logged_at, session_id, log_type, message, video_file, stream_key, channel_name)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		event.Timestamp, event.SessionID, string(event.Type), event.Message, event.VideoFile, event.StreamKey, event.ChannelName,
	).Scan(&event.ID)
	if err != nil {
		return models.LogEvent{}, fmt.Errorf("append log: %w", err)
	}
	if r.retention > 0 {
		// Ids are monotonic, so at most retention rows sit above the cutoff.
		if _, err := r.pool.Exec(ctx, `DELETE FROM stream_logs WHERE id <= $1`, event.ID-int64(r.retention)); err != nil {
			r.logger.Warn("prune stream logs failed", "error", err)
		}
	}
	return event, nil
}

func (r *postgresRepository) RecentLogs(ctx context.Context, query LogQuery) ([]models.LogEvent, error) {
	limit := normalizeLogLimit(query.Limit)
	sessionID := strings.TrimSpace(query.SessionID)

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	var (
		rows pgx.Rows
		err  error
	)
	if sessionID == "" {
		rows, err = r.pool.Query(ctx, `SELECT `+logColumns+` FROM stream_logs ORDER BY logged_at DESC, id DESC LIMIT $1`, limit)
	} else {
		rows, err = r.pool.Query(ctx, `SELECT `+logColumns+` FROM stream_logs WHERE session_id = $1 ORDER BY logged_at DESC, id DESC LIMIT $2`, sessionID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	events := make([]models.LogEvent, 0, limit)
	for rows.Next() {
		var (
			event   models.LogEvent
			logType string
		)
		if err := rows.Scan(&event.ID, &event.Timestamp, &event.SessionID, &logType, &event.Message, &event.VideoFile, &event.StreamKey, &event.ChannelName); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		event.Type = models.LogType(logType)
		event.Timestamp = event.Timestamp.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	return events, nil
}

func (r *postgresRepository) UpsertSession(ctx context.Context, session models.StreamingSession) error {
	session.ID = strings.TrimSpace(session.ID)
	if session.ID == "" {
		return fmt.Errorf("session id required")
	}
	if session.Status == "" {
		session.Status = models.SessionActive
	}
	if session.Tags == nil {
		session.Tags = []string{}
	}
	var endTime *time.Time
	if session.EndTime != nil {
		end := session.EndTime.UTC()
		endTime = &end
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO stream_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO UPDATE SET
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			video_file = EXCLUDED.video_file,
			stream_title = EXCLUDED.stream_title,
			stream_description = EXCLUDED.stream_description,
			tags = EXCLUDED.tags,
			category = EXCLUDED.category,
			privacy_status = EXCLUDED.privacy_status,
			made_for_kids = EXCLUDED.made_for_kids,
			channel_name = EXCLUDED.channel_name,
			status = EXCLUDED.status`,
		session.ID, session.StartTime.UTC(), endTime, session.VideoFile, session.Title, session.Description,
		session.Tags, session.Category, session.PrivacyStatus, session.MadeForKids, session.ChannelName, string(session.Status),
	)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", session.ID, err)
	}
	return nil
}

func (r *postgresRepository) GetSession(ctx context.Context, id string) (models.StreamingSession, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE session_id = $1`, strings.TrimSpace(id))
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.StreamingSession{}, ErrNotFound
		}
		return models.StreamingSession{}, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

func (r *postgresRepository) ListSessions(ctx context.Context, limit int) ([]models.StreamingSession, error) {
	limit = normalizeSessionLimit(limit)
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	rows, err := r.pool.Query(ctx, `SELECT `+sessionColumns+` FROM stream_sessions ORDER BY start_time DESC, session_id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]models.StreamingSession, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return sessions, nil
}

// importSnapshot copies a JSON snapshot in one transaction. Log rows keep
// their timestamps but receive fresh ids.
func (r *postgresRepository) importSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("snapshot is nil")
	}
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin import: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(context.Background())
		}
	}()

	for _, identity := range snapshot.Identities {
		if _, err := tx.Exec(ctx, `
			INSERT INTO saved_channels (`+identityColumns+`)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (channel_name) DO UPDATE SET
				channel_id = EXCLUDED.channel_id,
				auth_data = EXCLUDED.auth_data,
				last_used = EXCLUDED.last_used`,
			NormalizeName(identity.Name), identity.ChannelID, identity.OAuthMaterial, identity.CreatedAt.UTC(), identity.LastUsedAt.UTC(),
		); err != nil {
			return fmt.Errorf("import identity %q: %w", identity.Name, err)
		}
	}
	for _, session := range snapshot.Sessions {
		tags := session.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO stream_sessions (`+sessionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (session_id) DO NOTHING`,
			session.ID, session.StartTime.UTC(), session.EndTime, session.VideoFile, session.Title, session.Description,
			tags, session.Category, session.PrivacyStatus, session.MadeForKids, session.ChannelName, string(session.Status),
		); err != nil {
			return fmt.Errorf("import session %s: %w", session.ID, err)
		}
	}
	for _, event := range snapshot.Logs {
		event = sanitizeLogEvent(event, r.now())
		if _, err := tx.Exec(ctx, `
			INSERT INTO stream_logs (logged_at, session_id, log_type, message, video_file, stream_key, channel_name)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			event.Timestamp, event.SessionID, string(event.Type), event.Message, event.VideoFile, event.StreamKey, event.ChannelName,
		); err != nil {
			return fmt.Errorf("import log %d: %w", event.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	committed = true
	return nil
}

func scanIdentity(row pgx.Row) (models.Identity, error) {
	var identity models.Identity
	if err := row.Scan(&identity.Name, &identity.ChannelID, &identity.OAuthMaterial, &identity.CreatedAt, &identity.LastUsedAt); err != nil {
		return models.Identity{}, err
	}
	identity.CreatedAt = identity.CreatedAt.UTC()
	identity.LastUsedAt = identity.LastUsedAt.UTC()
	return identity, nil
}

func scanSession(row pgx.Row) (models.StreamingSession, error) {
	var (
		session models.StreamingSession
		status  string
	)
	if err := row.Scan(
		&session.ID, &session.StartTime, &session.EndTime, &session.VideoFile, &session.Title, &session.Description,
		&session.Tags, &session.Category, &session.PrivacyStatus, &session.MadeForKids, &session.ChannelName, &status,
	); err != nil {
		return models.StreamingSession{}, err
	}
	session.Status = models.SessionStatus(status)
	session.StartTime = session.StartTime.UTC()
	if session.EndTime != nil {
		end := session.EndTime.UTC()
		session.EndTime = &end
	}
	return session, nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
