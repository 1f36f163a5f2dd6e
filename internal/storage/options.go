package storage

import (
	"log/slog"
	"strings"
	"time"
)

// settings collects every knob an Option can turn. The JSON backend reads the
// shared fields; the Postgres backend also reads pool.
type settings struct {
	now          func() time.Time
	logger       *slog.Logger
	logRetention int
	pool         PostgresConfig
}

// Option configures a backend. Pool options are ignored by the JSON store.
type Option func(*settings)

func collect(opts []Option) settings {
	s := settings{
		now: time.Now,
		pool: PostgresConfig{
			MinConnections:  -1,
			AcquireTimeout:  defaultAcquireTimeout,
			ApplicationName: "tubecast",
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&s)
		}
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// WithClock overrides the time source used to stamp logs and sessions that
// arrive without a timestamp.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLogRetention caps the number of operational log rows kept. Each append
// past the cap drops the oldest rows. Zero or less keeps everything.
func WithLogRetention(maxRows int) Option {
	return func(s *settings) {
		if maxRows > 0 {
			s.logRetention = maxRows
		}
	}
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return func(s *settings) {
		if maxConns > 0 {
			s.pool.MaxConnections = maxConns
		}
		if minConns >= 0 {
			s.pool.MinConnections = minConns
		}
	}
}

// WithPostgresAcquireTimeout bounds how long a repository call may wait for a
// pooled connection and run its statement.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		if timeout > 0 {
			s.pool.AcquireTimeout = timeout
		}
	}
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return func(s *settings) {
		if maxLifetime > 0 {
			s.pool.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			s.pool.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			s.pool.HealthCheckInterval = healthInterval
		}
	}
}

func WithPostgresApplicationName(name string) Option {
	return func(s *settings) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			s.pool.ApplicationName = trimmed
		}
	}
}

// WithoutSchemaBootstrap skips table creation on open. Read-only tools use it
// with roles that lack DDL rights.
func WithoutSchemaBootstrap() Option {
	return func(s *settings) {
		s.pool.SkipSchema = true
	}
}
