package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultAcquireTimeout = 5 * time.Second

// PostgresConfig sizes the connection pool. Zero values leave pgxpool's
// defaults in place, except MinConnections where -1 means unset.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	SkipSchema          bool
}

func (c PostgresConfig) poolConfig() (*pgxpool.Config, error) {
	if strings.TrimSpace(c.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := pgxpool.ParseConfig(c.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if c.MaxConnections > 0 {
		poolCfg.MaxConns = c.MaxConnections
	}
	if c.MinConnections >= 0 {
		poolCfg.MinConns = c.MinConnections
	}
	if c.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = c.MaxConnLifetime
	}
	if c.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = c.MaxConnIdleTime
	}
	if c.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = c.HealthCheckInterval
	}
	if c.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = c.AcquireTimeout
	}
	if c.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = c.ApplicationName
	}
	return poolCfg, nil
}
