package oauth

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisLedgerConfig configures the Redis-backed code ledger.
type RedisLedgerConfig struct {
	Addr        string
	Addrs       []string
	Username    string
	Password    string
	MasterName  string
	PoolSize    int
	DialTimeout time.Duration
	Prefix      string
	TTL         time.Duration
	TLS         RedisTLSConfig
}

type setNXClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// RedisCodeLedger claims codes with SET NX so duplicate callbacks are caught
// across every replica sharing the Redis instance.
type RedisCodeLedger struct {
	client setNXClient
	closer func() error
	prefix string
	ttl    time.Duration
}

// NewRedisCodeLedger connects to Redis. The connection is verified with PING.
func NewRedisCodeLedger(ctx context.Context, cfg RedisLedgerConfig) (*RedisCodeLedger, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       addrs,
		MasterName:  strings.TrimSpace(cfg.MasterName),
		Username:    strings.TrimSpace(cfg.Username),
		Password:    cfg.Password,
		TLSConfig:   tlsConfig,
		DialTimeout: cfg.DialTimeout,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  2,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	ledger := newRedisCodeLedger(client, cfg.Prefix, cfg.TTL)
	ledger.closer = client.Close
	return ledger, nil
}

func newRedisCodeLedger(client setNXClient, prefix string, ttl time.Duration) *RedisCodeLedger {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "tubecast:oauth:code:"
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}
	return &RedisCodeLedger{client: client, prefix: prefix, ttl: ttl}
}

// Claim stores a digest of the code, never the code itself.
func (l *RedisCodeLedger) Claim(ctx context.Context, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, errors.New("authorization code is required")
	}
	sum := sha256.Sum256([]byte(code))
	key := l.prefix + hex.EncodeToString(sum[:])
	claimed, err := l.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339), l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim authorization code: %w", err)
	}
	return claimed, nil
}

// Close releases the Redis connection pool.
func (l *RedisCodeLedger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer()
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify, MinVersion: tls.VersionTLS12}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		pemData, err := os.ReadFile(filepath.Clean(cfg.CAFile))
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(filepath.Clean(cfg.CertFile), filepath.Clean(cfg.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
