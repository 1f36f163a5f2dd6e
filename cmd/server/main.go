// Command server starts the tubecast orchestrator and its HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"tubecast/internal/auth/oauth"
	"tubecast/internal/encoder"
	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
	"tubecast/internal/server"
	"tubecast/internal/serverutil"
	"tubecast/internal/session"
	"tubecast/internal/storage"
	"tubecast/internal/youtube"
)

func main() {
	envFile := flag.String("env-file", ".env", "dotenv file loaded before reading TUBECAST_* variables")
	addr := flag.String("addr", "", "HTTP listen address")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	logRetention := flag.Int("log-retention", 0, "maximum operational log rows kept (0 uses the driver default, negative keeps all)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	postgresMaxConns := flag.Int("postgres-max-conns", 0, "maximum connections in the Postgres pool")
	postgresMinConns := flag.Int("postgres-min-conns", 0, "minimum idle connections maintained by the Postgres pool")
	postgresMaxConnLifetime := flag.Duration("postgres-max-conn-lifetime", 0, "maximum lifetime for a pooled Postgres connection")
	postgresMaxConnIdle := flag.Duration("postgres-max-conn-idle", 0, "maximum idle time for a pooled Postgres connection")
	postgresHealthInterval := flag.Duration("postgres-health-interval", 0, "interval between Postgres health checks")
	postgresAcquireTimeout := flag.Duration("postgres-acquire-timeout", 0, "timeout when acquiring a Postgres connection from the pool")
	postgresAppName := flag.String("postgres-app-name", "", "application_name reported to Postgres")
	oauthSecrets := flag.String("oauth-client-secrets", "", "Google client secrets JSON or path")
	oauthClientID := flag.String("oauth-client-id", "", "override OAuth client ID")
	oauthClientSecret := flag.String("oauth-client-secret", "", "override OAuth client secret")
	oauthRedirect := flag.String("oauth-redirect-url", "", "override OAuth redirect URL")
	ledgerDriver := flag.String("code-ledger", "", "authorization code ledger (memory or redis)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the code ledger and callback throttling")
	redisAddrs := flag.String("redis-addrs", "", "comma separated Redis addresses for the code ledger")
	redisUsername := flag.String("redis-username", "", "Redis username")
	redisPassword := flag.String("redis-password", "", "Redis password")
	redisMasterName := flag.String("redis-master-name", "", "Redis sentinel master name")
	redisPoolSize := flag.Int("redis-pool-size", 0, "maximum Redis connections")
	redisTimeout := flag.Duration("redis-timeout", 0, "timeout for establishing Redis connections")
	redisTLSCA := flag.String("redis-tls-ca", "", "path to Redis TLS CA certificate")
	redisTLSCert := flag.String("redis-tls-cert", "", "path to Redis TLS client certificate")
	redisTLSKey := flag.String("redis-tls-key", "", "path to Redis TLS client key")
	redisTLSServerName := flag.String("redis-tls-server-name", "", "override Redis TLS server name")
	redisTLSSkipVerify := flag.Bool("redis-tls-skip-verify", false, "skip Redis TLS verification")
	secretKey := flag.String("secret-key", "", "secret used to seal stored OAuth material")
	ffmpegBinary := flag.String("ffmpeg", "", "ffmpeg binary name or path")
	gracePeriod := flag.Duration("encoder-grace-period", 0, "time ffmpeg is given to exit after an interrupt")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	callbackLimit := flag.Int("rate-callback-limit", 0, "maximum OAuth callbacks per window for a single IP")
	callbackWindow := flag.Duration("rate-callback-window", 0, "window for counting OAuth callbacks")
	trustForwarded := flag.Bool("rate-trust-forwarded-headers", false, "trust proxy-provided client IP headers")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed to call the API")
	operatorToken := flag.String("operator-token", "", "bearer token required for mutating API calls")
	stopTimeout := flag.Duration("stop-timeout", 0, "how long a stop request waits for ffmpeg to exit")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flag.Parse()

	dotenvErr := loadDotEnv(*envFile)

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("TUBECAST_LOG_LEVEL"), "info"),
		Format: firstNonEmpty(*logFormat, os.Getenv("TUBECAST_LOG_FORMAT")),
	})
	if dotenvErr != nil {
		logger.Warn("failed to load env file", "path", *envFile, "error", dotenvErr)
	}
	recorder := metrics.Default()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	storeCfg := storeConfig{
		Driver:          firstNonEmpty(*storageDriver, os.Getenv("TUBECAST_STORAGE_DRIVER")),
		DataPath:        resolveDataPath(*dataPath, os.Getenv("TUBECAST_DATA")),
		PostgresDSN:     resolvePostgresDSN(*postgresDSN),
		LogRetention:    resolveInt(*logRetention, "TUBECAST_LOG_RETENTION"),
		MaxConns:        resolveInt(*postgresMaxConns, "TUBECAST_POSTGRES_MAX_CONNS"),
		MinConns:        resolveInt(*postgresMinConns, "TUBECAST_POSTGRES_MIN_CONNS"),
		MaxConnLifetime: resolveDuration(*postgresMaxConnLifetime, "TUBECAST_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(*postgresMaxConnIdle, "TUBECAST_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(*postgresHealthInterval, "TUBECAST_POSTGRES_HEALTH_INTERVAL", 0),
		AcquireTimeout:  resolveDuration(*postgresAcquireTimeout, "TUBECAST_POSTGRES_ACQUIRE_TIMEOUT", 0),
		ApplicationName: firstNonEmpty(*postgresAppName, os.Getenv("TUBECAST_POSTGRES_APP_NAME")),
		Logger:          logging.WithComponent(logger, "storage"),
	}
	store, driver, err := openStore(storeCfg)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}
	logger.Info("datastore ready", "driver", driver)

	_, manager, err := oauth.LoadFromFlagsAndEnv(oauth.LoadInput{
		Source:       *oauthSecrets,
		ClientID:     *oauthClientID,
		ClientSecret: *oauthClientSecret,
		RedirectURL:  *oauthRedirect,
	})
	if err != nil {
		logger.Error("failed to configure oauth", "error", err)
		os.Exit(1)
	}
	if manager == nil {
		logger.Warn("oauth client is not configured; only saved identities and manual keys are usable")
	}

	sealer, err := oauth.NewSealer(firstNonEmpty(*secretKey, os.Getenv("TUBECAST_SECRET_KEY")))
	if err != nil {
		logger.Error("failed to derive sealing key", "error", err)
		os.Exit(1)
	}
	if !sealer.Enabled() {
		logger.Warn("TUBECAST_SECRET_KEY is not set; OAuth material is stored unsealed")
	}

	redisCfg := oauth.RedisLedgerConfig{
		Addr:        firstNonEmpty(*redisAddr, os.Getenv("TUBECAST_REDIS_ADDR")),
		Addrs:       splitAndTrim(firstNonEmpty(*redisAddrs, os.Getenv("TUBECAST_REDIS_ADDRS"))),
		Username:    firstNonEmpty(*redisUsername, os.Getenv("TUBECAST_REDIS_USERNAME")),
		Password:    firstNonEmpty(*redisPassword, os.Getenv("TUBECAST_REDIS_PASSWORD")),
		MasterName:  firstNonEmpty(*redisMasterName, os.Getenv("TUBECAST_REDIS_MASTER_NAME")),
		PoolSize:    resolveInt(*redisPoolSize, "TUBECAST_REDIS_POOL_SIZE"),
		DialTimeout: resolveDuration(*redisTimeout, "TUBECAST_REDIS_TIMEOUT", 2*time.Second),
		TTL:         oauth.DefaultCodeTTL,
		TLS: oauth.RedisTLSConfig{
			CAFile:             firstNonEmpty(*redisTLSCA, os.Getenv("TUBECAST_REDIS_TLS_CA")),
			CertFile:           firstNonEmpty(*redisTLSCert, os.Getenv("TUBECAST_REDIS_TLS_CERT")),
			KeyFile:            firstNonEmpty(*redisTLSKey, os.Getenv("TUBECAST_REDIS_TLS_KEY")),
			ServerName:         firstNonEmpty(*redisTLSServerName, os.Getenv("TUBECAST_REDIS_TLS_SERVER_NAME")),
			InsecureSkipVerify: resolveBool(*redisTLSSkipVerify, "TUBECAST_REDIS_TLS_SKIP_VERIFY"),
		},
	}
	ledgerKind, err := resolveLedgerDriver(firstNonEmpty(*ledgerDriver, os.Getenv("TUBECAST_CODE_LEDGER")), redisCfg)
	if err != nil {
		logger.Error("failed to resolve code ledger", "error", err)
		os.Exit(1)
	}

	var (
		ledger      oauth.CodeLedger
		ledgerClose func() error
		window      server.WindowStore
		windowClose func() error
	)
	switch ledgerKind {
	case "redis":
		redisLedger, err := oauth.NewRedisCodeLedger(ctx, redisCfg)
		if err != nil {
			logger.Error("failed to connect code ledger", "error", err)
			os.Exit(1)
		}
		ledger = redisLedger
		ledgerClose = redisLedger.Close
		if addr := firstRedisAddr(redisCfg); addr != "" && redisCfg.MasterName == "" {
			client := redis.NewClient(&redis.Options{
				Addr:        addr,
				Username:    redisCfg.Username,
				Password:    redisCfg.Password,
				DialTimeout: redisCfg.DialTimeout,
				PoolSize:    redisCfg.PoolSize,
			})
			window = server.NewRedisWindow(client)
			windowClose = client.Close
		}
	default:
		ledger = oauth.NewMemoryCodeLedger(oauth.DefaultCodeTTL)
	}

	supervisorOpts := []encoder.Option{
		encoder.WithLogger(logger),
		encoder.WithMetrics(recorder),
	}
	if binary := firstNonEmpty(*ffmpegBinary, os.Getenv("TUBECAST_FFMPEG")); binary != "" {
		supervisorOpts = append(supervisorOpts, encoder.WithBinary(binary))
	}
	if grace := resolveDuration(*gracePeriod, "TUBECAST_ENCODER_GRACE_PERIOD", 0); grace > 0 {
		supervisorOpts = append(supervisorOpts, encoder.WithGracePeriod(grace))
	}
	supervisor := encoder.NewSupervisor(supervisorOpts...)

	provisioner := youtube.NewProvisioner(
		youtube.WithLogger(logger),
		youtube.WithMetrics(recorder),
	)

	orchCfg := session.Config{
		Store:   store,
		Ledger:  ledger,
		Sealer:  sealer,
		YouTube: provisioner,
		Encoder: supervisor,
		Logger:  logger,
		Metrics: recorder,
	}
	if manager != nil {
		orchCfg.Auth = manager
	}
	orch, err := session.New(orchCfg)
	if err != nil {
		logger.Error("failed to initialise orchestrator", "error", err)
		os.Exit(1)
	}

	tlsCertPath := firstNonEmpty(*tlsCert, os.Getenv("TUBECAST_TLS_CERT"))
	tlsKeyPath := firstNonEmpty(*tlsKey, os.Getenv("TUBECAST_TLS_KEY"))
	listenAddr := firstNonEmpty(*addr, os.Getenv("TUBECAST_ADDR"), ":8080")

	srv, err := server.New(orch, store, server.Config{
		Addr: listenAddr,
		TLS:  tlsCertPath != "" && tlsKeyPath != "",
		RateLimit: server.RateLimitConfig{
			GlobalRPS:      resolveFloat(*globalRPS, "TUBECAST_RATE_GLOBAL_RPS"),
			GlobalBurst:    resolveInt(*globalBurst, "TUBECAST_RATE_GLOBAL_BURST"),
			CallbackLimit:  resolveInt(*callbackLimit, "TUBECAST_RATE_CALLBACK_LIMIT"),
			CallbackWindow: resolveDuration(*callbackWindow, "TUBECAST_RATE_CALLBACK_WINDOW", time.Minute),
			TrustProxy:     resolveBool(*trustForwarded, "TUBECAST_RATE_TRUST_FORWARDED_HEADERS"),
			Window:         window,
		},
		CORS:          server.CORSConfig{Origins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("TUBECAST_CORS_ORIGINS")))},
		OperatorToken: firstNonEmpty(*operatorToken, os.Getenv("TUBECAST_OPERATOR_TOKEN")),
		StopTimeout:   resolveDuration(*stopTimeout, "TUBECAST_STOP_TIMEOUT", 0),
		Logger:        logger,
		Metrics:       recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}
	if firstNonEmpty(*operatorToken, os.Getenv("TUBECAST_OPERATOR_TOKEN")) == "" {
		logger.Warn("no operator token configured; mutating routes are unauthenticated")
	}

	shutdown := resolveDuration(*shutdownTimeout, "TUBECAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server:          srv.HTTPServer(),
			TLS:             serverutil.TLSConfig{CertFile: tlsCertPath, KeyFile: tlsKeyPath},
			ShutdownTimeout: shutdown,
			OnShutdown:      []func(){srv.CloseStreams},
			Logger:          logger,
			OnListen: func(addr net.Addr) {
				logger.Info("tubecast listening", "addr", addr.String(), "tls", tlsCertPath != "")
				logger.Info("metrics endpoint available", "path", "/metrics")
			},
		})
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutting down")
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdown)
		defer cancel()
		return orch.Close(closeCtx)
	})

	runErr := group.Wait()
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}
	if runErr != nil {
		logger.Error("server error", "error", runErr)
	}

	closeCtx, cancel := context.WithTimeout(context.Background(), shutdown)
	defer cancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}
	for name, closer := range map[string]func() error{"code ledger": ledgerClose, "rate limit store": windowClose} {
		if closer == nil {
			continue
		}
		if err := closer(); err != nil {
			logger.Warn("failed to close redis client", "client", name, "error", err)
		}
	}

	logger.Info("server stopped")
	if runErr != nil {
		cancel()
		os.Exit(1)
	}
}

// loadDotEnv reads path into the environment without overriding variables
// that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	return nil
}

type storeConfig struct {
	Driver          string
	DataPath        string
	PostgresDSN     string
	LogRetention    int
	MaxConns        int
	MinConns        int
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
	Logger          *slog.Logger
}

func openStore(cfg storeConfig) (storage.Repository, string, error) {
	driver := resolveStorageDriver(cfg.Driver, cfg.PostgresDSN)
	options := []storage.Option{storage.WithLogger(cfg.Logger), storage.WithLogRetention(resolveLogRetention(driver, cfg.LogRetention))}
	switch driver {
	case "json":
		store, err := storage.NewJSONRepository(cfg.DataPath, options...)
		return store, driver, err
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, driver, fmt.Errorf("postgres storage selected without DSN")
		}
		if cfg.MaxConns > 0 || cfg.MinConns > 0 {
			options = append(options, storage.WithPostgresPoolLimits(int32(cfg.MaxConns), int32(cfg.MinConns)))
		}
		if cfg.MaxConnLifetime > 0 || cfg.MaxConnIdle > 0 || cfg.HealthInterval > 0 {
			options = append(options, storage.WithPostgresPoolDurations(cfg.MaxConnLifetime, cfg.MaxConnIdle, cfg.HealthInterval))
		}
		if cfg.AcquireTimeout > 0 {
			options = append(options, storage.WithPostgresAcquireTimeout(cfg.AcquireTimeout))
		}
		if cfg.ApplicationName != "" {
			options = append(options, storage.WithPostgresApplicationName(cfg.ApplicationName))
		}
		store, err := storage.NewPostgresRepository(cfg.PostgresDSN, options...)
		return store, driver, err
	default:
		return nil, driver, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

// defaultJSONLogRetention bounds the JSON file, which is rewritten whole on
// every appended log row.
const defaultJSONLogRetention = 5000

// resolveLogRetention applies the driver default when no retention was
// configured. Negative values keep every row.
func resolveLogRetention(driver string, configured int) int {
	switch {
	case configured < 0:
		return 0
	case configured > 0:
		return configured
	case driver == "json":
		return defaultJSONLogRetention
	default:
		return 0
	}
}

// resolveStorageDriver picks postgres when a DSN is configured and no driver
// was named, and the JSON file otherwise.
func resolveStorageDriver(value, postgresDSN string) string {
	if driver := strings.ToLower(strings.TrimSpace(value)); driver != "" {
		return driver
	}
	if strings.TrimSpace(postgresDSN) != "" {
		return "postgres"
	}
	return "json"
}

func resolveLedgerDriver(value string, cfg oauth.RedisLedgerConfig) (string, error) {
	driver := strings.ToLower(strings.TrimSpace(value))
	if driver == "" {
		if firstRedisAddr(cfg) != "" {
			return "redis", nil
		}
		return "memory", nil
	}
	switch driver {
	case "memory":
		return driver, nil
	case "redis":
		if firstRedisAddr(cfg) == "" {
			return "", fmt.Errorf("redis code ledger selected without an address")
		}
		return driver, nil
	default:
		return "", fmt.Errorf("unsupported code ledger %q", driver)
	}
}

func firstRedisAddr(cfg oauth.RedisLedgerConfig) string {
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		return addr
	}
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveDataPath(flagValue, envValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := strings.TrimSpace(envValue); env != "" {
		return env
	}
	return "data/tubecast.json"
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("TUBECAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// fromEnv returns flagValue when the flag was set, otherwise the parsed
// value of envKey, otherwise fallback. Unparseable env values are ignored.
func fromEnv[T comparable](flagValue T, envKey string, parse func(string) (T, error), fallback T) T {
	var zero T
	if flagValue != zero {
		return flagValue
	}
	if raw := strings.TrimSpace(os.Getenv(envKey)); raw != "" {
		if value, err := parse(raw); err == nil {
			return value
		}
	}
	return fallback
}

func resolveFloat(flagValue float64, envKey string) float64 {
	return fromEnv(flagValue, envKey, func(raw string) (float64, error) { return strconv.ParseFloat(raw, 64) }, 0)
}

func resolveInt(flagValue int, envKey string) int {
	return fromEnv(flagValue, envKey, strconv.Atoi, 0)
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	return fromEnv(flagValue, envKey, time.ParseDuration, fallback)
}

func resolveBool(flagValue bool, envKey string) bool {
	return fromEnv(flagValue, envKey, strconv.ParseBool, false)
}
