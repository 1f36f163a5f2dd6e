package server

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"tubecast/internal/observability/logging"
	"tubecast/internal/observability/metrics"
	"tubecast/internal/storage"
)

// DefaultStopTimeout bounds how long POST /api/stream/stop waits for the
// encoder to exit.
const DefaultStopTimeout = 15 * time.Second

type Config struct {
	Addr          string
	TLS           bool
	RateLimit     RateLimitConfig
	CORS          CORSConfig
	OperatorToken string
	StopTimeout   time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	// MemoryProbe replaces the host memory reading used by /healthz.
	MemoryProbe MemoryProbe
}

type Server struct {
	httpServer  *http.Server
	router      *mux.Router
	orch        Orchestrator
	store       storage.Repository
	logger      *slog.Logger
	metrics     *metrics.Recorder
	upgrader    websocket.Upgrader
	memoryProbe MemoryProbe
	stopTimeout time.Duration

	streamsMu sync.Mutex
	streams   map[*websocket.Conn]struct{}
}

// New wires routes and middleware around orch. store backs the durable log
// and session history queries and the health check.
func New(orch Orchestrator, store storage.Repository, cfg Config) (*Server, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	logger := logging.WithComponent(cfg.Logger, "http")
	policy, err := newOriginPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	s := &Server{
		orch:        orch,
		store:       store,
		logger:      logger,
		metrics:     recorder,
		memoryProbe: cfg.MemoryProbe,
		stopTimeout: cfg.StopTimeout,
		streams:     make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     policy.allows,
		},
	}
	if s.memoryProbe == nil {
		s.memoryProbe = hostMemoryUsage
	}
	if s.stopTimeout <= 0 {
		s.stopTimeout = DefaultStopTimeout
	}
	s.router = s.routes()

	handler := http.Handler(s.router)
	handler = operatorAuthMiddleware(cfg.OperatorToken, handler)
	handler = rateLimitMiddleware(newRateLimiter(cfg.RateLimit), logger, handler)
	handler = corsMiddleware(policy, logger, handler)
	handler = metrics.HTTPMiddleware(recorder, handler)
	handler = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger, QuietPaths: []string{"/healthz", "/metrics"}})(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(logger, nil, handler)

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Stop waits for the encoder, and the log websocket manages its own
		// deadlines.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLS {
		s.httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.health).Methods(http.MethodGet, http.MethodHead)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc(callbackPath, s.oauthCallback).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.state).Methods(http.MethodGet)
	api.HandleFunc("/categories", s.categories).Methods(http.MethodGet)
	api.HandleFunc("/oauth/start", s.oauthStart).Methods(http.MethodGet)
	api.HandleFunc("/identities", s.listIdentities).Methods(http.MethodGet)
	api.HandleFunc("/identities/{name}/use", s.useIdentity).Methods(http.MethodPost)
	api.HandleFunc("/identities/{name}", s.deleteIdentity).Methods(http.MethodDelete)
	api.HandleFunc("/broadcasts", s.listBroadcasts).Methods(http.MethodGet)
	api.HandleFunc("/broadcasts/{id}/recover", s.recoverBroadcast).Methods(http.MethodPost)
	api.HandleFunc("/provision", s.provision).Methods(http.MethodPost)
	api.HandleFunc("/stream-key", s.mintStreamKey).Methods(http.MethodPost)
	api.HandleFunc("/stream-key", s.setStreamKey).Methods(http.MethodPut)
	api.HandleFunc("/video", s.setVideo).Methods(http.MethodPut)
	api.HandleFunc("/stream/start", s.startStream).Methods(http.MethodPost)
	api.HandleFunc("/stream/stop", s.stopStream).Methods(http.MethodPost)
	api.HandleFunc("/logs", s.logs).Methods(http.MethodGet)
	api.HandleFunc("/logs/ws", s.logStream).Methods(http.MethodGet)
	api.HandleFunc("/sessions", s.sessions).Methods(http.MethodGet)

	for _, router := range []*mux.Router{r, api} {
		router.NotFoundHandler = http.HandlerFunc(notFound)
		router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	}
	return r
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// HTTPServer returns the configured server for serverutil.Run.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}
