package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig bounds request volume. GlobalRPS limits the whole API;
// CallbackLimit caps OAuth callback attempts per client address within
// CallbackWindow. Zero values disable the respective limit.
type RateLimitConfig struct {
	GlobalRPS      float64
	GlobalBurst    int
	CallbackLimit  int
	CallbackWindow time.Duration
	// TrustProxy honours X-Forwarded-For and X-Real-IP when resolving the
	// client address.
	TrustProxy bool
	// Window, when set, shares callback counters between replicas.
	Window WindowStore
}

// WindowStore counts hits per key in fixed windows. RedisWindow implements it.
type WindowStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
}

type rateLimiter struct {
	global         *rate.Limiter
	callbackLimit  int
	callbackWindow time.Duration
	trustProxy     bool
	window         WindowStore
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		callbackLimit:  cfg.CallbackLimit,
		callbackWindow: cfg.CallbackWindow,
		trustProxy:     cfg.TrustProxy,
		window:         cfg.Window,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.callbackLimit < 0 {
		rl.callbackLimit = 0
	}
	if rl.callbackWindow <= 0 {
		rl.callbackWindow = time.Minute
	}
	if rl.window == nil && rl.callbackLimit > 0 {
		rl.window = newMemoryWindow()
	}
	return rl
}

func (r *rateLimiter) allowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

func (r *rateLimiter) allowCallback(ctx context.Context, client string) (bool, time.Duration, error) {
	if r == nil || r.callbackLimit <= 0 {
		return true, 0, nil
	}
	if client == "" {
		client = "unknown"
	}
	return r.window.Allow(ctx, "tubecast:oauth-callback:"+client, r.callbackLimit, r.callbackWindow)
}

func rateLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.allowRequest() {
			writeError(w, http.StatusTooManyRequests, fmt.Errorf("rate limit exceeded"))
			return
		}
		if r.URL.Path == callbackPath {
			allowed, retryAfter, err := rl.allowCallback(r.Context(), clientAddress(r, rl.trustProxy))
			if err != nil {
				requestLogger(r, logger).Error("rate limiter failure", "error", err)
				writeError(w, http.StatusServiceUnavailable, fmt.Errorf("rate limit failure"))
				return
			}
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Round(time.Second).Seconds())))
				}
				writeError(w, http.StatusTooManyRequests, fmt.Errorf("too many authorization attempts"))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func clientAddress(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if trimmed := strings.TrimSpace(first); trimmed != "" {
				return trimmed
			}
		}
		if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// memoryWindow keeps one token bucket per key, refilled at limit per window.
type memoryWindow struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*windowBucket
}

type windowBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newMemoryWindow() *memoryWindow {
	return &memoryWindow{now: time.Now, buckets: make(map[string]*windowBucket)}
}

func (m *memoryWindow) Allow(_ context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := m.now()
	m.mu.Lock()
	bucket, ok := m.buckets[key]
	if !ok {
		every := rate.Every(window / time.Duration(limit))
		bucket = &windowBucket{limiter: rate.NewLimiter(every, limit)}
		m.buckets[key] = bucket
	}
	bucket.lastSeen = now
	cutoff := now.Add(-2 * window)
	for k, b := range m.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(m.buckets, k)
		}
	}
	m.mu.Unlock()

	reservation := bucket.limiter.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}
