package gateway

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/basket/querygate/internal/config"
	"github.com/basket/querygate/internal/otel"
)

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter enforces per-client request rates. Clients are keyed by bearer
// token, falling back to the remote IP.
type RateLimiter struct {
	limit   rate.Limit
	burst   int
	enabled bool
	metrics *otel.Metrics
	now     func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

// NewRateLimiter creates a limiter from config. A non-positive rate disables
// limiting.
func NewRateLimiter(cfg config.RateLimitConfig, metrics *otel.Metrics) *RateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(cfg.RequestsPerSecond),
		burst:    burst,
		enabled:  cfg.RequestsPerSecond > 0,
		metrics:  metrics,
		now:      time.Now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether a request for key may proceed and consumes a token if so.
func (rl *RateLimiter) Allow(key string) bool {
	if !rl.enabled {
		return true
	}
	now := rl.now()
	rl.mu.Lock()
	e, ok := rl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.limiters[key] = e
	}
	e.lastAccess = now
	rl.mu.Unlock()
	return e.limiter.AllowN(now, 1)
}

// StartEviction periodically removes limiters idle for longer than maxAge.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes limiters that haven't been used within maxAge.
func (rl *RateLimiter) EvictStale(maxAge time.Duration) int {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, e := range rl.limiters {
		if e.lastAccess.Before(cutoff) {
			delete(rl.limiters, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("rate limiter eviction", "evicted", evicted, "remaining", len(rl.limiters))
	}
	return evicted
}

// Len returns the number of tracked limiters.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Wrap wraps an http.Handler with rate limiting. Health checks are exempt.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		key := bearerToken(r)
		if key == "" {
			key = clientIP(r)
		}
		if !rl.Allow(key) {
			rl.metrics.RecordRateLimitReject(r.Context())
			w.Header().Set("Retry-After", "1")
			http.Error(w, `{"error":"rate limit exceeded"}`, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
