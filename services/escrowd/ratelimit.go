package escrowd

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"opticgov/observability/metrics"
)

// RateLimit configures the token bucket applied per caller.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles write requests per authenticated caller, falling back
// to the client address for anonymous requests.
type RateLimiter struct {
	cfg      RateLimit
	mu       sync.Mutex
	visitors map[string]*rateEntry
	idleTTL  time.Duration
	clockNow func() time.Time
	metrics  *metrics.HTTPMetrics
}

// NewRateLimiter returns a limiter with the supplied bucket settings.
func NewRateLimiter(cfg RateLimit, m *metrics.HTTPMetrics) *RateLimiter {
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return &RateLimiter{
		cfg:      cfg,
		visitors: make(map[string]*rateEntry),
		idleTTL:  10 * time.Minute,
		clockNow: time.Now,
		metrics:  m,
	}
}

// Middleware enforces the limit for the named route.
func (r *RateLimiter) Middleware(route string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if !r.Allow(visitorID(req)) {
				r.metrics.ObserveRateLimited(route)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", fmt.Errorf("rate limit exceeded"))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

// Allow reports whether the visitor may proceed now.
func (r *RateLimiter) Allow(id string) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evictLocked(now)
	entry, ok := r.visitors[id]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(r.cfg.PerSecond), r.cfg.Burst)}
		r.visitors[id] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (r *RateLimiter) evictLocked(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func visitorID(req *http.Request) string {
	if caller, ok := CallerFromContext(req.Context()); ok {
		return caller.Hex()
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
