// Package middleware holds the HTTP middleware placed in front of the issuerd
// API: a per-client request limiter and request observability.
package middleware

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a token bucket refilled at RequestsPerMinute.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter throttles requests per client IP. It sits in front of the
// per-business issuance limits and only protects the service itself.
type RateLimiter struct {
	logger   *slog.Logger
	limit    RateLimit
	idleTTL  time.Duration
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter constructs a RateLimiter. A non-positive RequestsPerMinute
// disables limiting.
func NewRateLimiter(limit RateLimit, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:   logger.With("component", "edge_ratelimit"),
		limit:    limit,
		idleTTL:  5 * time.Minute,
		visitors: make(map[string]*rateEntry),
		clockNow: time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool {
	return r != nil && r.limit.RequestsPerMinute > 0
}

// Middleware rejects clients that exhausted their bucket with 429.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.Enabled() {
			next.ServeHTTP(w, req)
			return
		}
		identifier := clientID(req)
		if !r.obtainLimiter(identifier).AllowN(r.clockNow(), 1) {
			r.logger.Debug("request throttled", "client", identifier, "path", req.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many requests"})
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) obtainLimiter(id string) *rate.Limiter {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	r.evictIdle(now)
	perSecond := r.limit.RequestsPerMinute / 60.0
	burst := r.limit.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// evictIdle drops visitors not seen for idleTTL. Callers hold r.mu.
func (r *RateLimiter) evictIdle(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idleTTL {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) visitorCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visitors)
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := fwd
		if comma := strings.IndexByte(fwd, ','); comma >= 0 {
			first = fwd[:comma]
		}
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
