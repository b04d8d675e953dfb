package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/mint", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("expected first request to succeed, got %d", res.Code)
	}

	res = httptest.NewRecorder()
	handler.ServeHTTP(res, req)
	if res.Code != http.StatusTooManyRequests {
		t.Fatalf("expected second request to be rate limited, got %d", res.Code)
	}
	require.JSONEq(t, `{"error":"too many requests"}`, res.Body.String())
}

func TestRateLimiterSeparatesClients(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 1}, nil)
	handler := limiter.Middleware(okHandler())

	first := httptest.NewRequest(http.MethodPost, "/api/mint", nil)
	first.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	second := httptest.NewRequest(http.MethodPost, "/api/mint", nil)
	second.Header.Set("X-Real-IP", "198.51.100.4")

	for _, req := range []*http.Request{first, second} {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, req)
		require.Equal(t, http.StatusOK, res.Code)
	}
	require.Equal(t, 2, limiter.visitorCount())
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{}, nil)
	require.False(t, limiter.Enabled())
	handler := limiter.Middleware(okHandler())
	for i := 0; i < 10; i++ {
		res := httptest.NewRecorder()
		handler.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		require.Equal(t, http.StatusOK, res.Code)
	}
	require.Zero(t, limiter.visitorCount())
}

func TestRateLimiterEvictsIdleVisitors(t *testing.T) {
	limiter := NewRateLimiter(RateLimit{RequestsPerMinute: 60, Burst: 5}, nil)
	now := time.Now()
	limiter.clockNow = func() time.Time { return now }
	limiter.obtainLimiter("a")
	limiter.obtainLimiter("b")
	require.Equal(t, 2, limiter.visitorCount())

	now = now.Add(10 * time.Minute)
	limiter.obtainLimiter("c")
	require.Equal(t, 1, limiter.visitorCount())
}

func TestClientIDFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:43210"
	require.Equal(t, "192.0.2.10", clientID(req))
	req.RemoteAddr = "not-a-host-port"
	require.Equal(t, "not-a-host-port", clientID(req))
}

func TestObservabilityRecordsRoutePattern(t *testing.T) {
	obs := NewObservability(ObservabilityConfig{}, nil)
	router := chi.NewRouter()
	router.Use(obs.Middleware)
	router.Get("/api/customer/{wallet}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, wallet := range []string{"one", "two"} {
		res := httptest.NewRecorder()
		router.ServeHTTP(res, httptest.NewRequest(http.MethodGet, "/api/customer/"+wallet, nil))
		require.Equal(t, http.StatusNotFound, res.Code)
	}

	require.Equal(t, float64(2), testutil.ToFloat64(obs.requests.WithLabelValues("/api/customer/{wallet}", http.MethodGet, "404")))
	families, err := obs.Gatherer().Gather()
	require.NoError(t, err)
	var names []string
	for _, family := range families {
		names = append(names, family.GetName())
	}
	require.Contains(t, strings.Join(names, ","), "issuerd_http_request_duration_seconds")
}
