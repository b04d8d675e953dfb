// Package server exposes the issuerd HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"loyaltymint/observability"
	"loyaltymint/services/issuerd/audit"
	"loyaltymint/services/issuerd/catalog"
	"loyaltymint/services/issuerd/issuance"
	"loyaltymint/services/issuerd/middleware"
	"loyaltymint/services/issuerd/referral"
)

const (
	headerAPIKey         = "x-api-key"
	headerIdempotencyKey = "idempotency-key"
	headerBizOverride    = "x-biz-id"

	maxBodyBytes = 64 << 10
)

// Minter is the part of the orchestrator the API drives.
type Minter interface {
	Mint(ctx context.Context, call issuance.Call) (issuance.Result, error)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Minter   Minter
	Catalog  *catalog.Catalog
	Referral *referral.Engine
	Audit    *audit.Logger
	Health   Pinger
	EdgeRate middleware.RateLimit
	Logger   *slog.Logger
	Metrics  *observability.IssuerdMetrics
	// LogRequests emits an access log line per request.
	LogRequests bool
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	minter   Minter
	catalog  *catalog.Catalog
	referral *referral.Engine
	audit    *audit.Logger
	health   Pinger
	logger   *slog.Logger
	metrics  *observability.IssuerdMetrics

	limiter *middleware.RateLimiter
	obs     *middleware.Observability
	router  http.Handler
}

// New constructs the HTTP router.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	srv := &Server{
		minter:   cfg.Minter,
		catalog:  cfg.Catalog,
		referral: cfg.Referral,
		audit:    cfg.Audit,
		health:   cfg.Health,
		logger:   logger.With("component", "http"),
		metrics:  cfg.Metrics,
		limiter:  middleware.NewRateLimiter(cfg.EdgeRate, logger),
		obs:      middleware.NewObservability(middleware.ObservabilityConfig{ServiceName: "issuerd", LogRequests: cfg.LogRequests}, logger),
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router wrapped in OpenTelemetry
// instrumentation.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.router, "issuerd")
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", s.Healthz)
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.obs.Gatherer()},
		promhttp.HandlerOpts{},
	))

	r.Route("/api", func(api chi.Router) {
		api.Use(s.limiter.Middleware)
		api.Post("/mint", s.Mint)
		api.Post("/redeem-log", s.RedeemLog)
		api.Get("/customer/{wallet}", s.GetCustomer)
		api.Get("/rewards", s.ListRewards)
	})
	return r
}

// Mint issues loyalty tokens for the authenticated business.
func (s *Server) Mint(w http.ResponseWriter, r *http.Request) {
	var body issuance.MintBody
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	req, err := issuance.ParseRequest(body)
	if err != nil {
		s.writeMintError(w, err)
		return
	}
	res, err := s.minter.Mint(r.Context(), issuance.Call{
		APIKey:         r.Header.Get(headerAPIKey),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(headerIdempotencyKey)),
		BizOverride:    r.Header.Get(headerBizOverride),
		Request:        req,
	})
	if err != nil {
		s.writeMintError(w, err)
		return
	}
	resp := map[string]interface{}{"signature": res.Signature}
	if res.Idempotent {
		resp["idempotent"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeMintError(w http.ResponseWriter, err error) {
	status := statusFor(issuance.KindOf(err))
	message := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("mint failed", "error", err)
		message = string(issuance.KindOf(err))
	}
	resp := map[string]interface{}{"error": message}
	var ie *issuance.Error
	if errors.As(err, &ie) && ie.Signature != "" {
		resp["signature"] = ie.Signature
	}
	writeJSON(w, status, resp)
}

func statusFor(kind issuance.Kind) int {
	switch kind {
	case issuance.KindUnauthorized:
		return http.StatusUnauthorized
	case issuance.KindForbidden:
		return http.StatusForbidden
	case issuance.KindInvalidAmount, issuance.KindInvalidRequest, issuance.KindReferralContextMismatch:
		return http.StatusBadRequest
	case issuance.KindRateLimited, issuance.KindThrottled:
		return http.StatusTooManyRequests
	case issuance.KindConflict:
		return http.StatusConflict
	case issuance.KindSubmissionTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Healthz reports whether the database is reachable.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
