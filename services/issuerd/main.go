package issuerd

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"loyaltymint/observability"
	"loyaltymint/observability/logging"
	telemetry "loyaltymint/observability/otel"
	"loyaltymint/services/issuerd/audit"
	"loyaltymint/services/issuerd/catalog"
	"loyaltymint/services/issuerd/config"
	"loyaltymint/services/issuerd/idempotency"
	"loyaltymint/services/issuerd/issuance"
	"loyaltymint/services/issuerd/ledger"
	"loyaltymint/services/issuerd/middleware"
	"loyaltymint/services/issuerd/ratelimit"
	"loyaltymint/services/issuerd/recon"
	"loyaltymint/services/issuerd/referral"
	"loyaltymint/services/issuerd/server"
	"loyaltymint/services/issuerd/signer"
	"loyaltymint/services/issuerd/store"
)

// Main initialises and runs the issuance daemon.
func Main() error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to issuerd configuration (yaml or toml)")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, logCloser := logging.SetupWithFile("issuerd", cfg.Environment, logging.FileConfig{
		Path:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	})
	defer func() { _ = logCloser.Close() }()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.FromEnv("issuerd", cfg.Environment))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	openCtx, cancelOpen := context.WithTimeout(context.Background(), 15*time.Second)
	st, err := store.Open(openCtx, cfg.Database)
	cancelOpen()
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = st.Close() }()
	db := st.DB()

	limiter, closeLimiter, err := buildLimiter(context.Background(), cfg.RateLimit, db, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	authority, err := signer.FromConfig(cfg.Authority)
	if err != nil {
		return fmt.Errorf("load mint authority: %w", err)
	}
	if authority == nil {
		logger.Warn("mint authority not configured; mint requests will fail until it is set")
	} else {
		logger.Info("mint authority loaded", "public_key", authority.PublicKey().String())
	}

	metrics := observability.Issuerd()
	commitment := rpc.CommitmentType(cfg.Ledger.Commitment)
	node := ledger.NewClient(cfg.Ledger.RPCURL)
	submitter := ledger.NewSubmitter(node, ledger.SubmitterConfig{
		Commitment:     commitment,
		ConfirmTimeout: cfg.Ledger.ConfirmTimeout.Duration,
		PollInterval:   cfg.Ledger.PollInterval.Duration,
		SkipPreflight:  cfg.Ledger.SkipPreflight,
	})

	cat := catalog.New(db)
	idem := idempotency.New(db)
	ref := referral.New(db)
	auditLog := audit.New(db)
	settler := issuance.NewSettler(issuance.SettlerConfig{
		Store:       st,
		Idempotency: idem,
		Referral:    ref,
		Audit:       auditLog,
		Submitter:   submitter,
		Logger:      logger,
		Events:      observability.Events(),
	})
	orch := issuance.New(issuance.Config{
		Catalog:         cat,
		Limiter:         limiter,
		Idempotency:     idem,
		Referral:        ref,
		Tokens:          ledger.NewTokens(node, commitment),
		Builder:         ledger.NewBuilder(ledger.NewProvisioner(node, commitment)),
		Submitter:       submitter,
		Settler:         settler,
		Signer:          authority,
		MaxPerTx:        cfg.MaxPerTxDecimal(),
		PerMinute:       cfg.Limits.PerMinute,
		PerDay:          cfg.Limits.PerDay,
		ReferralBonus:   cfg.ReferralBonusDecimal(),
		StaleClaimAfter: cfg.Idempotency.StaleClaimAfter.Duration,
		ConfirmTimeout:  cfg.Ledger.ConfirmTimeout.Duration,
		Logger:          logger,
		Metrics:         metrics,
	})

	api := server.New(server.Config{
		Minter:   orch,
		Catalog:  cat,
		Referral: ref,
		Audit:    auditLog,
		Health:   st,
		EdgeRate: middleware.RateLimit{
			RequestsPerMinute: cfg.Edge.RequestsPerMinute,
			Burst:             cfg.Edge.Burst,
		},
		Logger:      logger,
		Metrics:     metrics,
		LogRequests: true,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Mint requests may wait for ledger confirmation.
		WriteTimeout: cfg.Ledger.ConfirmTimeout.Duration + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reconDone := make(chan struct{})
	if cfg.Reconcile.Disabled {
		close(reconDone)
	} else {
		minAge := cfg.Reconcile.MinAge.Duration
		if minAge <= 0 {
			minAge = cfg.Ledger.ConfirmTimeout.Duration
		}
		scheduler := recon.NewScheduler(recon.SchedulerConfig{
			Reconciler: recon.New(recon.Config{
				Settler: settler,
				MinAge:  minAge,
				Logger:  logger,
				Metrics: metrics,
			}),
			Interval: cfg.Reconcile.Interval.Duration,
			Logger:   logger,
		})
		go func() {
			defer close(reconDone)
			scheduler.Start(stopCtx)
		}()
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("issuerd listening", "address", cfg.ListenAddress, "rate_limit_backend", cfg.RateLimit.Backend)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Ledger.ConfirmTimeout.Duration+10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-reconDone
		if err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		stop()
		<-reconDone
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func buildLimiter(ctx context.Context, cfg config.RateLimitConfig, db *gorm.DB, logger *slog.Logger) (ratelimit.Limiter, func(), error) {
	if cfg.Backend != config.BackendRedis {
		return ratelimit.NewDatabaseLimiter(db), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info("rate limit windows stored in redis", "addr", cfg.Redis.Addr)
	return ratelimit.NewRedisLimiter(client, cfg.Redis.KeyPrefix), func() { _ = client.Close() }, nil
}
