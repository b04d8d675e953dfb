// Package recon resolves settlements whose ledger outcome was unknown when the
// originating request gave up waiting.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loyaltymint/observability"
	"loyaltymint/services/issuerd/issuance"
	"loyaltymint/services/issuerd/ledger"
)

// Config captures the dependencies required to construct a Reconciler.
type Config struct {
	Settler *issuance.Settler
	// MinAge skips settlements younger than this; their request may still be
	// waiting for confirmation.
	MinAge    time.Duration
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
	Metrics   *observability.IssuerdMetrics
}

// Report summarises one reconciliation pass.
type Report struct {
	Scanned    int
	Confirmed  int
	Abandoned  int
	Unresolved int
	Errors     int
}

// Reconciler sweeps pending settlements and applies their ledger outcome.
type Reconciler struct {
	settler   *issuance.Settler
	minAge    time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *observability.IssuerdMetrics
}

// New constructs a Reconciler.
func New(cfg Config) *Reconciler {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	return &Reconciler{
		settler:   cfg.Settler,
		minAge:    cfg.MinAge,
		batchSize: batch,
		now:       now,
		logger:    logger.With("component", "recon"),
		metrics:   cfg.Metrics,
	}
}

// Run performs one pass. Per-settlement failures are counted and logged; only
// failing to list settlements is returned as an error.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	var report Report
	due, err := r.settler.Due(ctx, r.now().Add(-r.minAge), r.batchSize)
	if err != nil {
		return report, fmt.Errorf("recon: %w", err)
	}
	for _, pending := range due {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++
		status, err := r.settler.Resolve(ctx, pending)
		if err != nil {
			report.Errors++
			r.metrics.RecordReconciled("error")
			r.logger.Warn("resolve pending settlement", "signature", pending.Signature, "error", err)
			continue
		}
		switch status {
		case ledger.StatusConfirmed:
			report.Confirmed++
		case ledger.StatusFailed, ledger.StatusExpired:
			report.Abandoned++
		default:
			report.Unresolved++
		}
		r.metrics.RecordReconciled(status.String())
	}
	if count, err := r.settler.CountPending(ctx); err == nil {
		r.metrics.SetPending(int(count))
	}
	if report.Scanned > 0 {
		r.logger.Info("reconciliation pass",
			"scanned", report.Scanned,
			"confirmed", report.Confirmed,
			"abandoned", report.Abandoned,
			"unresolved", report.Unresolved,
			"errors", report.Errors,
		)
	}
	return report, nil
}
