package recon

import (
	"context"
	"log/slog"
	"time"
)

// SchedulerConfig configures the reconciliation scheduler.
type SchedulerConfig struct {
	Reconciler *Reconciler
	Interval   time.Duration
	Logger     *slog.Logger
}

// Scheduler executes reconciliation on a fixed cadence.
type Scheduler struct {
	reconciler *Reconciler
	interval   time.Duration
	logger     *slog.Logger
}

// NewScheduler constructs a scheduler with sane defaults.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{reconciler: cfg.Reconciler, interval: interval, logger: logger}
}

// Start runs a pass immediately and then every interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	if s == nil || s.reconciler == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.reconciler.Run(ctx); err != nil {
			s.logger.Error("recon scheduler run failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
