package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	issuerMetricsOnce sync.Once
	issuerRegistry    *IssuerdMetrics
)

// IssuerdMetrics wraps collectors tracking loyalty issuance health.
type IssuerdMetrics struct {
	mints             *prometheus.CounterVec
	replays           prometheus.Counter
	rateLimited       *prometheus.CounterVec
	submitLatency     *prometheus.HistogramVec
	pendingSettlement prometheus.Gauge
	reconciled        *prometheus.CounterVec
	redemptions       prometheus.Counter
}

// Issuerd exposes the metrics registry for issuerd.
func Issuerd() *IssuerdMetrics {
	issuerMetricsOnce.Do(func() {
		issuerRegistry = &IssuerdMetrics{
			mints: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "mint_requests_total",
				Help:      "Mint requests segmented by issuance mode and outcome.",
			}, []string{"mode", "outcome"}),
			replays: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "idempotent_replays_total",
				Help:      "Mint requests answered from a previously recorded signature.",
			}),
			rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "rate_limited_total",
				Help:      "Mint requests rejected by a per-business window.",
			}, []string{"window"}),
			submitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "ledger_submit_seconds",
				Help:      "Time from broadcast to a terminal ledger answer.",
				Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
			}, []string{"result"}),
			pendingSettlement: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "pending_settlements",
				Help:      "Broadcast transactions whose outcome has not been recorded yet.",
			}),
			reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "reconciled_total",
				Help:      "Pending settlements resolved by the reconciler segmented by outcome.",
			}, []string{"outcome"}),
			redemptions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "issuerd",
				Name:      "redemptions_logged_total",
				Help:      "Redemption events written to the audit log.",
			}),
		}
		prometheus.MustRegister(
			issuerRegistry.mints,
			issuerRegistry.replays,
			issuerRegistry.rateLimited,
			issuerRegistry.submitLatency,
			issuerRegistry.pendingSettlement,
			issuerRegistry.reconciled,
			issuerRegistry.redemptions,
		)
	})
	return issuerRegistry
}

// RecordMint counts a finished mint request.
func (m *IssuerdMetrics) RecordMint(mode, outcome string) {
	if m == nil {
		return
	}
	m.mints.WithLabelValues(normaliseLabel(mode), normaliseLabel(outcome)).Inc()
}

// RecordReplay counts a request served from the idempotency store.
func (m *IssuerdMetrics) RecordReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// RecordRateLimited counts a rejection for the named window.
func (m *IssuerdMetrics) RecordRateLimited(window string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(normaliseLabel(window)).Inc()
}

// ObserveSubmit records how long the ledger took to answer a broadcast.
func (m *IssuerdMetrics) ObserveSubmit(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.submitLatency.WithLabelValues(normaliseLabel(result)).Observe(d.Seconds())
}

// SetPending publishes the number of unsettled broadcasts.
func (m *IssuerdMetrics) SetPending(count int) {
	if m == nil {
		return
	}
	if count < 0 {
		count = 0
	}
	m.pendingSettlement.Set(float64(count))
}

// RecordReconciled counts a reconciler decision.
func (m *IssuerdMetrics) RecordReconciled(outcome string) {
	if m == nil {
		return
	}
	m.reconciled.WithLabelValues(normaliseLabel(outcome)).Inc()
}

// RecordRedemption counts a redemption audit write.
func (m *IssuerdMetrics) RecordRedemption() {
	if m == nil {
		return
	}
	m.redemptions.Inc()
}

func normaliseLabel(value string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
