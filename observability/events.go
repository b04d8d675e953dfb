package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// EventMetrics counts off-ledger state changes applied by settlements.
type EventMetrics struct {
	legs    *prometheus.CounterVec
	credits *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *EventMetrics
)

// Events returns the metrics registry tracking settled issuance events.
func Events() *EventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &EventMetrics{
			legs: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "events",
				Name:      "issuance_legs_total",
				Help:      "Issuance records finalised by confirmed settlements segmented by mode.",
			}, []string{"mode"}),
			credits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "loyalty",
				Subsystem: "events",
				Name:      "referral_credits_total",
				Help:      "Referral counts incremented segmented by business.",
			}, []string{"biz_id"}),
		}
		prometheus.MustRegister(eventRegistry.legs, eventRegistry.credits)
	})
	return eventRegistry
}

// RecordSettled adds the issuance records finalised by one settlement.
func (m *EventMetrics) RecordSettled(mode string, legs int64) {
	if m == nil || legs <= 0 {
		return
	}
	m.legs.WithLabelValues(normaliseLabel(mode)).Add(float64(legs))
}

// RecordReferralCredit counts one referral credited to bizID.
func (m *EventMetrics) RecordReferralCredit(bizID string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(bizID)
	if normalized == "" {
		normalized = "unknown"
	}
	m.credits.WithLabelValues(normalized).Inc()
}
