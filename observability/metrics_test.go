package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIssuerdMetricsNilSafe(t *testing.T) {
	var m *IssuerdMetrics
	m.RecordMint("standard", "ok")
	m.RecordReplay()
	m.RecordRateLimited("1m")
	m.ObserveSubmit("confirmed", time.Second)
	m.SetPending(3)
	m.RecordReconciled("confirmed")
	m.RecordRedemption()

	var e *EventMetrics
	e.RecordSettled("standard", 2)
	e.RecordReferralCredit("cafe")
}

func TestIssuerdMetricsLabels(t *testing.T) {
	m := Issuerd()
	before := testutil.ToFloat64(m.mints.WithLabelValues("referred_signup", "ok"))
	m.RecordMint(" Referred_Signup ", "OK")
	if got := testutil.ToFloat64(m.mints.WithLabelValues("referred_signup", "ok")); got != before+1 {
		t.Fatalf("expected normalised labels to be counted, got %v", got-before)
	}
	m.SetPending(4)
	if got := testutil.ToFloat64(m.pendingSettlement); got != 4 {
		t.Fatalf("pending gauge = %v", got)
	}
}

func TestEventMetricsCountLegs(t *testing.T) {
	e := Events()
	before := testutil.ToFloat64(e.legs.WithLabelValues("referred_signup"))
	e.RecordSettled("referred_signup", 2)
	e.RecordSettled("referred_signup", 0)
	if got := testutil.ToFloat64(e.legs.WithLabelValues("referred_signup")); got != before+2 {
		t.Fatalf("expected two legs, got %v", got-before)
	}
	creditsBefore := testutil.ToFloat64(e.credits.WithLabelValues("unknown"))
	e.RecordReferralCredit("  ")
	if got := testutil.ToFloat64(e.credits.WithLabelValues("unknown")); got != creditsBefore+1 {
		t.Fatalf("blank business should count as unknown")
	}
}
