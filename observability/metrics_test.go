package observability

import (
	"math/big"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEscrowMetricsRecordsOperationsAndVolume(t *testing.T) {
	m := EscrowMetrics()
	if m != EscrowMetrics() {
		t.Fatalf("expected singleton registry")
	}
	before := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "validation"))
	m.ObserveOperation("deposit", "validation", 2*time.Millisecond)
	if got := testutil.ToFloat64(m.operations.WithLabelValues("deposit", "validation")); got != before+1 {
		t.Fatalf("operations counter = %v, want %v", got, before+1)
	}

	settledBefore := testutil.ToFloat64(m.settled.WithLabelValues("USDX"))
	m.RecordSettlement("USDX", big.NewInt(250))
	m.RecordSettlement("USDX", big.NewInt(-5))
	if got := testutil.ToFloat64(m.settled.WithLabelValues("USDX")); got != settledBefore+250 {
		t.Fatalf("settled = %v, want %v", got, settledBefore+250)
	}

	m.SetSplitCount("released", 7)
	if got := testutil.ToFloat64(m.splits.WithLabelValues("released")); got != 7 {
		t.Fatalf("split gauge = %v", got)
	}
}

func TestModuleMetricsObserve(t *testing.T) {
	m := ModuleMetrics()
	m.Observe("escrow", "escrow_deposit", 0, time.Millisecond)
	m.Observe("escrow", "escrow_deposit", -32021, time.Millisecond)
	if got := testutil.ToFloat64(m.errors.WithLabelValues("escrow", "escrow_deposit", "-32021")); got < 1 {
		t.Fatalf("expected error counter, got %v", got)
	}
	m.RecordThrottle("", "")
	if got := testutil.ToFloat64(m.throttles.WithLabelValues("unknown", "unspecified")); got < 1 {
		t.Fatalf("expected throttle counter, got %v", got)
	}
}

func TestEventMetrics(t *testing.T) {
	m := Events()
	before := testutil.ToFloat64(m.published.WithLabelValues("split.created"))
	m.RecordPublished(" Split.Created ")
	if got := testutil.ToFloat64(m.published.WithLabelValues("split.created")); got != before+1 {
		t.Fatalf("published = %v", got)
	}
	var nilMetrics *eventMetrics
	nilMetrics.RecordPublished("x")
	nilMetrics.RecordDropped()
}

func TestBigToFloat(t *testing.T) {
	if bigToFloat(nil) != 0 {
		t.Fatalf("nil should map to zero")
	}
	if got := bigToFloat(big.NewInt(42)); got != 42 {
		t.Fatalf("got %v", got)
	}
}
