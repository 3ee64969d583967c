package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEscrowMetricsCount(t *testing.T) {
	m := Escrow()
	if Escrow() != m {
		t.Fatalf("expected singleton registry")
	}
	before := testutil.ToFloat64(m.decisions.WithLabelValues("approved"))
	m.ObserveDecision("approved", 0.5)
	if got := testutil.ToFloat64(m.decisions.WithLabelValues("approved")); got != before+1 {
		t.Fatalf("expected approved decisions to increase, got %f", got)
	}
	m.ObserveFailure("release", "")
	if got := testutil.ToFloat64(m.failures.WithLabelValues("release", "internal")); got < 1 {
		t.Fatalf("expected failure recorded, got %f", got)
	}
}

func TestHTTPMetricsDefaults(t *testing.T) {
	m := HTTP()
	m.Observe("", http.MethodGet, 0, time.Millisecond)
	if got := testutil.ToFloat64(m.requests.WithLabelValues("unmatched", http.MethodGet, "200")); got < 1 {
		t.Fatalf("expected default labels applied, got %f", got)
	}
	var nilMetrics *HTTPMetrics
	nilMetrics.Observe("x", "GET", 200, 0)
}
