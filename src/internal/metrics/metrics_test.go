package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Query("udp")
	m.Upstream(time.Millisecond, nil)
	m.BindDecision(PathHTTPS, "none")
	m.Bootstrap("ok")
	if m.Registry() != nil {
		t.Error("expected nil registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.Query("udp")
	m.Query("udp")
	m.Query("tcp")
	m.BindDecision(PathBootstrap, "family mismatch")
	m.Upstream(0, errors.New("boom"))
	m.Upstream(20*time.Millisecond, nil)

	if got := testutil.ToFloat64(m.queries.WithLabelValues("udp")); got != 2 {
		t.Errorf("udp queries = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.bindDecisions.WithLabelValues(PathBootstrap, "family mismatch")); got != 1 {
		t.Errorf("bind decisions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.upstreamErrors); got != 1 {
		t.Errorf("upstream errors = %v, want 1", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Bootstrap("ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `keen_doh_bootstrap_resolutions_total{result="ok"} 1`) {
		t.Errorf("metrics output missing bootstrap counter:\n%s", rec.Body.String())
	}
}
