package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilReceiverIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest(OutcomeSuccess)
	m.ObserveLimiterWait(time.Second)
	m.UnitDone(UnitCompleted)
	m.ChunkWritten(10)
	m.Failure("api-failure", "error")
	if m.Registry() != nil {
		t.Fatalf("expected nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.ObserveRequest(OutcomeRetry)
	m.ObserveRequest(OutcomeRetry)
	m.ObserveRequest(OutcomeSuccess)
	m.ChunkWritten(7)
	m.ChunkWritten(3)
	m.Failure("diff-parse-failure", "warning")

	if got := testutil.ToFloat64(m.requests.WithLabelValues(OutcomeRetry)); got != 2 {
		t.Fatalf("retry count: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.rows); got != 10 {
		t.Fatalf("rows: got %v want 10", got)
	}
	if got := testutil.ToFloat64(m.chunks); got != 2 {
		t.Fatalf("chunks: got %v want 2", got)
	}
	if got := testutil.ToFloat64(m.failures.WithLabelValues("diff-parse-failure", "warning")); got != 1 {
		t.Fatalf("failures: got %v want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.UnitDone(UnitCompleted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if rec.Code != 200 {
		t.Fatalf("status: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `commitharvest_units_total{status="completed"} 1`) {
		t.Fatalf("unexpected exposition:\n%s", rec.Body.String())
	}
}
