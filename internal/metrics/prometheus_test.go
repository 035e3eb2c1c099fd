package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	if err != nil {
		t.Fatalf("register collectors: %v", err)
	}

	rec.IncCounter(EventSettlement, map[string]string{"outcome": "ok"})
	rec.IncCounter(EventSettlement, map[string]string{"outcome": "ok"})
	rec.IncCounter(EventSettlement, map[string]string{"outcome": "insufficiency"})
	rec.ObserveLatency(OperationSettleBatch, 20*time.Millisecond, map[string]string{"outcome": "ok"})

	if got := testutil.ToFloat64(rec.counters.WithLabelValues(EventSettlement, "ok")); got != 2 {
		t.Fatalf("expected 2 ok settlements, got %v", got)
	}
	if got := testutil.ToFloat64(rec.counters.WithLabelValues(EventSettlement, "insufficiency")); got != 1 {
		t.Fatalf("expected 1 insufficiency, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.histogram); n != 1 {
		t.Fatalf("expected one histogram series, got %d", n)
	}
}

func TestPrometheusRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewPrometheusRecorder(reg); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if _, err := NewPrometheusRecorder(reg); err == nil {
		t.Fatal("second registration on the same registry should fail")
	}
}
