package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveOperationCountsByResult(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.ObserveOperation("add", "ok", 3*time.Millisecond)
	m.ObserveOperation("add", "ok", time.Millisecond)
	m.ObserveOperation("add", "timeout", time.Second)

	if got := testutil.ToFloat64(m.Operations.WithLabelValues("add", "ok")); got != 2 {
		t.Fatalf("add/ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Operations.WithLabelValues("add", "timeout")); got != 1 {
		t.Fatalf("add/timeout = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.OperationDuration); n != 1 {
		t.Fatalf("duration series = %d, want 1", n)
	}
}

func TestNewMetricsOnSeparateRegistries(t *testing.T) {
	// Registering twice on one registry panics; separate registries must not.
	a := NewMetrics("dup", prometheus.NewRegistry())
	b := NewMetrics("dup", prometheus.NewRegistry())
	a.Evictions.Add(2)
	if got := testutil.ToFloat64(b.Evictions); got != 0 {
		t.Fatalf("independent registry evictions = %v, want 0", got)
	}
}
