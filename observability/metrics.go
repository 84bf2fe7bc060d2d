// Package observability holds the Prometheus instruments used by the history service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	Operations        *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	Evictions         prometheus.Counter
	Recoveries        prometheus.Counter
	ChatRequests      *prometheus.CounterVec
}

// NewMetrics registers the instruments with reg. A nil reg uses the default registerer.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_operations_total",
			Help:      "History manager operations by type and result.",
		}, []string{"op", "result"}),
		OperationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "history_operation_duration_seconds",
			Help:      "History manager operation latency in seconds.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"op"}),
		Evictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_evictions_total",
			Help:      "Records evicted to respect max_history.",
		}),
		Recoveries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_recoveries_total",
			Help:      "Index repairs made while reconciling a scope with its journal.",
		}),
		ChatRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_requests_total",
			Help:      "Chat requests by kind (temporal, augmented, plain) and result.",
		}, []string{"kind", "result"}),
	}
}

// ObserveOperation records one history operation.
func (m *Metrics) ObserveOperation(op, result string, d time.Duration) {
	m.Operations.WithLabelValues(op, result).Inc()
	m.OperationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// Handler serves the metrics gathered by g. A nil g uses the default gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
