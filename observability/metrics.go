package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type billingMetrics struct {
	operations *prometheus.CounterVec
	payments   *prometheus.CounterVec
}

type rpcMetrics struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	billingMetricsOnce sync.Once
	billingRegistry    *billingMetrics

	rpcMetricsOnce sync.Once
	rpcRegistry    *rpcMetrics
)

// BillingMetrics returns the lazily-initialised ledger metrics registry.
func BillingMetrics() *billingMetrics {
	billingMetricsOnce.Do(func() {
		billingRegistry = &billingMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subpay",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			payments: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subpay",
				Subsystem: "ledger",
				Name:      "payments_total",
				Help:      "Total settled subscription payments segmented by token.",
			}, []string{"token"}),
		}
		prometheus.MustRegister(billingRegistry.operations, billingRegistry.payments)
	})
	return billingRegistry
}

// ObserveOperation records the outcome of a ledger operation.
func (m *billingMetrics) ObserveOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObservePayment records a settled payment for the given token.
func (m *billingMetrics) ObservePayment(token string) {
	if m == nil || token == "" {
		return
	}
	m.payments.WithLabelValues(token).Inc()
}

// RPCMetrics returns the lazily-initialised JSON-RPC metrics registry.
func RPCMetrics() *rpcMetrics {
	rpcMetricsOnce.Do(func() {
		rpcRegistry = &rpcMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "subpay",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Total JSON-RPC requests segmented by method and outcome.",
			}, []string{"method", "outcome"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "subpay",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for JSON-RPC handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(rpcRegistry.requests, rpcRegistry.latency)
	})
	return rpcRegistry
}

// ObserveRequest records one JSON-RPC request.
func (m *rpcMetrics) ObserveRequest(method, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.latency.WithLabelValues(method).Observe(seconds)
}
