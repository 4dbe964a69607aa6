package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the settlement service
type Metrics struct {
	registry *prometheus.Registry

	EventsProcessed  *prometheus.CounterVec
	OrphanedPayments prometheus.Counter
	RetryAttempts    *prometheus.CounterVec
	RetryQueueDepth  prometheus.Gauge
	BreakerState     *prometheus.GaugeVec
	SyncedBlock      prometheus.Gauge
	RPCRequests      *prometheus.CounterVec
}

// New creates and registers all collectors on a dedicated registry
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_events_processed_total",
			Help: "Payment events processed, by outcome",
		}, []string{"outcome"}),
		OrphanedPayments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "settlement_orphaned_payments_total",
			Help: "Payments observed with no matching order",
		}),
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_retry_attempts_total",
			Help: "Retry queue execution attempts, by result",
		}, []string{"result"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_retry_queue_depth",
			Help: "Pending operations in the retry queue",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_circuit_breaker_state",
			Help: "Circuit breaker state per dependency (0=closed, 0.5=half-open, 1=open)",
		}, []string{"dependency"}),
		SyncedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "settlement_last_synced_block",
			Help: "Last fully processed chain block",
		}),
		RPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_rpc_requests_total",
			Help: "Chain RPC requests, by method and result",
		}, []string{"method", "result"}),
	}

	registry.MustRegister(
		m.EventsProcessed,
		m.OrphanedPayments,
		m.RetryAttempts,
		m.RetryQueueDepth,
		m.BreakerState,
		m.SyncedBlock,
		m.RPCRequests,
	)

	return m
}

// Handler returns the HTTP handler exposing the registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
