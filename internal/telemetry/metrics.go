// Package telemetry owns the Prometheus metric registry the API layer
// serves at /metrics. Components never import this package; the
// Orchestrator samples their snapshots into the gauges on its health
// cadence, keeping the core read-only from the metrics' point of view.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the core's metric set.
type Metrics struct {
	registry *prometheus.Registry

	OrdersByStatus      *prometheus.GaugeVec
	PositionsByLevel    *prometheus.GaugeVec
	AccountsByState     *prometheus.GaugeVec
	QueueDepth          *prometheus.GaugeVec
	AuditSeq            prometheus.Gauge
	ATRFallbacks        prometheus.Counter
	EventsDropped       prometheus.Gauge
	HealthStatus        *prometheus.GaugeVec
	ReconcileMismatches prometheus.Counter
}

// New constructs and registers the metric set on a private registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.OrdersByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alluse_orders",
		Help: "Tracked orders by lifecycle status.",
	}, []string{"status"})

	m.PositionsByLevel = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alluse_positions_protocol_level",
		Help: "Open positions by protocol escalation level.",
	}, []string{"level"})

	m.AccountsByState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alluse_accounts",
		Help: "Accounts by lifecycle state.",
	}, []string{"state"})

	m.QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alluse_queue_depth",
		Help: "Bounded queue backlog per queue.",
	}, []string{"queue"})

	m.AuditSeq = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alluse_audit_flushed_through",
		Help: "Audit log sequence watermark durably persisted.",
	})

	m.ATRFallbacks = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alluse_atr_fallbacks_total",
		Help: "ATR computations that used the degraded fallback multiplier.",
	})

	m.EventsDropped = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "alluse_events_dropped_total",
		Help: "Events dropped by the bounded event bus.",
	})

	m.HealthStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alluse_component_health",
		Help: "Component health: 1 healthy, 0.5 degraded, 0 error.",
	}, []string{"component"})

	m.ReconcileMismatches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "alluse_reconciliation_mismatches_total",
		Help: "Divergences found between internal and broker state.",
	})

	m.registry.MustRegister(
		m.OrdersByStatus,
		m.PositionsByLevel,
		m.AccountsByState,
		m.QueueDepth,
		m.AuditSeq,
		m.ATRFallbacks,
		m.EventsDropped,
		m.HealthStatus,
		m.ReconcileMismatches,
	)
	return m
}

// Registry exposes the registry to the API layer's /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
