package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Escrow aggregates the engine-facing collectors. Operation names follow the
// public API (create, fund, approve, release, ...) and results are "ok" or
// the error class.
type Escrow struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Webhooks   *prometheus.CounterVec
}

// NewEscrow registers the escrow collectors against the provided registerer.
func NewEscrow(reg prometheus.Registerer) *Escrow {
	factory := promauto.With(reg)
	return &Escrow{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearhold",
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow engine operations by name and result.",
		}, []string{"operation", "result"}),
		Latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clearhold",
			Subsystem: "escrow",
			Name:      "operation_seconds",
			Help:      "Escrow engine operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		Webhooks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clearhold",
			Subsystem: "gateway",
			Name:      "webhook_deliveries_total",
			Help:      "Webhook delivery attempts by outcome.",
		}, []string{"outcome"}),
	}
}

// Observe records one operation outcome.
func (m *Escrow) Observe(operation, result string, seconds float64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, result).Inc()
	m.Latency.WithLabelValues(operation).Observe(seconds)
}
