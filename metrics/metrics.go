// Package metrics exports service metrics in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors for the engines.
type Metrics struct {
	registry *prometheus.Registry

	GenerationsStarted   *prometheus.CounterVec
	GenerationsCompleted *prometheus.CounterVec
	GenerationsFailed    *prometheus.CounterVec
	GenerationCostUSD    prometheus.Counter
	PendingGenerations   prometheus.Gauge

	MatchesCreated   prometheus.Counter
	MatchesConnected prometheus.Counter
	MatchesRejected  prometheus.Counter

	OutboundSends prometheus.Counter
}

// New creates and registers the service collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		GenerationsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmatch_generations_started_total",
			Help: "Generations transitioned to started, by task kind.",
		}, []string{"kind"}),
		GenerationsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmatch_generations_completed_total",
			Help: "Generations completed successfully, by task kind.",
		}, []string{"kind"}),
		GenerationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "devmatch_generations_failed_total",
			Help: "Generations that ended in failure, by task kind.",
		}, []string{"kind"}),
		GenerationCostUSD: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmatch_generation_cost_usd_total",
			Help: "Accumulated language-model spend in USD.",
		}),
		PendingGenerations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "devmatch_pending_generations",
			Help: "Generations currently waiting in the queue.",
		}),
		MatchesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmatch_matches_created_total",
			Help: "Match pairs created by the matching engine.",
		}),
		MatchesConnected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmatch_matches_connected_total",
			Help: "Matches where both parties accepted.",
		}),
		MatchesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmatch_matches_rejected_total",
			Help: "Matches rejected by either party.",
		}),
		OutboundSends: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "devmatch_outbound_sends_total",
			Help: "Messages sent to users.",
		}),
	}

	registry.MustRegister(
		m.GenerationsStarted,
		m.GenerationsCompleted,
		m.GenerationsFailed,
		m.GenerationCostUSD,
		m.PendingGenerations,
		m.MatchesCreated,
		m.MatchesConnected,
		m.MatchesRejected,
		m.OutboundSends,
	)
	return m
}

// Handler serves the registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
