package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the orchestrator's operational Prometheus metrics.
type Metrics struct {
	RunsTotal      *prometheus.CounterVec
	RunDuration    *prometheus.HistogramVec
	EntitiesTotal  *prometheus.CounterVec
	TriggersDenied *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_sync_runs_total",
			Help: "Connector sync runs by terminal status.",
		}, []string{"connector", "status"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "devpulse_sync_run_duration_seconds",
			Help:    "Wall-clock duration of connector sync runs.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"connector"}),
		EntitiesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_sync_entities_total",
			Help: "Entities upserted by connector and entity type.",
		}, []string{"connector", "entity"}),
		TriggersDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "devpulse_sync_triggers_denied_total",
			Help: "Sync triggers rejected because a run was already in flight.",
		}, []string{"connector"}),
	}
}
