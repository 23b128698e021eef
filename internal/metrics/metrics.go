// Package metrics exposes Prometheus instrumentation for the pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested    prometheus.Counter
	EventsRejected    prometheus.Counter
	ThreatsDetected   *prometheus.CounterVec
	AnomaliesFlagged  *prometheus.CounterVec
	CorrelationsFired *prometheus.CounterVec
	IncidentsCreated  *prometheus.CounterVec
	IncidentsOpen     prometheus.Gauge
	PlaybookRuns      *prometheus.CounterVec
	ApprovalsPending  prometheus.Gauge
	QueueDepth        prometheus.Gauge
	AnomalyScore      prometheus.Histogram
	DetectLatency     prometheus.Histogram
}

// New creates the metric set on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		EventsIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "siem_events_ingested_total",
			Help: "Events accepted into the pipeline.",
		}),
		EventsRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "siem_events_rejected_total",
			Help: "Events rejected by validation.",
		}),
		ThreatsDetected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_threats_detected_total",
			Help: "Threats emitted by the detector.",
		}, []string{"severity"}),
		AnomaliesFlagged: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_anomalies_flagged_total",
			Help: "Events flagged anomalous by the ensemble scorer.",
		}, []string{"classification"}),
		CorrelationsFired: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_correlations_fired_total",
			Help: "Correlated events emitted per rule.",
		}, []string{"rule_id"}),
		IncidentsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_incidents_created_total",
			Help: "Incidents opened per severity.",
		}, []string{"severity"}),
		IncidentsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "siem_incidents_open",
			Help: "Incidents currently in the open state.",
		}),
		PlaybookRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "siem_playbook_runs_total",
			Help: "Playbook executions per terminal status.",
		}, []string{"status"}),
		ApprovalsPending: factory.NewGauge(prometheus.GaugeOpts{
			Name: "siem_approvals_pending",
			Help: "Actions waiting for operator approval.",
		}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "siem_ingest_queue_depth",
			Help: "Events buffered in the ingest queue.",
		}),
		AnomalyScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "siem_anomaly_score",
			Help:    "Ensemble anomaly scores for all scored events.",
			Buckets: prometheus.LinearBuckets(0, 10, 11),
		}),
		DetectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "siem_event_processing_seconds",
			Help:    "End to end per-event pipeline latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Handler returns an HTTP handler serving the metric set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
