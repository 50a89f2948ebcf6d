package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the pipeline.
//
// Metrics:
//   - anchorflow_pipeline_events_submitted_total
//   - anchorflow_pipeline_events_dropped_total{reason}
//   - anchorflow_pipeline_events_processed_total{result}
//   - anchorflow_pipeline_retries_total
//   - anchorflow_pipeline_correlations_total{pattern}
//   - anchorflow_pipeline_anchors_total
//   - anchorflow_pipeline_stage_duration_seconds{stage}
//   - anchorflow_pipeline_queue_depth
//   - anchorflow_pipeline_in_flight
//   - anchorflow_engine_confidence_threshold
type Metrics struct {
	Submitted           prometheus.Counter
	Dropped             *prometheus.CounterVec
	Processed           *prometheus.CounterVec
	Retries             prometheus.Counter
	Correlations        *prometheus.CounterVec
	Anchors             prometheus.Counter
	StageDuration       *prometheus.HistogramVec
	QueueDepth          prometheus.Gauge
	InFlight            prometheus.Gauge
	ConfidenceThreshold prometheus.Gauge
}

// NewMetrics registers the pipeline metrics with reg. A nil reg gets a
// private registry so several pipelines can coexist in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Submitted: f.NewCounter(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_events_submitted_total",
			Help: "Total number of events accepted into the pipeline queue",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_events_dropped_total",
			Help: "Total number of events dropped before processing",
		}, []string{"reason"}), // "queue_full" or "shutdown"
		Processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_events_processed_total",
			Help: "Total number of events that reached a terminal stage",
		}, []string{"result"}),
		Retries: f.NewCounter(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_retries_total",
			Help: "Total number of stage retries",
		}),
		Correlations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_correlations_total",
			Help: "Total number of accepted correlations by pattern type",
		}, []string{"pattern"}),
		Anchors: f.NewCounter(prometheus.CounterOpts{
			Name: "anchorflow_pipeline_anchors_total",
			Help: "Total number of memory anchors persisted",
		}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "anchorflow_pipeline_stage_duration_seconds",
			Help:    "Duration of pipeline stages in seconds",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
		}, []string{"stage"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "anchorflow_pipeline_queue_depth",
			Help: "Current number of queued events",
		}),
		InFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "anchorflow_pipeline_in_flight",
			Help: "Current number of events being processed by workers",
		}),
		ConfidenceThreshold: f.NewGauge(prometheus.GaugeOpts{
			Name: "anchorflow_engine_confidence_threshold",
			Help: "Current adaptive confidence threshold",
		}),
	}
}
