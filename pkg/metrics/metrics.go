// Package metrics exposes pipeline counters and latency histograms on a
// process-local prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every instrument the pipeline records. Each process owns one
// instance with its own registry.
type Metrics struct {
	registry *prometheus.Registry

	WebhooksAccepted prometheus.Counter
	WebhooksRejected prometheus.Counter
	// TasksDropped counts enqueues abandoned after the 50 ms budget,
	// labeled by pool.
	TasksDropped *prometheus.CounterVec

	EventsShaped  prometheus.Counter
	EventsDeduped prometheus.Counter

	RunsCreated  prometheus.Counter
	RunsFinished *prometheus.CounterVec

	WebhookLatency    prometheus.Histogram
	ShapeMatchLatency prometheus.Histogram
	RunLatency        prometheus.Histogram

	QueueDepth *prometheus.GaugeVec
}

// New creates a Metrics instance backed by a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		WebhooksAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_webhooks_accepted_total",
			Help: "Webhook deliveries acknowledged with 202.",
		}),
		WebhooksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_webhooks_rejected_total",
			Help: "Webhook deliveries rejected as malformed.",
		}),
		TasksDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_tasks_dropped_total",
			Help: "Tasks dropped because a worker pool stayed full past the enqueue budget.",
		}, []string{"pool"}),

		EventsShaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_events_shaped_total",
			Help: "Semantic events persisted by the shaper.",
		}),
		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_events_deduplicated_total",
			Help: "Candidate events suppressed by the dedup layer.",
		}),

		RunsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "cortex_runs_created_total",
			Help: "Runs created by the matcher.",
		}),
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_runs_finished_total",
			Help: "Runs reaching a terminal status.",
		}, []string{"status"}),

		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_webhook_latency_seconds",
			Help:    "Webhook handler latency from receipt to ACK.",
			Buckets: []float64{.005, .01, .025, .05, .1, .2, .5, 1},
		}),
		ShapeMatchLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_shape_match_latency_seconds",
			Help:    "Latency of shaping plus matching one webhook task.",
			Buckets: prometheus.DefBuckets,
		}),
		RunLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cortex_run_latency_seconds",
			Help:    "Run execution latency.",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}),

		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cortex_queue_depth",
			Help: "Current depth of each worker pool queue.",
		}, []string{"pool"}),
	}
}

// Handler serves the registry in prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
