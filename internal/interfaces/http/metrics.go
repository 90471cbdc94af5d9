// Package http exposes the pipeline's operational surfaces: Prometheus
// metrics, a liveness probe, and a JSON status view over the scheduler
// and consumer.
package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// MetricsRegistry holds every Prometheus metric the pipeline records.
type MetricsRegistry struct {
	PlannerDuration    prometheus.Histogram
	PlannerPaired      prometheus.Counter
	DispatcherDuration prometheus.Histogram
	DispatcherQueued   prometheus.Counter
	DispatcherFailed   prometheus.Counter

	ConsumerStepDuration *prometheus.HistogramVec
	MessagesProcessed    *prometheus.CounterVec
	MessagesRetried      prometheus.Counter
	MessagesDeadLettered prometheus.Counter

	BrokerPublishErrors prometheus.Counter
	BrokerBreakerState  prometheus.Gauge

	RealtimeEmitLatency prometheus.Histogram
	PresenceOnlineUsers prometheus.Gauge
}

// NewMetricsRegistry builds and registers every metric with the default registerer.
func NewMetricsRegistry() *MetricsRegistry {
	m := &MetricsRegistry{
		PlannerDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpipeline_planner_run_duration_seconds",
			Help:    "Duration of a single planner run.",
			Buckets: prometheus.DefBuckets,
		}),
		PlannerPaired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_planner_pairs_total",
			Help: "Total number of user pairs planned across all runs.",
		}),
		DispatcherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpipeline_dispatcher_run_duration_seconds",
			Help:    "Duration of a single dispatcher run.",
			Buckets: prometheus.DefBuckets,
		}),
		DispatcherQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_dispatcher_queued_total",
			Help: "Total number of planned messages successfully published to the broker.",
		}),
		DispatcherFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_dispatcher_failed_total",
			Help: "Total number of planned messages that failed to publish.",
		}),
		ConsumerStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatpipeline_consumer_message_duration_seconds",
			Help:    "Duration of consumer message handling by outcome.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"result"}),
		MessagesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatpipeline_consumer_messages_total",
			Help: "Total number of messages processed by the consumer, by outcome.",
		}, []string{"result"}),
		MessagesRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_consumer_retries_total",
			Help: "Total number of delayed retry republishes.",
		}),
		MessagesDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_consumer_dead_lettered_total",
			Help: "Total number of messages dead-lettered (parse failure or max retries reached).",
		}),
		BrokerPublishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatpipeline_broker_publish_errors_total",
			Help: "Total number of broker publish failures.",
		}),
		BrokerBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatpipeline_broker_circuit_breaker_state",
			Help: "Current publish circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
		RealtimeEmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatpipeline_realtime_emit_latency_seconds",
			Help:    "Latency of writing a notification to a connected user's socket.",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),
		PresenceOnlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatpipeline_presence_online_users",
			Help: "Current number of users marked online in the presence index.",
		}),
	}

	prometheus.MustRegister(
		m.PlannerDuration, m.PlannerPaired,
		m.DispatcherDuration, m.DispatcherQueued, m.DispatcherFailed,
		m.ConsumerStepDuration, m.MessagesProcessed, m.MessagesRetried, m.MessagesDeadLettered,
		m.BrokerPublishErrors, m.BrokerBreakerState,
		m.RealtimeEmitLatency, m.PresenceOnlineUsers,
	)

	return m
}

// RecordConsumerOutcome observes one processed message's duration and outcome.
func (m *MetricsRegistry) RecordConsumerOutcome(result string, d time.Duration) {
	m.ConsumerStepDuration.WithLabelValues(result).Observe(d.Seconds())
	m.MessagesProcessed.WithLabelValues(result).Inc()
}

// Handler returns the standard Prometheus scrape endpoint.
func (m *MetricsRegistry) Handler() http.Handler {
	return promhttp.Handler()
}

// StatusHandler renders an arbitrary status snapshot as JSON. Callers
// build the snapshot (scheduler status, consumer stats) and pass it in.
func StatusHandler(snapshot func() interface{}) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			log.Error().Err(err).Msg("failed to encode status response")
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
}

// HealthzHandler answers liveness probes with a constant 200 OK.
func HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}
