// Package metrics declares the Prometheus collectors exposed on the
// loopback-only /metrics endpoint, following the same global-vars-plus-
// init()-registration convention used throughout this codebase.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ConnectionsAccepted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_connections_accepted_total",
			Help: "Total number of connections accepted by the listener",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrolld_queue_depth",
			Help: "Current number of accepted connections waiting for dispatch",
		},
	)

	QueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_queue_dropped_total",
			Help: "Total number of connections dropped because the dispatch queue was full",
		},
	)

	DispatchOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enrolld_dispatch_outcomes_total",
			Help: "Total number of dispatch outcomes by reason",
		},
		[]string{"reason"},
	)

	DispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrolld_dispatch_duration_seconds",
			Help:    "Time taken to handle one connection end to end, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	KeystoreSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrolld_keystore_size",
			Help: "Current number of agents tracked in the keystore",
		},
	)

	WriterFlushDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enrolld_writer_flush_duration_seconds",
			Help:    "Time taken to flush a pending journal to disk, in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	WriterFlushFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_writer_flush_failures_total",
			Help: "Total number of failed journal flush attempts",
		},
	)

	AgentsDBSyncFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_agentsdb_sync_failures_total",
			Help: "Total number of failed agents database sync calls",
		},
	)

	ClusterRole = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enrolld_cluster_is_master",
			Help: "Whether this node currently acts as cluster master (1) or worker (0)",
		},
	)

	ClusterLeadershipTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_cluster_leadership_transitions_total",
			Help: "Total number of times this node's cluster role changed",
		},
	)

	ClusterForwardFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enrolld_cluster_forward_failures_total",
			Help: "Total number of failed worker-to-master forwarding attempts",
		},
	)
)

func init() {
	prometheus.MustRegister(ConnectionsAccepted)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueDropped)
	prometheus.MustRegister(DispatchOutcomes)
	prometheus.MustRegister(DispatchDuration)
	prometheus.MustRegister(KeystoreSize)
	prometheus.MustRegister(WriterFlushDuration)
	prometheus.MustRegister(WriterFlushFailures)
	prometheus.MustRegister(AgentsDBSyncFailures)
	prometheus.MustRegister(ClusterRole)
	prometheus.MustRegister(ClusterLeadershipTransitions)
	prometheus.MustRegister(ClusterForwardFailures)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an in-flight operation's duration for later observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time on histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// Duration reports the elapsed time without recording it anywhere.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
