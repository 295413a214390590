// Package metrics exposes tandem's Prometheus metrics, grounded on the
// teacher's pkg/metrics: package-level collectors registered at init,
// plus a Timer helper for histogram observations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Head authority metrics.
	HeadUpdateAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_head_update_attempts_total",
			Help: "Total updateOpHeads attempts by outcome",
		},
		[]string{"outcome"}, // ok, contention
	)

	HeadContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_head_contention_total",
			Help: "Total updateOpHeads calls that observed a version mismatch",
		},
	)

	HeadVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_head_version",
			Help: "Current HeadsState version by repository",
		},
		[]string{"repo"},
	)

	WatcherFanoutDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tandem_watcher_fanout_depth",
			Help: "Number of registered watchHeads watchers by repository",
		},
		[]string{"repo"},
	)

	// RPC transport metrics.
	RPCRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_rpc_requests_total",
			Help: "Total RPC calls received by method and status",
		},
		[]string{"method", "status"},
	)

	RPCRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tandem_rpc_request_duration_seconds",
			Help:    "Server-side RPC call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	// Client adapter metrics.
	ClientRetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tandem_client_retry_attempts_total",
			Help: "Total updateOpHeads retry attempts issued by the client adapter",
		},
		[]string{"workspace"},
	)

	ClientCacheInvalidationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tandem_client_cache_invalidations_total",
			Help: "Total times the optimistic head version cache was invalidated after contention",
		},
	)
)

func init() {
	prometheus.MustRegister(HeadUpdateAttemptsTotal)
	prometheus.MustRegister(HeadContentionTotal)
	prometheus.MustRegister(HeadVersion)
	prometheus.MustRegister(WatcherFanoutDepth)
	prometheus.MustRegister(RPCRequestsTotal)
	prometheus.MustRegister(RPCRequestDuration)
	prometheus.MustRegister(ClientRetryAttemptsTotal)
	prometheus.MustRegister(ClientCacheInvalidationsTotal)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times an operation for later histogram observation.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
