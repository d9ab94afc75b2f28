package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// promMetrics is a metrics collector that stores metrics in Prometheus.
type promMetrics struct {
	requests       *prometheus.CounterVec
	fetchDuration  *prometheus.HistogramVec
	storageErrors  *prometheus.CounterVec
	sweepRemovals  prometheus.Counter
	sweepBytes     prometheus.Counter
	sweepsByResult *prometheus.CounterVec
}

var _ Metrics = &promMetrics{}

// NewPromMetrics creates a Prometheus collector and registers it with reg.
func NewPromMetrics(reg prometheus.Registerer) (Metrics, error) {
	m := &promMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecache_requests_total",
			Help: "Image requests by the source that served them.",
		}, []string{"source"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "imagecache_fetch_duration_seconds",
			Help:    "Duration of fetch attempts in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"outcome"}),
		storageErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecache_storage_errors_total",
			Help: "Failed storage operations.",
		}, []string{"op"}),
		sweepRemovals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_sweep_removed_entries_total",
			Help: "Entries removed by expiration sweeps.",
		}),
		sweepBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "imagecache_sweep_removed_bytes_total",
			Help: "Bytes removed by expiration sweeps.",
		}),
		sweepsByResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "imagecache_sweeps_total",
			Help: "Expiration sweeps by whether they completed.",
		}, []string{"complete"}),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.fetchDuration, m.storageErrors, m.sweepRemovals, m.sweepBytes, m.sweepsByResult,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordRequest records the source that served an image request.
func (m *promMetrics) RecordRequest(source string) {
	m.requests.WithLabelValues(source).Inc()
}

// RecordFetch records the duration of a fetch attempt.
func (m *promMetrics) RecordFetch(outcome string, duration float64) {
	m.fetchDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordStorageError records a failed storage operation.
func (m *promMetrics) RecordStorageError(op string) {
	m.storageErrors.WithLabelValues(op).Inc()
}

// RecordSweep records the result of an expiration sweep.
func (m *promMetrics) RecordSweep(removed int, bytes int64, complete bool) {
	m.sweepRemovals.Add(float64(removed))
	m.sweepBytes.Add(float64(bytes))
	m.sweepsByResult.WithLabelValues(strconv.FormatBool(complete)).Inc()
}
