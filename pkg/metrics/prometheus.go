package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements domain.repository.Metrics using Prometheus.
type Recorder struct {
	errorsTotal   *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	upstreamCalls *prometheus.CounterVec
	cacheLookups  *prometheus.CounterVec
	mergedBars    *prometheus.CounterVec
	insufficient  *prometheus.CounterVec
}

// New creates a new Prometheus metrics recorder.
func New() *Recorder {
	return &Recorder{
		errorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlecache_errors_total",
				Help: "Total number of errors encountered",
			},
			[]string{"type"},
		),
		latency: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "candlecache_operation_duration_seconds",
				Help:    "Duration of operations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		upstreamCalls: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlecache_upstream_calls_total",
				Help: "Upstream provider calls by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		cacheLookups: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlecache_cache_lookups_total",
				Help: "Series lookups by timeframe and result (hit, stale, miss)",
			},
			[]string{"timeframe", "result"},
		),
		mergedBars: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlecache_merged_bars_total",
				Help: "New bars merged into cached series",
			},
			[]string{"timeframe"},
		),
		insufficient: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "candlecache_insufficient_results_total",
				Help: "Fetch cycles answered with insufficient_data",
			},
			[]string{"purpose"},
		),
	}
}

// RecordError records an error occurrence.
func (r *Recorder) RecordError(kind string) {
	r.errorsTotal.WithLabelValues(kind).Inc()
}

// RecordLatency records operation latency in seconds.
func (r *Recorder) RecordLatency(op string, seconds float64) {
	r.latency.WithLabelValues(op).Observe(seconds)
}

// RecordUpstreamCall counts one provider call outcome.
func (r *Recorder) RecordUpstreamCall(endpoint, outcome string) {
	r.upstreamCalls.WithLabelValues(endpoint, outcome).Inc()
}

func (r *Recorder) RecordCacheLookup(tf, result string) {
	r.cacheLookups.WithLabelValues(tf, result).Inc()
}

func (r *Recorder) RecordMergedBars(tf string, n int) {
	if n <= 0 {
		return
	}
	r.mergedBars.WithLabelValues(tf).Add(float64(n))
}

func (r *Recorder) RecordInsufficient(purpose string) {
	r.insufficient.WithLabelValues(purpose).Inc()
}

// Nop discards everything. Used when metrics are disabled and in tests.
type Nop struct{}

func (Nop) RecordError(string)                {}
func (Nop) RecordLatency(string, float64)     {}
func (Nop) RecordUpstreamCall(string, string) {}
func (Nop) RecordCacheLookup(string, string)  {}
func (Nop) RecordMergedBars(string, int)      {}
func (Nop) RecordInsufficient(string)         {}
