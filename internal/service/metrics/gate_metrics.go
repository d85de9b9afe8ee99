package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	GateInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "candlecache",
			Subsystem: "gate",
			Name:      "in_flight",
			Help:      "Upstream calls currently holding a gate slot",
		},
	)

	GatePaused = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "candlecache",
			Subsystem: "gate",
			Name:      "paused",
			Help:      "1 while the gate is closed after a throttle answer",
		},
	)

	GatePenalty = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "candlecache",
			Subsystem: "gate",
			Name:      "penalty_seconds",
			Help:      "Length of throttle penalty pauses",
			Buckets:   []float64{0.5, 1, 2, 4, 8, 16, 32, 64},
		},
	)
)

func Register() {
	once.Do(func() {
		prometheus.MustRegister(GateInFlight, GatePaused, GatePenalty)
	})
}
