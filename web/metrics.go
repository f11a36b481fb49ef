package web

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus instruments the detection loop updates. All
// instruments are safe for concurrent use.
type Metrics struct {
	SamplesTotal   prometheus.Counter
	AnomaliesTotal prometheus.Counter
	AlertsTotal    *prometheus.CounterVec
	DroppedTotal   prometheus.Counter
	RingFill       prometheus.Gauge
	BaselineReady  prometheus.Gauge
}

// NewMetrics registers the guardian's instruments on the default registry.
func NewMetrics() *Metrics {
	return &Metrics{
		SamplesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cpu_guardian_samples_total",
			Help: "Telemetry samples processed by the detection loop.",
		}),
		AnomaliesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cpu_guardian_anomalies_total",
			Help: "Samples with at least one anomaly flag set.",
		}),
		AlertsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "cpu_guardian_alerts_total",
			Help: "Alerts emitted, by level.",
		}, []string{"level"}),
		DroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "cpu_guardian_dropped_samples_total",
			Help: "Samples dropped because the ring buffer was full.",
		}),
		RingFill: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_guardian_ring_fill",
			Help: "Samples currently queued in the ring buffer.",
		}),
		BaselineReady: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "cpu_guardian_baseline_ready",
			Help: "1 once the learning phase has finalized the baseline.",
		}),
	}
}
