package sandbox

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the executor, mirroring
// internal/escrow/metrics.go's promauto-constructed-field-struct shape.
type Metrics struct {
	Executions      *prometheus.CounterVec // result: done, failed, killed
	KillReasons     *prometheus.CounterVec // reason: wall_timeout, cpu_timeout, memory_limit
	WallTime        prometheus.Histogram
	PeakMemoryMB    prometheus.Histogram
	WorkerSlotsUsed prometheus.Gauge
}

// NewMetrics registers the executor's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Executions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Jobs executed, broken down by terminal state.",
		}, []string{"result"}),
		KillReasons: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "sandbox",
			Name:      "kill_reasons_total",
			Help:      "Jobs killed, broken down by the limit that triggered it.",
		}, []string{"reason"}),
		WallTime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandrun",
			Subsystem: "sandbox",
			Name:      "wall_time_seconds",
			Help:      "Observed job wall-clock time.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		PeakMemoryMB: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandrun",
			Subsystem: "sandbox",
			Name:      "peak_memory_mb",
			Help:      "Observed peak resident memory per job.",
			Buckets:   prometheus.ExponentialBuckets(4, 2, 14),
		}),
		WorkerSlotsUsed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "sandrun",
			Subsystem: "sandbox",
			Name:      "worker_slots_in_use",
			Help:      "Worker pool slots currently occupied by a running job.",
		}),
	}
}
