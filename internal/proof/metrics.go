package proof

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the proof recorder,
// mirroring the promauto-constructed-field-struct shape of
// internal/escrow/metrics.go.
type Metrics struct {
	stepsRecorded        prometheus.Counter
	proofsFinalized      prometheus.Counter
	traceLength          prometheus.Histogram
	consensusEvaluations prometheus.Counter
	consensusFailures    prometheus.Counter
}

// NewMetrics registers the proof recorder's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		stepsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "proof",
			Name:      "steps_recorded_total",
			Help:      "Execution trace steps recorded across all sessions.",
		}),
		proofsFinalized: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "proof",
			Name:      "proofs_finalized_total",
			Help:      "Proof sessions finalized into a signed Proof.",
		}),
		traceLength: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "sandrun",
			Subsystem: "proof",
			Name:      "trace_length_steps",
			Help:      "Step count of finalized execution traces.",
			Buckets:   []float64{1, 10, 100, 1000, 10000, 100000},
		}),
		consensusEvaluations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "proof",
			Name:      "consensus_evaluations_total",
			Help:      "Consensus rounds evaluated across submitted proof sets.",
		}),
		consensusFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "proof",
			Name:      "consensus_failures_total",
			Help:      "Consensus rounds that failed to reach the agreement threshold.",
		}),
	}
}
