package ratelimit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instruments for the rate/quota engine,
// mirroring the promauto-constructed-field-struct shape of
// internal/escrow/metrics.go.
type Metrics struct {
	Admissions *prometheus.CounterVec // result: admitted, denied, banned
	Denials    *prometheus.CounterVec // kind
	BanActions *prometheus.CounterVec // action: ban, unban
	Usage      *prometheus.GaugeVec   // subject, kind -> utilization
}

// NewMetrics registers the rate engine's instruments against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Admissions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "ratelimit",
			Name:      "admissions_total",
			Help:      "Admission decisions made by the rate engine.",
		}, []string{"result"}),
		Denials: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "ratelimit",
			Name:      "denials_total",
			Help:      "Denied admissions broken down by limit kind.",
		}, []string{"kind"}),
		BanActions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "sandrun",
			Subsystem: "ratelimit",
			Name:      "ban_actions_total",
			Help:      "Ban table mutations.",
		}, []string{"action"}),
		Usage: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "sandrun",
			Subsystem: "ratelimit",
			Name:      "usage_utilization",
			Help:      "Current utilization fraction per subject and limit kind.",
		}, []string{"subject", "kind"}),
	}
}
