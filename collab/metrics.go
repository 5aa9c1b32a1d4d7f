package collab

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts live-session activity.
type Metrics struct {
	Sessions   prometheus.Gauge
	Operations *prometheus.CounterVec
	Transforms *prometheus.CounterVec
}

// NewMetrics creates the collaboration metrics and registers them with reg
// when reg is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowsync",
			Subsystem: "collab",
			Name:      "sessions_active",
			Help:      "Sessions currently joined to a workflow on this instance.",
		}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsync",
			Subsystem: "collab",
			Name:      "operations_total",
			Help:      "Operations broadcast, by operation type.",
		}, []string{"type"}),
		Transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowsync",
			Subsystem: "collab",
			Name:      "transforms_total",
			Help:      "Transform rules that changed an incoming operation.",
		}, []string{"rule"}),
	}
	if reg != nil {
		reg.MustRegister(m.Sessions, m.Operations, m.Transforms)
	}
	return m
}
