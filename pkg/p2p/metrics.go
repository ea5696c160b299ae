package p2p

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts transport activity.
type Metrics struct {
	served    *prometheus.CounterVec
	requested *prometheus.CounterVec
	outcomes  *prometheus.CounterVec
	rejected  prometheus.Counter
}

// NewMetrics registers the transport metrics on reg. A nil registry keeps
// them local.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		served: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hat_p2p_judgments_served_total",
			Help: "Judgment requests answered for remote coordinators, by result.",
		}, []string{"result"}),
		requested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hat_p2p_judgment_requests_total",
			Help: "Judgment requests sent to remote validators, by result.",
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hat_p2p_outcomes_total",
			Help: "Claim outcomes gossiped, by direction.",
		}, []string{"direction"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hat_p2p_outcomes_rejected_total",
			Help: "Gossiped outcomes dropped by the topic validator.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.served, m.requested, m.outcomes, m.rejected)
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
