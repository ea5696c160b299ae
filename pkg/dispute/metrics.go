package dispute

import "github.com/prometheus/client_golang/prometheus"

// Metrics counts dispute lifecycle events.
type Metrics struct {
	opened    *prometheus.CounterVec
	votes     prometheus.Counter
	resolved  *prometheus.CounterVec
	forfeited prometheus.Counter
	burned    prometheus.Counter
}

// NewMetrics creates the dispute metrics and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "dispute",
			Name:      "opened_total",
			Help:      "Disputes opened by target kind.",
		}, []string{"kind"}),
		votes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "dispute",
			Name:      "votes_total",
			Help:      "Stake-weighted dispute votes cast.",
		}),
		resolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "dispute",
			Name:      "resolved_total",
			Help:      "Resolved disputes by decision.",
		}, []string{"decision"}),
		forfeited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "dispute",
			Name:      "forfeited_units_total",
			Help:      "Bond units forfeited by resolved disputes.",
		}),
		burned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "dispute",
			Name:      "burned_units_total",
			Help:      "Forfeited units not paid out.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.opened, m.votes, m.resolved, m.forfeited, m.burned)
	}
	return m
}

func decisionLabel(slash bool) string {
	if slash {
		return "slash"
	}
	return "keep"
}
