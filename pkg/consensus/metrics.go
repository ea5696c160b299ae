package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks consensus round activity
type Metrics struct {
	rounds        *prometheus.CounterVec
	roundDuration prometheus.Histogram
	votes         *prometheus.CounterVec
	rejectedVotes *prometheus.CounterVec
	lateVotes     prometheus.Counter
	activeRounds  prometheus.Gauge
}

// NewMetrics creates the round metrics and registers them on reg when non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "rounds_total",
			Help:      "Consensus rounds by outcome.",
		}, []string{"outcome"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "round_duration_seconds",
			Help:      "Time from committee dispatch to decision.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),
		votes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "votes_total",
			Help:      "Accepted votes by judgment.",
		}, []string{"judgment"}),
		rejectedVotes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "votes_rejected_total",
			Help:      "Votes dropped before tallying, by reason.",
		}, []string{"reason"}),
		lateVotes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "late_votes_total",
			Help:      "Votes discarded because they arrived after the round deadline.",
		}),
		activeRounds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "hat",
			Subsystem: "consensus",
			Name:      "active_rounds",
			Help:      "Rounds currently awaiting votes.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.rounds, m.roundDuration, m.votes, m.rejectedVotes, m.lateVotes, m.activeRounds)
	}
	return m
}
