// Package behavior scores an account's trading record.
package behavior

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

// Config holds the behavior curve parameters
type Config struct {
	ActivitySaturation      int
	DiversityTarget         int
	DiversityPenaltyPercent int64
	VolumePenaltyPercent    int64
	PatternPenaltyPercent   int64
	RepetitionMinCount      int
	RepetitionSharePercent  int64
	RoundTripWindow         time.Duration
	RoundTripMin            int
}

// DefaultConfig returns default behavior configuration
func DefaultConfig() Config {
	return Config{
		ActivitySaturation:      50,
		DiversityTarget:         10,
		DiversityPenaltyPercent: 30,
		VolumePenaltyPercent:    20,
		PatternPenaltyPercent:   25,
		RepetitionMinCount:      10,
		RepetitionSharePercent:  60,
		RoundTripWindow:         time.Hour,
		RoundTripMin:            5,
	}
}

// Result carries the behavior sub-score and every term that produced it.
type Result struct {
	Metrics          data.BehaviorMetrics `json:"metrics"`
	Base             data.Fixed           `json:"base"`
	DiversityPenalty data.Fixed           `json:"diversity_penalty"`
	VolumePenalty    data.Fixed           `json:"volume_penalty"`
	PatternPenalty   data.Fixed           `json:"pattern_penalty"`
	PatternFlagged   bool                 `json:"pattern_flagged"`
	PatternReason    string               `json:"pattern_reason,omitempty"`
	RoundTrips       int                  `json:"round_trips"`
	Score            data.Fixed           `json:"score"`
}

// Analyzer derives behavior scores from the interaction-history store.
type Analyzer struct {
	cfg     Config
	history ledger.HistoryStore
	logger  *zap.Logger
}

func NewAnalyzer(cfg Config, history ledger.HistoryStore, logger *zap.Logger) *Analyzer {
	return &Analyzer{
		cfg:     cfg,
		history: history,
		logger:  logger.Named("behavior"),
	}
}

// Analyze loads the account's history and scores it.
func (a *Analyzer) Analyze(ctx context.Context, account data.Account) (*Result, error) {
	interactions, err := a.history.Interactions(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("loading interactions for %s: %w", account.Short(), err)
	}
	res := Evaluate(a.cfg, interactions)
	if res.PatternFlagged {
		a.logger.Info("Wash-trading pattern flagged",
			zap.String("account", account.Short()),
			zap.String("reason", res.PatternReason))
	}
	return res, nil
}

// Evaluate is the pure scoring function. Input order does not matter.
func Evaluate(cfg Config, interactions []ledger.Interaction) *Result {
	sorted := append([]ledger.Interaction(nil), interactions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Counterparty != b.Counterparty {
			return a.Counterparty.Less(b.Counterparty)
		}
		return a.Volume < b.Volume
	})

	res := &Result{Metrics: collectMetrics(sorted)}
	m := res.Metrics
	total := int64(m.TotalTrades)
	if total == 0 {
		return res
	}

	activity := data.FromRatio(min64(total, int64(cfg.ActivitySaturation)), int64(cfg.ActivitySaturation))
	success := data.FromRatio(int64(m.SuccessfulTrades), total)
	disputes := data.FromRatio(int64(m.DisputedTrades), total)
	res.Base = (success.Mul(activity) - disputes/2).Unit()

	unique := min64(int64(len(m.UniquePartners)), int64(cfg.DiversityTarget))
	res.DiversityPenalty = (data.One - data.FromRatio(unique, int64(cfg.DiversityTarget))).
		Mul(data.FromPercent(cfg.DiversityPenaltyPercent))

	res.VolumePenalty = volumePenalty(cfg, sorted, m.TotalVolume)

	res.RoundTrips = countRoundTrips(sorted, cfg.RoundTripWindow)
	top, topCount := topCounterparty(sorted)
	switch {
	case topCount >= cfg.RepetitionMinCount && int64(topCount)*100 >= cfg.RepetitionSharePercent*total:
		res.PatternFlagged = true
		res.PatternReason = fmt.Sprintf("repetition: %d of %d with %s", topCount, total, top.Short())
	case res.RoundTrips >= cfg.RoundTripMin:
		res.PatternFlagged = true
		res.PatternReason = fmt.Sprintf("round trips: %d", res.RoundTrips)
	}
	if res.PatternFlagged {
		res.PatternPenalty = data.FromPercent(cfg.PatternPenaltyPercent)
	}

	res.Score = (res.Base - res.DiversityPenalty - res.VolumePenalty - res.PatternPenalty).Unit()
	return res
}

func collectMetrics(interactions []ledger.Interaction) data.BehaviorMetrics {
	m := data.BehaviorMetrics{TotalTrades: len(interactions)}
	partners := make(data.AccountSet)
	for _, in := range interactions {
		if in.Success {
			m.SuccessfulTrades++
		}
		if in.Disputed {
			m.DisputedTrades++
		}
		m.TotalVolume = addSat(m.TotalVolume, in.Volume)
		partners.Add(in.Counterparty)
	}
	m.UniquePartners = partners.Sorted()
	return m
}

func volumePenalty(cfg Config, interactions []ledger.Interaction, total data.Amount) data.Fixed {
	if total == 0 {
		return data.Zero
	}
	perPartner := make(map[data.Account]data.Amount)
	var largest data.Amount
	for _, in := range interactions {
		v := addSat(perPartner[in.Counterparty], in.Volume)
		perPartner[in.Counterparty] = v
		if v > largest {
			largest = v
		}
	}
	share := data.RatioU(uint64(largest), uint64(total))
	half := data.FromPercent(50)
	if share <= half {
		return data.Zero
	}
	return (share - half).Div(half).Mul(data.FromPercent(cfg.VolumePenaltyPercent))
}

func topCounterparty(interactions []ledger.Interaction) (data.Account, int) {
	counts := make(map[data.Account]int)
	for _, in := range interactions {
		counts[in.Counterparty]++
	}
	var top data.Account
	best := 0
	for a, c := range counts {
		if c > best || (c == best && a.Less(top)) {
			top, best = a, c
		}
	}
	return top, best
}

// countRoundTrips pairs each interaction with a later opposite-direction
// interaction of equal volume with the same counterparty inside window.
func countRoundTrips(interactions []ledger.Interaction, window time.Duration) int {
	used := make([]bool, len(interactions))
	trips := 0
	for i, a := range interactions {
		if used[i] {
			continue
		}
		for j := i + 1; j < len(interactions); j++ {
			b := interactions[j]
			if b.Timestamp.Sub(a.Timestamp) > window {
				break
			}
			if used[j] || b.Counterparty != a.Counterparty || b.Outgoing == a.Outgoing || b.Volume != a.Volume {
				continue
			}
			used[i], used[j] = true, true
			trips++
			break
		}
	}
	return trips
}

func addSat(a, b data.Amount) data.Amount {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
