package reputation

import (
	"hat_reputation/pkg/behavior"
	"hat_reputation/pkg/data"
)

// TrustBreakdown is the auditable result of one score calculation.
type TrustBreakdown struct {
	Target     data.Account `json:"target"`
	Viewer     data.Account `json:"viewer"`
	SnapshotID string       `json:"snapshot_id"`

	Behavior       data.Fixed       `json:"behavior"`
	BehaviorDetail *behavior.Result `json:"behavior_detail"`

	WoT                 data.Fixed `json:"wot"`
	WoTRaw              data.Fixed `json:"wot_raw"`
	ClusterPenalty      data.Fixed `json:"cluster_penalty"`
	CentralityBonus     data.Fixed `json:"centrality_bonus"`
	InSuspiciousCluster bool       `json:"in_suspicious_cluster"`
	HasWoTView          bool       `json:"has_wot_view"`

	Economic       data.Fixed  `json:"economic"`
	Stake          data.Amount `json:"stake"`
	StakeAgeDays   int         `json:"stake_age_days"`
	EffectiveStake data.Amount `json:"effective_stake"`

	Temporal        data.Fixed `json:"temporal"`
	AccountAgeDays  int        `json:"account_age_days"`
	DaysSinceActive int        `json:"days_since_active"`
	AgeFactor       data.Fixed `json:"age_factor"`
	DormancyFactor  data.Fixed `json:"dormancy_factor"`

	FinalScore int `json:"final_score"`
}

// Components returns each component on the 0..100 scale.
func (b *TrustBreakdown) Components() data.Components {
	return data.Components{
		Behavior: b.Behavior.Points(),
		WoT:      b.WoT.Points(),
		Economic: b.Economic.Points(),
		Temporal: b.Temporal.Points(),
	}
}

// NonWoTPoints is the part of the final score that does not depend on the
// viewer's trust graph position, rounded to whole points.
func (b *TrustBreakdown) NonWoTPoints() int {
	return combine(b.Behavior, data.Zero, b.Economic, b.Temporal)
}

// MaxWoTPoints is the most the web-of-trust component can add to a score.
const MaxWoTPoints = WeightWoT
