// Package reputation computes the four-component HAT score.
package reputation

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"

	"hat_reputation/pkg/behavior"
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/trust"
)

// Component weights in percent. They sum to 100.
const (
	WeightBehavior = 40
	WeightWoT      = 30
	WeightEconomic = 20
	WeightTemporal = 10
)

// Config holds the economic and temporal curve parameters
type Config struct {
	MaxDepth              int
	StakeHalfUnits        data.Amount
	MaxStakeAgeDays       int
	FreshStakePercent     int64
	MaxAccountAgeDays     int
	DormancyGraceDays     int
	DormancyHalfLifeDays  int
	ClusterPenaltyPercent int64
}

// DefaultConfig returns default scoring configuration
func DefaultConfig() Config {
	return Config{
		MaxDepth:              4,
		StakeHalfUnits:        10_000,
		MaxStakeAgeDays:       365,
		FreshStakePercent:     30,
		MaxAccountAgeDays:     365,
		DormancyGraceDays:     30,
		DormancyHalfLifeDays:  90,
		ClusterPenaltyPercent: 50,
	}
}

// Calculator combines behavior, web-of-trust, economic and temporal signals.
// All arithmetic is fixed-point so every node derives the same integer.
type Calculator struct {
	cfg      Config
	graph    *trust.Graph
	analyzer *trust.GraphAnalyzer
	behavior *behavior.Analyzer
	ledger   ledger.Ledger
	logger   *zap.Logger
}

func NewCalculator(cfg Config, graph *trust.Graph, analyzer *trust.GraphAnalyzer, b *behavior.Analyzer, l ledger.Ledger, logger *zap.Logger) *Calculator {
	return &Calculator{
		cfg:      cfg,
		graph:    graph,
		analyzer: analyzer,
		behavior: b,
		ledger:   l,
		logger:   logger.Named("calculator"),
	}
}

// MaxDepth is the path search bound used for web-of-trust.
func (c *Calculator) MaxDepth() int {
	return c.cfg.MaxDepth
}

// Graph returns the trust graph the calculator reads.
func (c *Calculator) Graph() *trust.Graph {
	return c.graph
}

// Connected reports whether viewer reaches target over positive, unslashed
// edges within MaxDepth hops.
func (c *Calculator) Connected(viewer, target data.Account) bool {
	return !viewer.IsZero() && c.graph.Snapshot().Connected(viewer, target, c.cfg.MaxDepth)
}

// CalculateFinalTrust returns the 0..100 score of target as seen by viewer.
// A zero viewer requests the global, non-personalized score.
func (c *Calculator) CalculateFinalTrust(ctx context.Context, target, viewer data.Account) (int, error) {
	b, err := c.CalculateWithBreakdown(ctx, target, viewer)
	if err != nil {
		return 0, err
	}
	return b.FinalScore, nil
}

// CalculateWithBreakdown scores target against the current graph snapshot.
func (c *Calculator) CalculateWithBreakdown(ctx context.Context, target, viewer data.Account) (*TrustBreakdown, error) {
	return c.CalculateOnSnapshot(ctx, c.graph.Snapshot(), target, viewer)
}

// CalculateOnSnapshot scores target against a fixed snapshot.
func (c *Calculator) CalculateOnSnapshot(ctx context.Context, snap *trust.Snapshot, target, viewer data.Account) (*TrustBreakdown, error) {
	if target.IsZero() {
		return nil, data.NewValidationError("target", data.ErrInvalidAccount, "zero account")
	}

	b := &TrustBreakdown{
		Target:     target,
		Viewer:     viewer,
		SnapshotID: snap.ID(),
	}

	beh, err := c.behavior.Analyze(ctx, target)
	if err != nil {
		return nil, err
	}
	b.BehaviorDetail = beh
	b.Behavior = beh.Score

	c.webOfTrust(snap, b)

	if err := c.economic(ctx, b); err != nil {
		return nil, err
	}
	if err := c.temporal(ctx, b); err != nil {
		return nil, err
	}

	b.FinalScore = combine(b.Behavior, b.WoT, b.Economic, b.Temporal)
	c.logger.Debug("Score calculated",
		zap.String("target", target.Short()),
		zap.String("viewer", viewer.Short()),
		zap.Int("score", b.FinalScore))
	return b, nil
}

func combine(behavior, wot, economic, temporal data.Fixed) int {
	sum := behavior.Unit().MulInt(WeightBehavior) +
		wot.Unit().MulInt(WeightWoT) +
		economic.Unit().MulInt(WeightEconomic) +
		temporal.Unit().MulInt(WeightTemporal)
	return int((sum + data.Scale/2) / data.Scale)
}

func (c *Calculator) webOfTrust(snap *trust.Snapshot, b *TrustBreakdown) {
	b.WoTRaw = snap.WeightedReputation(b.Viewer, b.Target, c.cfg.MaxDepth)
	b.HasWoTView = !b.Viewer.IsZero() && snap.Connected(b.Viewer, b.Target, c.cfg.MaxDepth)

	wot := data.MaxFixed(b.WoTRaw, data.Zero)
	if c.analyzer != nil && c.analyzer.InSuspiciousCluster(snap, b.Target) {
		b.InSuspiciousCluster = true
		b.ClusterPenalty = wot.Mul(data.FromPercent(c.cfg.ClusterPenaltyPercent))
		wot -= b.ClusterPenalty
	}
	if c.analyzer != nil && wot > 0 {
		b.CentralityBonus = c.analyzer.CentralityBonus(snap, b.Target)
	}
	b.WoT = (wot + b.CentralityBonus).Unit()
}

// economic = eff / (eff + half), eff = stake weighted 30%..100% by stake age.
func (c *Calculator) economic(ctx context.Context, b *TrustBreakdown) error {
	stake, err := c.ledger.Stake(ctx, b.Target)
	if err != nil {
		return fmt.Errorf("loading stake: %w", err)
	}
	b.Stake = stake.Amount
	b.StakeAgeDays = stake.AgeDays

	maxAge := int64(c.cfg.MaxStakeAgeDays)
	age := clampDays(stake.AgeDays, c.cfg.MaxStakeAgeDays)
	fresh := data.FromPercent(c.cfg.FreshStakePercent)
	ageWeight := fresh + data.FromRatio(age, maxAge).Mul(data.One-fresh)

	b.EffectiveStake = stake.Amount.MulFixed(ageWeight)
	if b.EffectiveStake == 0 {
		b.Economic = data.Zero
		return nil
	}
	denom := uint64(b.EffectiveStake)
	if uint64(c.cfg.StakeHalfUnits) > math.MaxUint64-denom {
		denom = math.MaxUint64
	} else {
		denom += uint64(c.cfg.StakeHalfUnits)
	}
	b.Economic = data.RatioU(uint64(b.EffectiveStake), denom)
	return nil
}

// temporal = min(age, max)/max, discounted by 90/(90 + days dormant past the grace period).
func (c *Calculator) temporal(ctx context.Context, b *TrustBreakdown) error {
	info, err := c.ledger.Account(ctx, b.Target)
	if err != nil {
		return fmt.Errorf("loading account: %w", err)
	}
	b.AccountAgeDays = info.AgeDays
	b.DaysSinceActive = info.DaysSinceActive

	b.AgeFactor = data.FromRatio(clampDays(info.AgeDays, c.cfg.MaxAccountAgeDays), int64(c.cfg.MaxAccountAgeDays))
	b.DormancyFactor = data.One
	if dormant := int64(info.DaysSinceActive - c.cfg.DormancyGraceDays); dormant > 0 {
		half := int64(c.cfg.DormancyHalfLifeDays)
		b.DormancyFactor = data.FromRatio(half, half+dormant)
	}
	b.Temporal = b.AgeFactor.Mul(b.DormancyFactor).Unit()
	return nil
}

func clampDays(days, max int) int64 {
	if days < 0 {
		return 0
	}
	if days > max {
		return int64(max)
	}
	return int64(days)
}
