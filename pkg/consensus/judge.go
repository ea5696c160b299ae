package consensus

import (
	"context"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/reputation"
	"hat_reputation/pkg/security"
)

// Judge is one validator's local verdict maker. It recomputes the claimant's
// score from its own position in the trust graph.
type Judge struct {
	calc   *reputation.Calculator
	signer *security.Signer
	logger *zap.Logger
}

func NewJudge(calc *reputation.Calculator, signer *security.Signer, logger *zap.Logger) *Judge {
	return &Judge{
		calc:   calc,
		signer: signer,
		logger: logger.Named("judge").With(zap.String("validator", signer.Account().Short())),
	}
}

func (j *Judge) Account() data.Account {
	return j.signer.Account()
}

// Judge returns a signed vote on req. A failed local calculation yields a
// signed ABSTAIN rather than an error.
func (j *Judge) Judge(ctx context.Context, req JudgmentRequest) (*data.ValidatorVote, error) {
	nonce, err := security.NewNonce()
	if err != nil {
		return nil, err
	}
	vote := &data.ValidatorVote{
		ClaimID: req.ClaimID,
		Nonce:   nonce,
	}

	snap := j.calc.Graph().Snapshot()
	vote.SnapshotID = snap.ID()
	b, err := j.calc.CalculateOnSnapshot(ctx, snap, req.Claimant, j.Account())
	if err != nil {
		j.logger.Warn("Abstaining, local score unavailable",
			zap.String("claim", req.ClaimID),
			zap.Error(err))
		vote.Judgment = data.JudgmentAbstain
		j.signer.SignVote(vote)
		return vote, nil
	}

	vote.HasWoTView = b.HasWoTView
	vote.Score = b.FinalScore
	vote.Components = b.Components()
	if Within(b, req.ClaimedScore, req.ClaimedComponents) {
		vote.Judgment = data.JudgmentAccept
	} else {
		vote.Judgment = data.JudgmentReject
	}
	j.signer.SignVote(vote)

	j.logger.Debug("Claim judged",
		zap.String("claim", req.ClaimID),
		zap.Int("claimed", req.ClaimedScore),
		zap.Int("local", b.FinalScore),
		zap.Bool("connected", b.HasWoTView),
		zap.String("judgment", string(vote.Judgment)))
	return vote, nil
}

// Within applies the tolerance bands to a claim against a local breakdown.
// Unconnected validators never judge the web-of-trust component.
func Within(b *reputation.TrustBreakdown, claimed int, components *data.Components) bool {
	if components != nil {
		own := b.Components()
		if !near(own.Behavior, components.Behavior, ComponentTolerance) ||
			!near(own.Economic, components.Economic, ComponentTolerance) ||
			!near(own.Temporal, components.Temporal, ComponentTolerance) {
			return false
		}
		if b.HasWoTView && !near(own.WoT, components.WoT, WoTTolerance) {
			return false
		}
		return true
	}

	if b.HasWoTView {
		return near(b.FinalScore, claimed, FinalTolerance)
	}
	// without a WoT view, the claim may carry up to the full WoT weight on top
	// of what this validator can verify
	n := b.NonWoTPoints()
	return claimed >= n-ComponentTolerance && claimed <= n+reputation.MaxWoTPoints+ComponentTolerance
}

func near(a, b, tolerance int) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// LocalValidators serves judgments from in-process judges keyed by address.
type LocalValidators struct {
	judges map[data.Account]*Judge
}

func NewLocalValidators(judges ...*Judge) *LocalValidators {
	lv := &LocalValidators{judges: make(map[data.Account]*Judge, len(judges))}
	for _, j := range judges {
		lv.judges[j.Account()] = j
	}
	return lv
}

func (lv *LocalValidators) RequestJudgment(ctx context.Context, member data.ValidatorInfo, req JudgmentRequest) (*data.ValidatorVote, error) {
	j, ok := lv.judges[member.Address]
	if !ok {
		return nil, data.ErrNotFound
	}
	return j.Judge(ctx, req)
}

var _ ValidatorClient = (*LocalValidators)(nil)
