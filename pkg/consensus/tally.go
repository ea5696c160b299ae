package consensus

import (
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/security"
)

// voteWeight is the confidence weight of a vote before manipulation scaling.
func voteWeight(v *data.ValidatorVote) data.Fixed {
	if v.HasWoTView {
		return ConnectedWeight
	}
	return UnconnectedWeight
}

// TallyVotes aggregates accepted votes. Abstentions are counted but carry no
// weight. A nil weigher leaves every multiplier at one.
func TallyVotes(votes []*data.ValidatorVote, weigher VoteWeigher) data.Tally {
	var t data.Tally
	for _, v := range votes {
		t.Responded++
		if !v.HasWoTView {
			t.UnconnectedSelected = true
		}
		if v.Judgment == data.JudgmentAbstain {
			t.Abstained++
			continue
		}

		w := voteWeight(v)
		if weigher != nil {
			w = w.Mul(weigher.Multiplier(v.Validator))
		}
		switch v.Judgment {
		case data.JudgmentAccept:
			t.Accept += w
		case data.JudgmentReject:
			t.Reject += w
		default:
			t.Abstained++
			continue
		}
		if v.HasWoTView {
			t.ConnectedWeight += w
		} else {
			t.UnconnectedWeight += w
		}
	}
	return t
}

// Decide maps a tally to an outcome. missed reports whether any member failed
// to answer before the deadline.
func Decide(t data.Tally, missed bool) data.ClaimStatus {
	responding := t.Responding()
	if responding > 0 && t.Accept*100 >= responding*AcceptThresholdPercent {
		if security.CoverageMet(t) {
			return data.ClaimValidated
		}
		return data.ClaimIndeterminate
	}
	if responding > 0 && t.Reject*100 >= responding*RejectThresholdPercent {
		return data.ClaimDisputed
	}
	if missed {
		return data.ClaimTimedOut
	}
	return data.ClaimIndeterminate
}
