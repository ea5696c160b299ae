// Package consensus runs the challenge-response rounds that verify claimed scores.
package consensus

import (
	"context"
	"time"

	"hat_reputation/pkg/data"
)

// Protocol constants.
const (
	ComponentTolerance = 3
	WoTTolerance       = 5
	// FinalTolerance is ceil(0.4*3 + 0.3*5 + 0.2*3 + 0.1*3) on the final score.
	FinalTolerance = 4

	AcceptThresholdPercent = 70
	RejectThresholdPercent = 30

	DefaultRoundTimeout = 30 * time.Second
)

// Confidence weights for connected and unconnected validators.
var (
	ConnectedWeight   = data.One
	UnconnectedWeight = data.FromPercent(60)
)

// ClaimRequest is an account asserting its own score.
type ClaimRequest struct {
	Claimant          data.Account     `json:"claimant"`
	ClaimedScore      int              `json:"claimed_score"`
	ClaimedComponents *data.Components `json:"claimed_components,omitempty"`
}

// JudgmentRequest is what a committee member receives.
type JudgmentRequest struct {
	ClaimID           string           `json:"claim_id"`
	Claimant          data.Account     `json:"claimant"`
	ClaimedScore      int              `json:"claimed_score"`
	ClaimedComponents *data.Components `json:"claimed_components,omitempty"`
	Deadline          time.Time        `json:"deadline"`
}

// ValidatorClient asks one committee member for its signed judgment.
type ValidatorClient interface {
	RequestJudgment(ctx context.Context, member data.ValidatorInfo, req JudgmentRequest) (*data.ValidatorVote, error)
}

// Escalator opens a protocol dispute for a DISPUTED claim and returns its id.
type Escalator interface {
	Escalate(ctx context.Context, claim *data.ConsensusClaim) (string, error)
}

// OutcomePublisher announces decided claims to the network.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, claim *data.ConsensusClaim) error
}

// VoteWeigher scales a validator's vote weight, one for unflagged validators.
type VoteWeigher interface {
	Multiplier(addr data.Account) data.Fixed
}
