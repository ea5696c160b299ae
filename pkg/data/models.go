package data

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

const (
	MinTrustWeight = -100
	MaxTrustWeight = 100

	MinScore = 0
	MaxScore = 100
)

// TrustEdge is a bonded, directed statement of trust (or distrust) between two accounts.
type TrustEdge struct {
	From      Account   `json:"from"`
	To        Account   `json:"to"`
	Weight    int16     `json:"weight"`
	Bond      Amount    `json:"bond"`
	CreatedAt time.Time `json:"created_at"`
	Reason    string    `json:"reason"`
	Slashed   bool      `json:"slashed"`
	Height    uint64    `json:"height,omitempty"`
}

// RequiredBond returns MinBond + PerPointBond*|weight|.
func RequiredBond(weight int, minBond, perPoint Amount) Amount {
	if weight < 0 {
		weight = -weight
	}
	return minBond + perPoint*Amount(weight)
}

// Validate checks the structural and bonding invariants of an edge.
func (e *TrustEdge) Validate(minBond, perPoint Amount) error {
	if e.From.IsZero() {
		return NewValidationError("from", ErrInvalidAccount, "zero account")
	}
	if e.To.IsZero() {
		return NewValidationError("to", ErrInvalidAccount, "zero account")
	}
	if e.From == e.To {
		return NewValidationError("to", ErrSelfLoop, "%s", e.From)
	}
	if e.Weight < MinTrustWeight || e.Weight > MaxTrustWeight {
		return NewValidationError("weight", ErrInvalidWeight, "%d not in [%d,%d]", e.Weight, MinTrustWeight, MaxTrustWeight)
	}
	if required := RequiredBond(int(e.Weight), minBond, perPoint); e.Bond < required {
		return InsufficientBond(required, e.Bond)
	}
	return nil
}

// Key returns the storage key of the ordered pair.
func (e *TrustEdge) Key() string {
	return EdgeKey(e.From, e.To)
}

// Strength returns the weight normalized to [-1, 1].
func (e *TrustEdge) Strength() Fixed {
	return FromRatio(int64(e.Weight), MaxTrustWeight)
}

// BehaviorMetrics aggregates an account's interaction history.
type BehaviorMetrics struct {
	TotalTrades      int       `json:"total_trades"`
	SuccessfulTrades int       `json:"successful_trades"`
	DisputedTrades   int       `json:"disputed_trades"`
	TotalVolume      Amount    `json:"total_volume"`
	UniquePartners   []Account `json:"unique_partners"`
}

// ValidatorInfo describes a candidate validator and its eligibility inputs.
type ValidatorInfo struct {
	Address            Account   `json:"address"`
	PublicKey          []byte    `json:"public_key,omitempty"`
	PeerID             string    `json:"peer_id,omitempty"`
	PeerSet            []string  `json:"peer_set,omitempty"`
	Stake              Amount    `json:"stake"`
	HATScore           int       `json:"hat_score"`
	StakeAgeDays       int       `json:"stake_age_days"`
	OnChainAgeDays     int       `json:"on_chain_age_days"`
	TxCount            int       `json:"tx_count"`
	UniqueInteractions int       `json:"unique_interactions"`
	StakeSources       int       `json:"stake_sources"`
	UptimePercent      int       `json:"uptime_percent"`
	Assigned           int       `json:"assigned"`
	Responded          int       `json:"responded"`
	ConsecutiveMisses  int       `json:"consecutive_misses"`
	Penalized          bool      `json:"penalized"`
	IsEligible         bool      `json:"is_eligible"`
	Ineligibility      string    `json:"ineligibility,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Judgment is a validator's verdict on a claim.
type Judgment string

const (
	JudgmentAccept  Judgment = "ACCEPT"
	JudgmentReject  Judgment = "REJECT"
	JudgmentAbstain Judgment = "ABSTAIN"
)

// ClaimStatus tracks a consensus claim through its round.
type ClaimStatus string

const (
	ClaimPending       ClaimStatus = "PENDING"
	ClaimValidated     ClaimStatus = "VALIDATED"
	ClaimDisputed      ClaimStatus = "DISPUTED"
	ClaimTimedOut      ClaimStatus = "TIMED_OUT"
	ClaimIndeterminate ClaimStatus = "INDETERMINATE"
)

// Terminal reports whether the round for the claim has ended.
func (s ClaimStatus) Terminal() bool {
	return s != ClaimPending
}

// GrantsPrivilege is true only for validated claims; every other outcome is treated conservatively.
func (s ClaimStatus) GrantsPrivilege() bool {
	return s == ClaimValidated
}

// Components holds the four score components on the 0..100 scale.
type Components struct {
	Behavior int `json:"behavior"`
	WoT      int `json:"wot"`
	Economic int `json:"economic"`
	Temporal int `json:"temporal"`
}

// Tally is the weighted vote aggregation of a round.
type Tally struct {
	Accept              Fixed `json:"accept"`
	Reject              Fixed `json:"reject"`
	ConnectedWeight     Fixed `json:"connected_weight"`
	UnconnectedWeight   Fixed `json:"unconnected_weight"`
	Responded           int   `json:"responded"`
	Abstained           int   `json:"abstained"`
	Late                int   `json:"late"`
	UnconnectedSelected bool  `json:"unconnected_selected"`
}

// Responding is the total weight of non-abstaining votes.
func (t Tally) Responding() Fixed {
	return t.Accept + t.Reject
}

// ConsensusClaim is an account's assertion of its own score, adjudicated by a committee.
type ConsensusClaim struct {
	ClaimID           string      `json:"claim_id"`
	Claimant          Account     `json:"claimant"`
	ClaimedScore      int         `json:"claimed_score"`
	ClaimedComponents *Components `json:"claimed_components,omitempty"`
	Committee         []Account   `json:"committee"`
	Seed              string      `json:"seed"`
	BlockHeight       uint64      `json:"block_height"`
	Status            ClaimStatus `json:"status"`
	Tally             *Tally      `json:"tally,omitempty"`
	DisputeID         string      `json:"dispute_id,omitempty"`
	Overturned        bool        `json:"overturned,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	DecidedAt         time.Time   `json:"decided_at,omitempty"`
}

// NewConsensusClaim creates a pending claim with a fresh identifier.
func NewConsensusClaim(claimant Account, score int, components *Components) (*ConsensusClaim, error) {
	if claimant.IsZero() {
		return nil, NewValidationError("claimant", ErrInvalidAccount, "zero account")
	}
	if score < MinScore || score > MaxScore {
		return nil, NewValidationError("claimed_score", ErrInvalidScore, "%d", score)
	}
	if components != nil {
		for name, v := range map[string]int{
			"behavior": components.Behavior,
			"wot":      components.WoT,
			"economic": components.Economic,
			"temporal": components.Temporal,
		} {
			if v < MinScore || v > MaxScore {
				return nil, NewValidationError("claimed_components."+name, ErrInvalidScore, "%d", v)
			}
		}
	}
	return &ConsensusClaim{
		ClaimID:           uuid.New().String(),
		Claimant:          claimant,
		ClaimedScore:      score,
		ClaimedComponents: components,
		Status:            ClaimPending,
		CreatedAt:         time.Now().UTC(),
	}, nil
}

// InCommittee reports whether the account was selected for this claim.
func (c *ConsensusClaim) InCommittee(a Account) bool {
	for _, m := range c.Committee {
		if m == a {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to callers.
func (c *ConsensusClaim) Clone() *ConsensusClaim {
	cp := *c
	cp.Committee = append([]Account(nil), c.Committee...)
	if c.ClaimedComponents != nil {
		comp := *c.ClaimedComponents
		cp.ClaimedComponents = &comp
	}
	if c.Tally != nil {
		t := *c.Tally
		cp.Tally = &t
	}
	return &cp
}

// ValidatorVote is one committee member's signed judgment on a claim.
type ValidatorVote struct {
	Validator  Account       `json:"validator"`
	ClaimID    string        `json:"claim_id"`
	Judgment   Judgment      `json:"judgment"`
	HasWoTView bool          `json:"has_wot_view"`
	Score      int           `json:"score"`
	Components Components    `json:"components"`
	SnapshotID string        `json:"snapshot_id,omitempty"`
	Nonce      string        `json:"nonce"`
	Signature  []byte        `json:"signature"`
	ReceivedAt time.Time     `json:"received_at,omitempty"`
	Latency    time.Duration `json:"latency,omitempty"`
}

// TargetKind names what a dispute challenges.
type TargetKind string

const (
	TargetEdge  TargetKind = "edge"
	TargetClaim TargetKind = "claim"
	TargetVote  TargetKind = "vote"
)

// TargetRef points at the bonded edge, claim or vote under dispute.
type TargetRef struct {
	Kind      TargetKind `json:"kind"`
	From      Account    `json:"from,omitempty"`
	To        Account    `json:"to,omitempty"`
	ClaimID   string     `json:"claim_id,omitempty"`
	Validator Account    `json:"validator,omitempty"`
}

// Validate checks the reference is well formed for its kind.
func (t TargetRef) Validate() error {
	switch t.Kind {
	case TargetEdge:
		if t.From.IsZero() || t.To.IsZero() {
			return NewValidationError("target", ErrUnknownTarget, "edge reference needs from and to")
		}
	case TargetClaim:
		if t.ClaimID == "" {
			return NewValidationError("target", ErrUnknownTarget, "claim reference needs claim_id")
		}
	case TargetVote:
		if t.ClaimID == "" || t.Validator.IsZero() {
			return NewValidationError("target", ErrUnknownTarget, "vote reference needs claim_id and validator")
		}
	default:
		return NewValidationError("target", ErrUnknownTarget, "kind %q", t.Kind)
	}
	return nil
}

// Key identifies the target uniquely across kinds.
func (t TargetRef) Key() string {
	switch t.Kind {
	case TargetEdge:
		return fmt.Sprintf("edge:%s", EdgeKey(t.From, t.To))
	case TargetVote:
		return fmt.Sprintf("vote:%s:%s", t.ClaimID, t.Validator)
	default:
		return fmt.Sprintf("claim:%s", t.ClaimID)
	}
}

// DisputeStatus filters dispute listings.
type DisputeStatus string

const (
	DisputeOpen     DisputeStatus = "open"
	DisputeResolved DisputeStatus = "resolved"
	DisputeAll      DisputeStatus = "all"
)

// Payout is one transfer produced by resolving a dispute.
type Payout struct {
	Account Account `json:"account"`
	Amount  Amount  `json:"amount"`
	Reason  string  `json:"reason"`
}

// DAODispute is a stake-weighted challenge against an edge, claim or vote.
type DAODispute struct {
	DisputeID     string             `json:"dispute_id"`
	Target        TargetRef          `json:"target"`
	Challenger    Account            `json:"challenger"`
	ChallengeBond Amount             `json:"challenge_bond"`
	Reason        string             `json:"reason"`
	Votes         map[Account]bool   `json:"votes"`
	Stakes        map[Account]Amount `json:"stakes"`
	VoteCount     int                `json:"vote_count"`
	Resolved      bool               `json:"resolved"`
	SlashDecision bool               `json:"slash_decision"`
	ForfeitedBond Amount             `json:"forfeited_bond,omitempty"`
	Payouts       []Payout           `json:"payouts,omitempty"`
	Burned        Amount             `json:"burned,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	Deadline      time.Time          `json:"deadline"`
	ResolvedAt    time.Time          `json:"resolved_at,omitempty"`
}

// Tally returns the stake backing each side.
func (d *DAODispute) Tally() (slash, keep Amount) {
	for voter, v := range d.Votes {
		if v {
			slash = slash.SaturatingAdd(d.Stakes[voter])
		} else {
			keep = keep.SaturatingAdd(d.Stakes[voter])
		}
	}
	return slash, keep
}

// Status reports the coarse lifecycle state.
func (d *DAODispute) Status() DisputeStatus {
	if d.Resolved {
		return DisputeResolved
	}
	return DisputeOpen
}

// Voters returns voters in canonical order.
func (d *DAODispute) Voters() []Account {
	out := make([]Account, 0, len(d.Votes))
	for a := range d.Votes {
		out = append(out, a)
	}
	return SortAccounts(out)
}

// Clone returns a deep copy.
func (d *DAODispute) Clone() *DAODispute {
	cp := *d
	cp.Votes = make(map[Account]bool, len(d.Votes))
	for k, v := range d.Votes {
		cp.Votes[k] = v
	}
	cp.Stakes = make(map[Account]Amount, len(d.Stakes))
	for k, v := range d.Stakes {
		cp.Stakes[k] = v
	}
	cp.Payouts = append([]Payout(nil), d.Payouts...)
	return &cp
}

// SortDisputes orders by creation time, then id.
func SortDisputes(ds []*DAODispute) {
	sort.Slice(ds, func(i, j int) bool {
		if !ds[i].CreatedAt.Equal(ds[j].CreatedAt) {
			return ds[i].CreatedAt.Before(ds[j].CreatedAt)
		}
		return ds[i].DisputeID < ds[j].DisputeID
	})
}

// PeerOverlapPercent is |a ∩ b| as a percentage of the smaller set. Empty sets never overlap.
func PeerOverlapPercent(a, b []string) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	set := make(map[string]struct{}, len(large))
	for _, p := range large {
		set[p] = struct{}{}
	}
	seen := make(map[string]struct{}, len(small))
	shared := 0
	for _, p := range small {
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		if _, ok := set[p]; ok {
			shared++
		}
	}
	return shared * 100 / len(seen)
}
