// Package dispute arbitrates challenges against trust edges, claims and
// validator votes with stake-weighted DAO voting.
package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/trust"
)

// Config holds the arbitration parameters.
type Config struct {
	MinChallengeBond        data.Amount
	VotingPeriod            time.Duration
	SupermajorityPercent    int64
	QuorumStake             data.Amount
	ChallengerRewardPercent int64
	VoterRewardPercent      int64
	KeepVoterRewardPercent  int64
	VoteSlashPercent        int64
}

func DefaultConfig() Config {
	return Config{
		MinChallengeBond:        1_000,
		VotingPeriod:            72 * time.Hour,
		SupermajorityPercent:    67,
		QuorumStake:             100_000,
		ChallengerRewardPercent: 50,
		VoterRewardPercent:      30,
		KeepVoterRewardPercent:  50,
		VoteSlashPercent:        10,
	}
}

// ClaimTargets resolves claim and vote references.
type ClaimTargets interface {
	Status(ctx context.Context, claimID string) (*data.ConsensusClaim, error)
	Vote(ctx context.Context, claimID string, validator data.Account) (*data.ValidatorVote, error)
	MarkOverturned(ctx context.Context, claimID, disputeID string) error
}

// Validators penalizes validators whose votes are slashed.
type Validators interface {
	Get(addr data.Account) (data.ValidatorInfo, error)
	Penalize(ctx context.Context, addr data.Account) error
}

// VoteRecord is one entry of a dispute's append-only vote log.
type VoteRecord struct {
	DisputeID string       `json:"dispute_id"`
	Seq       int          `json:"seq"`
	Voter     data.Account `json:"voter"`
	Slash     bool         `json:"slash"`
	Stake     data.Amount  `json:"stake"`
	At        time.Time    `json:"at"`
}

// Manager owns every DAODispute. Mutations are serialized.
type Manager struct {
	cfg        Config
	store      data.KVStore
	graph      *trust.Graph
	ledger     ledger.Ledger
	claims     ClaimTargets
	validators Validators
	metrics    *Metrics
	logger     *zap.Logger
	now        func() time.Time

	mu        sync.Mutex
	disputes  map[string]*data.DAODispute
	escalated map[string]string
	// active maps a target key to its unresolved dispute.
	active map[string]string
}

// NewManager builds a manager. Vote stakes are capped by l's view of each
// voter's stake.
func NewManager(cfg Config, store data.KVStore, graph *trust.Graph, l ledger.Ledger, metrics *Metrics, logger *zap.Logger) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		graph:     graph,
		ledger:    l,
		metrics:   metrics,
		logger:    logger.Named("dispute"),
		now:       time.Now,
		disputes:  make(map[string]*data.DAODispute),
		escalated: make(map[string]string),
		active:    make(map[string]string),
	}
}

// SetClaimTargets wires the consensus side once it exists.
func (m *Manager) SetClaimTargets(c ClaimTargets) {
	m.mu.Lock()
	m.claims = c
	m.mu.Unlock()
}

func (m *Manager) SetValidators(v Validators) {
	m.mu.Lock()
	m.validators = v
	m.mu.Unlock()
}

// Load restores persisted disputes.
func (m *Manager) Load(ctx context.Context) error {
	entries, err := m.store.Scan(ctx, data.PrefixDispute, "")
	if err != nil {
		return fmt.Errorf("loading disputes: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, kv := range entries {
		var d data.DAODispute
		if err := json.Unmarshal(kv.Value, &d); err != nil {
			return fmt.Errorf("decoding dispute %s: %w", kv.Key, err)
		}
		if d.Votes == nil {
			d.Votes = make(map[data.Account]bool)
		}
		if d.Stakes == nil {
			d.Stakes = make(map[data.Account]data.Amount)
		}
		m.disputes[d.DisputeID] = &d
		if d.Challenger.IsZero() {
			m.escalated[d.Target.Key()] = d.DisputeID
		}
		if !d.Resolved {
			m.active[d.Target.Key()] = d.DisputeID
		}
	}
	m.logger.Info("Disputes loaded", zap.Int("count", len(entries)))
	return nil
}

// Open records a bonded challenge against target.
func (m *Manager) Open(ctx context.Context, target data.TargetRef, challenger data.Account, bond data.Amount, reason string) (string, error) {
	if err := target.Validate(); err != nil {
		return "", err
	}
	if challenger.IsZero() {
		return "", data.NewValidationError("challenger", data.ErrInvalidAccount, "zero account")
	}
	if bond < m.cfg.MinChallengeBond {
		return "", data.InsufficientBond(m.cfg.MinChallengeBond, bond)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.active[target.Key()]; ok {
		return "", data.NewValidationError("target", data.ErrDuplicate, "dispute %s already open on %s", id, target.Key())
	}
	if err := m.checkTarget(ctx, target); err != nil {
		return "", err
	}
	d := m.newDispute(target, challenger, bond, reason)
	if err := m.put(ctx, d); err != nil {
		return "", err
	}
	m.disputes[d.DisputeID] = d
	m.active[target.Key()] = d.DisputeID
	m.metrics.opened.WithLabelValues(string(target.Kind)).Inc()

	m.logger.Info("Dispute opened",
		zap.String("dispute", d.DisputeID),
		zap.String("target", target.Key()),
		zap.String("challenger", challenger.Short()),
		zap.Uint64("bond", uint64(bond)))
	return d.DisputeID, nil
}

// Escalate opens the protocol's own dispute for a DISPUTED claim. It carries
// no bond and no challenger. Repeated calls for one claim, or a claim already
// under an open challenge, return the existing dispute.
func (m *Manager) Escalate(ctx context.Context, claim *data.ConsensusClaim) (string, error) {
	target := data.TargetRef{Kind: data.TargetClaim, ClaimID: claim.ClaimID}
	if err := target.Validate(); err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.escalated[target.Key()]; ok {
		return id, nil
	}
	if id, ok := m.active[target.Key()]; ok {
		m.escalated[target.Key()] = id
		return id, nil
	}
	reason := "consensus disputed"
	if claim.Tally != nil {
		reason = fmt.Sprintf("consensus disputed: accept %s reject %s", claim.Tally.Accept, claim.Tally.Reject)
	}
	d := m.newDispute(target, data.ZeroAccount, 0, reason)
	if err := m.put(ctx, d); err != nil {
		return "", err
	}
	m.disputes[d.DisputeID] = d
	m.escalated[target.Key()] = d.DisputeID
	m.active[target.Key()] = d.DisputeID
	m.metrics.opened.WithLabelValues(string(target.Kind)).Inc()

	m.logger.Warn("Claim escalated to dispute",
		zap.String("dispute", d.DisputeID),
		zap.String("claim", claim.ClaimID),
		zap.String("claimant", claim.Claimant.Short()))
	return d.DisputeID, nil
}

func (m *Manager) newDispute(target data.TargetRef, challenger data.Account, bond data.Amount, reason string) *data.DAODispute {
	now := m.now().UTC()
	return &data.DAODispute{
		DisputeID:     uuid.New().String(),
		Target:        target,
		Challenger:    challenger,
		ChallengeBond: bond,
		Reason:        reason,
		Votes:         make(map[data.Account]bool),
		Stakes:        make(map[data.Account]data.Amount),
		CreatedAt:     now,
		Deadline:      now.Add(m.cfg.VotingPeriod),
	}
}

// checkTarget requires the challenged edge, claim or vote to exist. Caller holds mu.
func (m *Manager) checkTarget(ctx context.Context, target data.TargetRef) error {
	switch target.Kind {
	case data.TargetEdge:
		edge, ok := m.graph.Snapshot().Edge(target.From, target.To)
		if !ok {
			return data.NewValidationError("target", data.ErrUnknownTarget, "no edge %s", data.EdgeKey(target.From, target.To))
		}
		if edge.Slashed {
			return data.NewValidationError("target", data.ErrUnknownTarget, "edge %s already slashed", edge.Key())
		}
	case data.TargetClaim:
		if m.claims == nil {
			return data.NewValidationError("target", data.ErrUnknownTarget, "claims unavailable")
		}
		if _, err := m.claims.Status(ctx, target.ClaimID); err != nil {
			return unknownTarget(err, "claim %s", target.ClaimID)
		}
	case data.TargetVote:
		if m.claims == nil {
			return data.NewValidationError("target", data.ErrUnknownTarget, "claims unavailable")
		}
		if _, err := m.claims.Vote(ctx, target.ClaimID, target.Validator); err != nil {
			return unknownTarget(err, "vote of %s on %s", target.Validator.Short(), target.ClaimID)
		}
	}
	return nil
}

func unknownTarget(err error, format string, args ...interface{}) error {
	if errors.Is(err, data.ErrNotFound) {
		return data.NewValidationError("target", data.ErrUnknownTarget, format, args...)
	}
	return err
}

// Vote records voter's stake-weighted stance. The stake may not exceed what
// the ledger holds for voter. A later vote from the same voter replaces the
// earlier one. Reaching quorum with a supermajority resolves the dispute
// immediately.
func (m *Manager) Vote(ctx context.Context, id string, voter data.Account, slash bool, stake data.Amount) error {
	if voter.IsZero() {
		return data.NewValidationError("voter", data.ErrInvalidAccount, "zero account")
	}
	if stake == 0 {
		return data.NewValidationError("stake", data.ErrInsufficientStake, "vote stake must be positive")
	}
	if m.ledger == nil {
		return fmt.Errorf("dispute %s: ledger: %w", id, data.ErrCollaboratorUnavailable)
	}
	held, err := m.ledger.Stake(ctx, voter)
	if err != nil {
		return fmt.Errorf("stake of %s: %w", voter.Short(), err)
	}
	if stake > held.Amount {
		return data.InsufficientStake(stake, held.Amount)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.disputes[id]
	if !ok {
		return fmt.Errorf("dispute %s: %w", id, data.ErrNotFound)
	}
	now := m.now().UTC()
	if cur.Resolved || now.After(cur.Deadline) {
		return fmt.Errorf("dispute %s: %w", id, data.ErrDisputeClosed)
	}

	d := cur.Clone()
	d.Votes[voter] = slash
	d.Stakes[voter] = stake
	d.VoteCount++
	rec := VoteRecord{DisputeID: id, Seq: d.VoteCount, Voter: voter, Slash: slash, Stake: stake, At: now}
	logOp, err := data.PutJSON(data.PrefixDisputeVote, voteLogKey(id, rec.Seq), rec)
	if err != nil {
		return err
	}
	if err := m.put(ctx, d, logOp); err != nil {
		return err
	}
	m.disputes[id] = d
	m.metrics.votes.Inc()

	m.logger.Debug("Dispute vote recorded",
		zap.String("dispute", id),
		zap.String("voter", voter.Short()),
		zap.Bool("slash", slash),
		zap.Uint64("stake", uint64(stake)))

	if m.supermajority(d) {
		if _, err := m.resolveLocked(ctx, d); err != nil {
			m.logger.Error("Early resolution failed",
				zap.String("dispute", id),
				zap.Error(err))
		}
	}
	return nil
}

func voteLogKey(id string, seq int) string {
	return fmt.Sprintf("%s|%08d", id, seq)
}

// supermajority reports whether quorum stake is in and one side holds the
// supermajority share.
func (m *Manager) supermajority(d *data.DAODispute) bool {
	slash, keep := d.Tally()
	total := slash.SaturatingAdd(keep)
	if total == 0 || total < m.cfg.QuorumStake {
		return false
	}
	lead := slash
	if keep > lead {
		lead = keep
	}
	return data.RatioU(uint64(lead), uint64(total)) >= data.FromPercent(m.cfg.SupermajorityPercent)
}

// Resolve decides the dispute once its deadline passed or a supermajority is
// in. Resolving a resolved dispute returns its terminal state unchanged.
func (m *Manager) Resolve(ctx context.Context, id string) (*data.DAODispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, data.ErrNotFound)
	}
	if d.Resolved {
		m.logger.Debug("Resolve repeated",
			zap.String("dispute", id),
			zap.NamedError("marker", data.ErrDisputeAlreadyResolved))
		return d.Clone(), nil
	}
	if m.now().Before(d.Deadline) && !m.supermajority(d) {
		return nil, fmt.Errorf("dispute %s: %w", id, data.ErrDisputeNotReady)
	}
	return m.resolveLocked(ctx, d)
}

// resolveLocked applies the decision. The dispute record is only replaced in
// memory after every side effect succeeded. Caller holds mu.
func (m *Manager) resolveLocked(ctx context.Context, cur *data.DAODispute) (*data.DAODispute, error) {
	d := cur.Clone()
	slash, keep := d.Tally()
	d.Resolved = true
	d.SlashDecision = slash > keep
	d.ResolvedAt = m.now().UTC()

	if d.SlashDecision {
		if err := m.applySlash(ctx, d); err != nil {
			return nil, err
		}
	} else {
		m.settle(d, d.ChallengeBond, m.cfg.KeepVoterRewardPercent, false)
		if err := m.put(ctx, d); err != nil {
			return nil, err
		}
	}

	m.disputes[d.DisputeID] = d
	if m.active[d.Target.Key()] == d.DisputeID {
		delete(m.active, d.Target.Key())
	}
	m.metrics.resolved.WithLabelValues(decisionLabel(d.SlashDecision)).Inc()
	m.metrics.forfeited.Add(float64(d.ForfeitedBond))
	m.metrics.burned.Add(float64(d.Burned))

	m.logger.Info("Dispute resolved",
		zap.String("dispute", d.DisputeID),
		zap.String("target", d.Target.Key()),
		zap.Bool("slash", d.SlashDecision),
		zap.Uint64("slash_stake", uint64(slash)),
		zap.Uint64("keep_stake", uint64(keep)),
		zap.Uint64("forfeited", uint64(d.ForfeitedBond)),
		zap.Uint64("burned", uint64(d.Burned)))
	return d.Clone(), nil
}

// applySlash forfeits the target's bond and persists d. Edge slashing commits
// the dispute record in the same batch; the penalize and overturn calls are
// idempotent, so a retry after a failed write converges.
func (m *Manager) applySlash(ctx context.Context, d *data.DAODispute) error {
	switch d.Target.Kind {
	case data.TargetEdge:
		var forfeit data.Amount
		if edge, ok := m.graph.Snapshot().Edge(d.Target.From, d.Target.To); ok && !edge.Slashed {
			forfeit = edge.Bond
		}
		m.settle(d, forfeit, m.cfg.VoterRewardPercent, true)
		op, err := disputeOp(d)
		if err != nil {
			return err
		}
		if _, already, err := m.graph.SlashWith(ctx, d.Target.From, d.Target.To, []data.Op{op}); err != nil {
			return fmt.Errorf("slashing edge for dispute %s: %w", d.DisputeID, err)
		} else if already && forfeit > 0 {
			m.logger.Warn("Edge slashed concurrently", zap.String("dispute", d.DisputeID))
		}
		return nil

	case data.TargetVote:
		if m.validators == nil {
			return fmt.Errorf("dispute %s: validator registry: %w", d.DisputeID, data.ErrCollaboratorUnavailable)
		}
		var forfeit data.Amount
		if info, err := m.validators.Get(d.Target.Validator); err == nil && !info.Penalized {
			forfeit = info.Stake.MulFixed(data.FromPercent(m.cfg.VoteSlashPercent))
		}
		if err := m.validators.Penalize(ctx, d.Target.Validator); err != nil {
			return fmt.Errorf("penalizing %s: %w", d.Target.Validator.Short(), err)
		}
		m.settle(d, forfeit, m.cfg.VoterRewardPercent, true)

	case data.TargetClaim:
		if m.claims == nil {
			return fmt.Errorf("dispute %s: claims: %w", d.DisputeID, data.ErrCollaboratorUnavailable)
		}
		if err := m.claims.MarkOverturned(ctx, d.Target.ClaimID, d.DisputeID); err != nil {
			return fmt.Errorf("overturning claim %s: %w", d.Target.ClaimID, err)
		}
		m.settle(d, 0, m.cfg.VoterRewardPercent, true)
	}
	return m.put(ctx, d)
}

// settle distributes forfeit. When slash wins the challenger's bond is
// returned and it takes its reward share; winning voters split voterPercent
// pro-rata by stake and the remainder is burned.
func (m *Manager) settle(d *data.DAODispute, forfeit data.Amount, voterPercent int64, slashWon bool) {
	d.ForfeitedBond = forfeit
	d.Payouts = nil

	var paid data.Amount
	if slashWon && !d.Challenger.IsZero() {
		if d.ChallengeBond > 0 {
			d.Payouts = append(d.Payouts, data.Payout{Account: d.Challenger, Amount: d.ChallengeBond, Reason: "bond_refund"})
		}
		if reward := forfeit.MulFixed(data.FromPercent(m.cfg.ChallengerRewardPercent)); reward > 0 {
			d.Payouts = append(d.Payouts, data.Payout{Account: d.Challenger, Amount: reward, Reason: "challenger_reward"})
			paid += reward
		}
	}

	pool := forfeit.MulFixed(data.FromPercent(voterPercent))
	var winning data.Amount
	for voter, v := range d.Votes {
		if v == slashWon {
			winning = winning.SaturatingAdd(d.Stakes[voter])
		}
	}
	if pool > 0 && winning > 0 {
		for _, voter := range d.Voters() {
			if d.Votes[voter] != slashWon {
				continue
			}
			share := proRata(pool, d.Stakes[voter], winning)
			if share == 0 {
				continue
			}
			d.Payouts = append(d.Payouts, data.Payout{Account: voter, Amount: share, Reason: "voter_reward"})
			paid += share
		}
	}
	d.Burned = forfeit - paid
}

// proRata returns pool*part/total without overflow. part never exceeds total,
// which keeps the quotient within 64 bits.
func proRata(pool, part, total data.Amount) data.Amount {
	hi, lo := bits.Mul64(uint64(pool), uint64(part))
	q, _ := bits.Div64(hi, lo, uint64(total))
	return data.Amount(q)
}

// Get returns a copy of the dispute.
func (m *Manager) Get(id string) (*data.DAODispute, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[id]
	if !ok {
		return nil, fmt.Errorf("dispute %s: %w", id, data.ErrNotFound)
	}
	return d.Clone(), nil
}

// List returns disputes in the given state ordered by creation.
func (m *Manager) List(status data.DisputeStatus) ([]*data.DAODispute, error) {
	switch status {
	case data.DisputeOpen, data.DisputeResolved, data.DisputeAll:
	case "":
		status = data.DisputeAll
	default:
		return nil, data.NewValidationError("status", data.ErrValidation, "unknown status %q", status)
	}

	m.mu.Lock()
	out := make([]*data.DAODispute, 0, len(m.disputes))
	for _, d := range m.disputes {
		if status == data.DisputeAll || d.Status() == status {
			out = append(out, d.Clone())
		}
	}
	m.mu.Unlock()

	data.SortDisputes(out)
	return out, nil
}

// VoteLog returns the dispute's votes in arrival order, superseded ones included.
func (m *Manager) VoteLog(ctx context.Context, id string) ([]VoteRecord, error) {
	entries, err := m.store.Scan(ctx, data.PrefixDisputeVote, id+"|")
	if err != nil {
		return nil, fmt.Errorf("loading vote log of %s: %w", id, err)
	}
	out := make([]VoteRecord, 0, len(entries))
	for _, kv := range entries {
		var rec VoteRecord
		if err := json.Unmarshal(kv.Value, &rec); err != nil {
			return nil, fmt.Errorf("decoding vote %s: %w", kv.Key, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// SweepExpired resolves every open dispute whose deadline is before now.
func (m *Manager) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []*data.DAODispute
	for _, d := range m.disputes {
		if !d.Resolved && now.After(d.Deadline) {
			expired = append(expired, d)
		}
	}
	data.SortDisputes(expired)

	var errs error
	resolved := 0
	for _, d := range expired {
		if err := ctx.Err(); err != nil {
			return resolved, multierr.Append(errs, err)
		}
		if _, err := m.resolveLocked(ctx, d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("dispute %s: %w", d.DisputeID, err))
			continue
		}
		resolved++
	}
	if resolved > 0 {
		m.logger.Info("Expired disputes resolved", zap.Int("count", resolved))
	}
	return resolved, errs
}

func (m *Manager) put(ctx context.Context, d *data.DAODispute, extra ...data.Op) error {
	op, err := disputeOp(d)
	if err != nil {
		return err
	}
	if err := m.store.Apply(ctx, append([]data.Op{op}, extra...)); err != nil {
		return fmt.Errorf("persisting dispute %s: %w", d.DisputeID, err)
	}
	return nil
}

func disputeOp(d *data.DAODispute) (data.Op, error) {
	return data.PutJSON(data.PrefixDispute, d.DisputeID, d)
}
