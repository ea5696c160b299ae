// Package validator tracks consensus validators and draws claim committees.
package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

// Thresholds are the minimums an account must meet to validate claims.
type Thresholds struct {
	MinStake              data.Amount
	MinHATScore           int
	MinStakeAgeDays       int
	MinOnChainAgeDays     int
	MinTxCount            int
	MinUniqueInteractions int
	MinStakeSources       int
	MinUptimePercent      int
}

// DefaultThresholds returns default eligibility thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinStake:              10_000,
		MinHATScore:           70,
		MinStakeAgeDays:       30,
		MinOnChainAgeDays:     90,
		MinTxCount:            100,
		MinUniqueInteractions: 20,
		MinStakeSources:       2,
		MinUptimePercent:      90,
	}
}

// Scorer supplies an account's global score.
type Scorer interface {
	CalculateFinalTrust(ctx context.Context, target, viewer data.Account) (int, error)
}

// SybilChecker reports accounts that belong to a flagged Sybil cluster.
type SybilChecker interface {
	Flagged(addr data.Account) bool
}

// Registry is the persistent set of known validators.
type Registry struct {
	cfg        Thresholds
	store      data.KVStore
	ledger     ledger.Ledger
	scorer     Scorer
	sybil      SybilChecker
	validators map[data.Account]*data.ValidatorInfo
	logger     *zap.Logger
	now        func() time.Time
	mu         sync.RWMutex
}

func NewRegistry(cfg Thresholds, store data.KVStore, l ledger.Ledger, logger *zap.Logger) *Registry {
	return &Registry{
		cfg:        cfg,
		store:      store,
		ledger:     l,
		validators: make(map[data.Account]*data.ValidatorInfo),
		logger:     logger.Named("registry"),
		now:        time.Now,
	}
}

// SetScorer wires the score source used by Refresh.
func (r *Registry) SetScorer(s Scorer) {
	r.mu.Lock()
	r.scorer = s
	r.mu.Unlock()
}

// SetSybilChecker wires the Sybil detector consulted on every eligibility check.
func (r *Registry) SetSybilChecker(s SybilChecker) {
	r.mu.Lock()
	r.sybil = s
	r.mu.Unlock()
}

func (r *Registry) Thresholds() Thresholds {
	return r.cfg
}

// Load restores persisted validators.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.store.Scan(ctx, data.PrefixValidator, "")
	if err != nil {
		return fmt.Errorf("loading validators: %w", err)
	}

	loaded := make(map[data.Account]*data.ValidatorInfo, len(entries))
	for _, kv := range entries {
		var info data.ValidatorInfo
		if err := json.Unmarshal(kv.Value, &info); err != nil {
			return fmt.Errorf("decoding validator %s: %w", kv.Key, err)
		}
		loaded[info.Address] = &info
	}

	r.mu.Lock()
	r.validators = loaded
	r.mu.Unlock()

	r.logger.Info("Validators loaded", zap.Int("count", len(loaded)))
	return nil
}

// Register adds or updates a validator. Accounts below the minimum stake are
// rejected with the required amount.
func (r *Registry) Register(ctx context.Context, info data.ValidatorInfo) (data.ValidatorInfo, error) {
	if info.Stake < r.cfg.MinStake {
		return data.ValidatorInfo{}, data.InsufficientStake(r.cfg.MinStake, info.Stake)
	}
	return r.Upsert(ctx, info)
}

// Upsert stores info, keeping the response counters and penalty the registry
// already tracks for the address.
func (r *Registry) Upsert(ctx context.Context, info data.ValidatorInfo) (data.ValidatorInfo, error) {
	if info.Address.IsZero() {
		return data.ValidatorInfo{}, data.NewValidationError("address", data.ErrInvalidAccount, "zero account")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.validators[info.Address]; ok {
		info.Assigned = prev.Assigned
		info.Responded = prev.Responded
		info.ConsecutiveMisses = prev.ConsecutiveMisses
		info.Penalized = prev.Penalized || info.Penalized
	}
	if err := r.putLocked(ctx, &info); err != nil {
		return data.ValidatorInfo{}, err
	}
	r.logger.Debug("Validator upserted",
		zap.String("address", info.Address.Short()),
		zap.Bool("eligible", info.IsEligible),
		zap.String("reason", info.Ineligibility))
	return info, nil
}

// putLocked evaluates and persists info, then publishes it. Caller holds mu.
func (r *Registry) putLocked(ctx context.Context, info *data.ValidatorInfo) error {
	info.IsEligible, info.Ineligibility = r.evaluate(info)
	info.UpdatedAt = r.now().UTC()

	op, err := data.PutJSON(data.PrefixValidator, info.Address.String(), info)
	if err != nil {
		return err
	}
	if err := r.store.Apply(ctx, []data.Op{op}); err != nil {
		return fmt.Errorf("persisting validator %s: %w", info.Address.Short(), err)
	}
	stored := *info
	r.validators[info.Address] = &stored
	return nil
}

// evaluate applies the thresholds. It is a pure function of info and the
// current Sybil flags.
func (r *Registry) evaluate(info *data.ValidatorInfo) (bool, string) {
	switch {
	case info.Penalized:
		return false, "penalized"
	case info.Stake < r.cfg.MinStake:
		return false, "stake"
	case info.HATScore < r.cfg.MinHATScore:
		return false, "hat_score"
	case info.StakeAgeDays < r.cfg.MinStakeAgeDays:
		return false, "stake_age"
	case info.OnChainAgeDays < r.cfg.MinOnChainAgeDays:
		return false, "on_chain_age"
	case info.TxCount < r.cfg.MinTxCount:
		return false, "tx_count"
	case info.UniqueInteractions < r.cfg.MinUniqueInteractions:
		return false, "unique_interactions"
	case info.StakeSources < r.cfg.MinStakeSources:
		return false, "stake_sources"
	case info.UptimePercent < r.cfg.MinUptimePercent:
		return false, "uptime"
	case r.sybil != nil && r.sybil.Flagged(info.Address):
		return false, "sybil"
	}
	return true, ""
}

// Get returns a copy of the validator with its eligibility re-evaluated.
func (r *Registry) Get(addr data.Account) (data.ValidatorInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.validators[addr]
	if !ok {
		return data.ValidatorInfo{}, fmt.Errorf("validator %s: %w", addr.Short(), data.ErrNotFound)
	}
	info := *v
	info.IsEligible, info.Ineligibility = r.evaluate(&info)
	return info, nil
}

// All returns every known validator sorted by address.
func (r *Registry) All() []data.ValidatorInfo {
	return r.list(false)
}

// Eligible returns the currently eligible validators sorted by address.
func (r *Registry) Eligible() []data.ValidatorInfo {
	return r.list(true)
}

func (r *Registry) list(eligibleOnly bool) []data.ValidatorInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]data.ValidatorInfo, 0, len(r.validators))
	for _, v := range r.validators {
		info := *v
		info.IsEligible, info.Ineligibility = r.evaluate(&info)
		if eligibleOnly && !info.IsEligible {
			continue
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Less(out[j].Address) })
	return out
}

// Refresh re-reads stake, account age and score for every validator.
// Validators whose collaborators fail keep their previous values.
func (r *Registry) Refresh(ctx context.Context) error {
	r.mu.RLock()
	addrs := make([]data.Account, 0, len(r.validators))
	for a := range r.validators {
		addrs = append(addrs, a)
	}
	scorer := r.scorer
	r.mu.RUnlock()
	data.SortAccounts(addrs)

	history, _ := r.ledger.(ledger.HistoryStore)

	var errs error
	refreshed := 0
	for _, addr := range addrs {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		info, err := r.Get(addr)
		if err != nil {
			continue
		}
		if err := r.collect(ctx, &info, scorer, history); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("refreshing %s: %w", addr.Short(), err))
			continue
		}

		r.mu.Lock()
		if cur, ok := r.validators[addr]; ok {
			info.Assigned = cur.Assigned
			info.Responded = cur.Responded
			info.ConsecutiveMisses = cur.ConsecutiveMisses
			info.Penalized = cur.Penalized
		}
		err = r.putLocked(ctx, &info)
		r.mu.Unlock()
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		refreshed++
	}

	r.logger.Info("Validator registry refreshed",
		zap.Int("validators", len(addrs)),
		zap.Int("refreshed", refreshed),
		zap.Int("eligible", len(r.Eligible())))
	return errs
}

func (r *Registry) collect(ctx context.Context, info *data.ValidatorInfo, scorer Scorer, history ledger.HistoryStore) error {
	stake, err := r.ledger.Stake(ctx, info.Address)
	if err != nil {
		return err
	}
	acct, err := r.ledger.Account(ctx, info.Address)
	if err != nil {
		return err
	}
	info.Stake = stake.Amount
	info.StakeAgeDays = stake.AgeDays
	info.StakeSources = stake.Sources
	info.OnChainAgeDays = acct.AgeDays
	info.TxCount = acct.TxCount

	if history != nil {
		interactions, err := history.Interactions(ctx, info.Address)
		if err != nil {
			return err
		}
		partners := make(data.AccountSet)
		for _, in := range interactions {
			partners.Add(in.Counterparty)
		}
		info.UniqueInteractions = len(partners)
	}

	if scorer != nil {
		score, err := scorer.CalculateFinalTrust(ctx, info.Address, data.ZeroAccount)
		if err != nil {
			return err
		}
		info.HATScore = score
	}
	return nil
}

// RecordResponse tracks whether a committee member answered its round.
func (r *Registry) RecordResponse(ctx context.Context, addr data.Account, responded bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr]
	if !ok {
		return fmt.Errorf("validator %s: %w", addr.Short(), data.ErrNotFound)
	}
	info := *v
	info.Assigned++
	if responded {
		info.Responded++
		info.ConsecutiveMisses = 0
	} else {
		info.ConsecutiveMisses++
	}
	return r.putLocked(ctx, &info)
}

// Penalize makes a validator permanently ineligible after a lost vote dispute.
func (r *Registry) Penalize(ctx context.Context, addr data.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.validators[addr]
	if !ok {
		return fmt.Errorf("validator %s: %w", addr.Short(), data.ErrNotFound)
	}
	if v.Penalized {
		return nil
	}
	info := *v
	info.Penalized = true
	if err := r.putLocked(ctx, &info); err != nil {
		return err
	}
	r.logger.Warn("Validator penalized", zap.String("address", addr.Short()))
	return nil
}

// Known reports whether addr is a registered validator.
func (r *Registry) Known(addr data.Account) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[addr]
	return ok
}
