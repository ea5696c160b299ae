package security

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"hat_reputation/pkg/data"
)

// Flag kinds raised by the vote manipulation detector.
const (
	FlagIdenticalVotes = "identical_votes"
	FlagTightTiming    = "tight_timing"
	FlagDirectionBias  = "directional_bias"
)

// VoteConfig holds vote manipulation thresholds.
type VoteConfig struct {
	MinSharedRounds    int
	MinJointDeviations int
	MinVotes           int
	ZThreshold         float64
	MaxRounds          int
}

func DefaultVoteConfig() VoteConfig {
	return VoteConfig{
		MinSharedRounds:    10,
		MinJointDeviations: 3,
		MinVotes:           10,
		ZThreshold:         3,
		MaxRounds:          1000,
	}
}

// RoundRecord is a finished consensus round as seen by the detector.
type RoundRecord struct {
	ClaimID string
	Outcome data.ClaimStatus
	Votes   []data.ValidatorVote
}

// VoteFlag describes one suspicious validator or validator pair.
type VoteFlag struct {
	Kind       string         `json:"kind"`
	Validators []data.Account `json:"validators"`
	Z          float64        `json:"z,omitempty"`
	Detail     string         `json:"detail"`
}

type ballot struct {
	judgment data.Judgment
	latency  time.Duration
	deviated bool
}

// VoteManipulationDetector looks for validators that vote in lockstep or with
// a consistent bias. Its output only down-weights votes; it never enters scores.
type VoteManipulationDetector struct {
	cfg     VoteConfig
	rounds  []RoundRecord
	flagged map[data.Account][]VoteFlag
	logger  *zap.Logger
	mu      sync.RWMutex
}

func NewVoteManipulationDetector(cfg VoteConfig, logger *zap.Logger) *VoteManipulationDetector {
	return &VoteManipulationDetector{
		cfg:     cfg,
		flagged: make(map[data.Account][]VoteFlag),
		logger:  logger.Named("votes"),
	}
}

// Record appends a finished round, dropping the oldest beyond MaxRounds.
func (d *VoteManipulationDetector) Record(round RoundRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rounds = append(d.rounds, round)
	if d.cfg.MaxRounds > 0 && len(d.rounds) > d.cfg.MaxRounds {
		d.rounds = append([]RoundRecord(nil), d.rounds[len(d.rounds)-d.cfg.MaxRounds:]...)
	}
}

// Analyze recomputes the flags over the recorded history.
func (d *VoteManipulationDetector) Analyze() []VoteFlag {
	d.mu.RLock()
	history := d.ballots()
	d.mu.RUnlock()

	validators := make([]data.Account, 0, len(history))
	for v := range history {
		validators = append(validators, v)
	}
	data.SortAccounts(validators)

	var flags []VoteFlag
	flags = append(flags, d.pairFlags(validators, history)...)
	flags = append(flags, d.biasFlags(validators, history)...)

	flagged := make(map[data.Account][]VoteFlag)
	for _, f := range flags {
		for _, v := range f.Validators {
			flagged[v] = append(flagged[v], f)
		}
	}

	d.mu.Lock()
	d.flagged = flagged
	d.mu.Unlock()

	if len(flags) > 0 {
		d.logger.Warn("Vote manipulation suspected",
			zap.Int("flags", len(flags)),
			zap.Int("validators", len(flagged)))
	}
	return flags
}

// ballots indexes history by validator then claim. Caller holds mu.
func (d *VoteManipulationDetector) ballots() map[data.Account]map[string]ballot {
	out := make(map[data.Account]map[string]ballot)
	for _, r := range d.rounds {
		for _, v := range r.Votes {
			if v.Judgment == data.JudgmentAbstain {
				continue
			}
			if out[v.Validator] == nil {
				out[v.Validator] = make(map[string]ballot)
			}
			out[v.Validator][r.ClaimID] = ballot{
				judgment: v.Judgment,
				latency:  v.Latency,
				deviated: deviates(r.Outcome, v.Judgment),
			}
		}
	}
	return out
}

func deviates(outcome data.ClaimStatus, j data.Judgment) bool {
	switch outcome {
	case data.ClaimValidated:
		return j == data.JudgmentReject
	case data.ClaimDisputed:
		return j == data.JudgmentAccept
	}
	return false
}

type pairStats struct {
	a, b      data.Account
	shared    int
	agreed    int
	deviated  int
	meanDelta float64
}

func (d *VoteManipulationDetector) pairFlags(validators []data.Account, history map[data.Account]map[string]ballot) []VoteFlag {
	var pairs []pairStats
	for i, a := range validators {
		for _, b := range validators[i+1:] {
			p := pairStats{a: a, b: b}
			var delta float64
			for claim, ba := range history[a] {
				bb, ok := history[b][claim]
				if !ok {
					continue
				}
				p.shared++
				if ba.judgment == bb.judgment {
					p.agreed++
					if ba.deviated && bb.deviated {
						p.deviated++
					}
				}
				delta += math.Abs(float64(ba.latency - bb.latency))
			}
			if p.shared == 0 {
				continue
			}
			p.meanDelta = delta / float64(p.shared)
			pairs = append(pairs, p)
		}
	}

	var flags []VoteFlag
	for _, p := range pairs {
		if p.shared >= d.cfg.MinSharedRounds && p.agreed == p.shared && p.deviated >= d.cfg.MinJointDeviations {
			flags = append(flags, VoteFlag{
				Kind:       FlagIdenticalVotes,
				Validators: []data.Account{p.a, p.b},
				Detail:     fmt.Sprintf("%d shared rounds, %d joint deviations", p.shared, p.deviated),
			})
		}
	}

	// timing is judged only over pairs with enough shared history
	var eligible []pairStats
	for _, p := range pairs {
		if p.shared >= d.cfg.MinSharedRounds {
			eligible = append(eligible, p)
		}
	}
	if len(eligible) < 3 {
		return flags
	}
	deltas := make([]float64, len(eligible))
	for i, p := range eligible {
		deltas[i] = p.meanDelta
	}
	mean, std := stat.MeanStdDev(deltas, nil)
	if std == 0 || math.IsNaN(std) {
		return flags
	}
	for _, p := range eligible {
		z := stat.StdScore(p.meanDelta, mean, std)
		if z <= -d.cfg.ZThreshold {
			flags = append(flags, VoteFlag{
				Kind:       FlagTightTiming,
				Validators: []data.Account{p.a, p.b},
				Z:          z,
				Detail:     fmt.Sprintf("mean latency gap %s", time.Duration(p.meanDelta)),
			})
		}
	}
	return flags
}

func (d *VoteManipulationDetector) biasFlags(validators []data.Account, history map[data.Account]map[string]ballot) []VoteFlag {
	var (
		accounts []data.Account
		rates    []float64
	)
	for _, v := range validators {
		votes := history[v]
		if len(votes) < d.cfg.MinVotes {
			continue
		}
		rejects := 0
		for _, b := range votes {
			if b.judgment == data.JudgmentReject {
				rejects++
			}
		}
		accounts = append(accounts, v)
		rates = append(rates, float64(rejects)/float64(len(votes)))
	}
	if len(rates) < 3 {
		return nil
	}

	mean, std := stat.MeanStdDev(rates, nil)
	if std == 0 || math.IsNaN(std) {
		return nil
	}
	var flags []VoteFlag
	for i, r := range rates {
		z := stat.StdScore(r, mean, std)
		if math.Abs(z) >= d.cfg.ZThreshold {
			flags = append(flags, VoteFlag{
				Kind:       FlagDirectionBias,
				Validators: []data.Account{accounts[i]},
				Z:          z,
				Detail:     fmt.Sprintf("reject rate %.2f against mean %.2f", r, mean),
			})
		}
	}
	return flags
}

// Multiplier is the vote weight factor for a validator: one half when flagged.
func (d *VoteManipulationDetector) Multiplier(addr data.Account) data.Fixed {
	if d.Flagged(addr) {
		return data.One / 2
	}
	return data.One
}

func (d *VoteManipulationDetector) Flagged(addr data.Account) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.flagged[addr]) > 0
}

// Flags returns the flags raised against addr by the last Analyze.
func (d *VoteManipulationDetector) Flags(addr data.Account) []VoteFlag {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]VoteFlag(nil), d.flagged[addr]...)
}

// FlaggedAccounts returns every validator flagged by the last Analyze.
func (d *VoteManipulationDetector) FlaggedAccounts() []data.Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]data.Account, 0, len(d.flagged))
	for a := range d.flagged {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
