package validator

import (
	"encoding/binary"
	"encoding/hex"
	"math/bits"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"hat_reputation/pkg/data"
)

// MinCommitteeSize is the smallest committee that may decide a claim.
const MinCommitteeSize = 10

// SelectorConfig controls committee size and selection weighting.
type SelectorConfig struct {
	CommitteeSize         int
	StakeWeightCap        uint64
	MaxPeerOverlapPercent int
}

func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		CommitteeSize:         MinCommitteeSize,
		StakeWeightCap:        1_000,
		MaxPeerOverlapPercent: 50,
	}
}

// Committee is the outcome of one draw.
type Committee struct {
	Seed    [32]byte
	Members []data.ValidatorInfo
}

func (c *Committee) SeedHex() string {
	return hex.EncodeToString(c.Seed[:])
}

func (c *Committee) Addresses() []data.Account {
	return lo.Map(c.Members, func(v data.ValidatorInfo, _ int) data.Account { return v.Address })
}

// Selector draws committees from the registry's eligible set.
type Selector struct {
	cfg      SelectorConfig
	registry *Registry
	logger   *zap.Logger
}

func NewSelector(cfg SelectorConfig, registry *Registry, logger *zap.Logger) *Selector {
	if cfg.CommitteeSize < MinCommitteeSize {
		cfg.CommitteeSize = MinCommitteeSize
	}
	return &Selector{
		cfg:      cfg,
		registry: registry,
		logger:   logger.Named("selector"),
	}
}

// Seed is blake2b-256(claimID || height as 8 big-endian bytes).
func Seed(claimID string, height uint64) [32]byte {
	buf := make([]byte, 0, len(claimID)+8)
	buf = append(buf, claimID...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	return blake2b.Sum256(buf)
}

// SelectCommittee draws a committee for claimID at the given block height.
// The claimant never sits on its own committee. Fewer than MinCommitteeSize
// eligible validators yields an IndeterminateError.
func (s *Selector) SelectCommittee(claimID string, claimant data.Account, height uint64) (*Committee, error) {
	pool := lo.Filter(s.registry.Eligible(), func(v data.ValidatorInfo, _ int) bool {
		return v.Address != claimant
	})
	if len(pool) < MinCommitteeSize {
		s.logger.Warn("Not enough eligible validators",
			zap.String("claim", claimID),
			zap.Int("eligible", len(pool)))
		return nil, &data.IndeterminateError{
			Reason:   "too few eligible validators",
			Eligible: len(pool),
			Required: MinCommitteeSize,
		}
	}

	seed := Seed(claimID, height)
	size := s.cfg.CommitteeSize
	if size > len(pool) {
		size = len(pool)
	}

	members := s.draw(seed, pool, size)
	s.logger.Debug("Committee selected",
		zap.String("claim", claimID),
		zap.Uint64("height", height),
		zap.Int("size", len(members)))
	return &Committee{Seed: seed, Members: members}, nil
}

type candidate struct {
	info   data.ValidatorInfo
	weight uint64
}

// draw picks size members without replacement. Candidates whose peer set
// overlaps a chosen member's beyond the limit are set aside and only used
// once the rest of the pool is exhausted.
func (s *Selector) draw(seed [32]byte, pool []data.ValidatorInfo, size int) []data.ValidatorInfo {
	remaining := make([]candidate, len(pool))
	for i, v := range pool {
		remaining[i] = candidate{info: v, weight: s.Weight(v)}
	}

	var deferred []candidate
	members := make([]data.ValidatorInfo, 0, size)
	round := uint64(0)
	for len(members) < size {
		if len(remaining) == 0 {
			remaining, deferred = deferred, nil
		}
		idx := pick(seed, round, remaining)
		round++

		c := remaining[idx]
		remaining = append(remaining[:idx], remaining[idx+1:]...)
		if s.overlapsAny(c.info, members) && len(remaining)+len(members) >= size {
			deferred = append(deferred, c)
			continue
		}
		members = append(members, c.info)
	}
	return members
}

func (s *Selector) overlapsAny(v data.ValidatorInfo, members []data.ValidatorInfo) bool {
	for _, m := range members {
		if data.PeerOverlapPercent(v.PeerSet, m.PeerSet) > s.cfg.MaxPeerOverlapPercent {
			return true
		}
	}
	return false
}

func pick(seed [32]byte, round uint64, cands []candidate) int {
	var total uint64
	for _, c := range cands {
		total += c.weight
	}
	if total == 0 {
		return 0
	}

	buf := make([]byte, 0, 40)
	buf = append(buf, seed[:]...)
	buf = binary.BigEndian.AppendUint64(buf, round)
	h := blake2b.Sum256(buf)
	r := binary.BigEndian.Uint64(h[:8]) % total

	for i, c := range cands {
		if r < c.weight {
			return i
		}
		r -= c.weight
	}
	return len(cands) - 1
}

// Weight is min(isqrt(stake), cap) * (50+score)/100, divided by one plus the
// validator's consecutive missed rounds. It is never below one.
func (s *Selector) Weight(v data.ValidatorInfo) uint64 {
	w := isqrt(uint64(v.Stake))
	if w > s.cfg.StakeWeightCap {
		w = s.cfg.StakeWeightCap
	}
	score := v.HATScore
	if score < 0 {
		score = 0
	}
	w = w * uint64(50+score) / 100
	w /= uint64(1 + v.ConsecutiveMisses)
	if w == 0 {
		w = 1
	}
	return w
}

func isqrt(n uint64) uint64 {
	if n < 2 {
		return n
	}
	// start from a power of two at or above the root
	x := uint64(1) << ((bits.Len64(n) + 1) / 2)
	for {
		y := (x + n/x) / 2
		if y >= x {
			return x
		}
		x = y
	}
}
