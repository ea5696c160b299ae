package security

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/blake2b"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/validator"
)

// SybilConfig controls Sybil cluster detection.
type SybilConfig struct {
	MinClusterSize        int
	MaxPeerOverlapPercent int
}

func DefaultSybilConfig() SybilConfig {
	return SybilConfig{
		MinClusterSize:        3,
		MaxPeerOverlapPercent: 50,
	}
}

// SybilCluster is a group of accounts linked by shared provenance.
type SybilCluster struct {
	Members []data.Account `json:"members"`
	Signals []string       `json:"signals"`
}

// SybilDetector links accounts that share a funding source, an identical
// counterparty fingerprint, or most of their network peers.
type SybilDetector struct {
	cfg      SybilConfig
	ledger   ledger.Ledger
	history  ledger.HistoryStore
	flagged  data.AccountSet
	clusters []SybilCluster
	logger   *zap.Logger
	mu       sync.RWMutex
}

func NewSybilDetector(cfg SybilConfig, l ledger.Ledger, history ledger.HistoryStore, logger *zap.Logger) *SybilDetector {
	return &SybilDetector{
		cfg:     cfg,
		ledger:  l,
		history: history,
		flagged: make(data.AccountSet),
		logger:  logger.Named("sybil"),
	}
}

// Detect recomputes the flagged set over the given validators.
func (d *SybilDetector) Detect(ctx context.Context, validators []data.ValidatorInfo) ([]SybilCluster, error) {
	sets := newDisjointSet()
	signals := make(map[data.Account]map[string]struct{})
	link := func(a, b data.Account, signal string) {
		sets.union(a, b)
		for _, x := range []data.Account{a, b} {
			if signals[x] == nil {
				signals[x] = make(map[string]struct{})
			}
			signals[x][signal] = struct{}{}
		}
	}

	byFunder := make(map[data.Account]data.Account)
	byFingerprint := make(map[[32]byte]data.Account)
	for _, v := range validators {
		sets.add(v.Address)

		funder, err := d.ledger.FundingSource(ctx, v.Address)
		if err != nil {
			return nil, fmt.Errorf("funding source of %s: %w", v.Address.Short(), err)
		}
		if !funder.IsZero() {
			if first, ok := byFunder[funder]; ok {
				link(first, v.Address, "funding")
			} else {
				byFunder[funder] = v.Address
			}
		}

		if d.history != nil {
			fp, ok, err := d.fingerprint(ctx, v.Address)
			if err != nil {
				return nil, err
			}
			if ok {
				if first, seen := byFingerprint[fp]; seen {
					link(first, v.Address, "fingerprint")
				} else {
					byFingerprint[fp] = v.Address
				}
			}
		}
	}

	for i := range validators {
		for j := i + 1; j < len(validators); j++ {
			if data.PeerOverlapPercent(validators[i].PeerSet, validators[j].PeerSet) > d.cfg.MaxPeerOverlapPercent {
				link(validators[i].Address, validators[j].Address, "peer_overlap")
			}
		}
	}

	var clusters []SybilCluster
	flagged := make(data.AccountSet)
	for _, members := range sets.groups() {
		if len(members) < d.cfg.MinClusterSize {
			continue
		}
		seen := make(map[string]struct{})
		for _, m := range members {
			flagged.Add(m)
			for s := range signals[m] {
				seen[s] = struct{}{}
			}
		}
		c := SybilCluster{Members: members}
		for s := range seen {
			c.Signals = append(c.Signals, s)
		}
		sort.Strings(c.Signals)
		clusters = append(clusters, c)
	}

	d.mu.Lock()
	d.flagged, d.clusters = flagged, clusters
	d.mu.Unlock()

	if len(clusters) > 0 {
		d.logger.Warn("Sybil clusters detected",
			zap.Int("clusters", len(clusters)),
			zap.Int("accounts", len(flagged)))
	}
	return clusters, nil
}

// fingerprint hashes the sorted counterparty set. Accounts with no history have none.
func (d *SybilDetector) fingerprint(ctx context.Context, a data.Account) ([32]byte, bool, error) {
	interactions, err := d.history.Interactions(ctx, a)
	if err != nil {
		return [32]byte{}, false, fmt.Errorf("history of %s: %w", a.Short(), err)
	}
	if len(interactions) == 0 {
		return [32]byte{}, false, nil
	}
	partners := make(data.AccountSet)
	for _, in := range interactions {
		partners.Add(in.Counterparty)
	}
	var buf []byte
	for _, p := range partners.Sorted() {
		buf = append(buf, p[:]...)
	}
	return blake2b.Sum256(buf), true, nil
}

// Flagged reports whether addr sits in a detected Sybil cluster.
func (d *SybilDetector) Flagged(addr data.Account) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flagged.Has(addr)
}

func (d *SybilDetector) Clusters() []SybilCluster {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]SybilCluster(nil), d.clusters...)
}

// FlaggedAccounts returns the flagged set in address order.
func (d *SybilDetector) FlaggedAccounts() []data.Account {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.flagged.Sorted()
}

// CheckEligibility applies the anti-Sybil subset of the validator thresholds:
// stake diversity, account age, history depth, and cluster membership.
func (d *SybilDetector) CheckEligibility(info data.ValidatorInfo, t validator.Thresholds) error {
	var reasons []string
	if info.StakeSources < t.MinStakeSources {
		reasons = append(reasons, fmt.Sprintf("stake sources %d < %d", info.StakeSources, t.MinStakeSources))
	}
	if info.OnChainAgeDays < t.MinOnChainAgeDays {
		reasons = append(reasons, fmt.Sprintf("account age %dd < %dd", info.OnChainAgeDays, t.MinOnChainAgeDays))
	}
	if info.TxCount < t.MinTxCount {
		reasons = append(reasons, fmt.Sprintf("tx count %d < %d", info.TxCount, t.MinTxCount))
	}
	if info.UniqueInteractions < t.MinUniqueInteractions {
		reasons = append(reasons, fmt.Sprintf("unique interactions %d < %d", info.UniqueInteractions, t.MinUniqueInteractions))
	}
	if d.Flagged(info.Address) {
		reasons = append(reasons, "member of a sybil cluster")
	}
	if len(reasons) > 0 {
		return data.NewValidationError("validator", data.ErrNotEligible, "%s", strings.Join(reasons, "; "))
	}
	return nil
}

// disjointSet is union-find keyed by account; the smallest account is the root.
type disjointSet struct {
	parent map[data.Account]data.Account
}

func newDisjointSet() *disjointSet {
	return &disjointSet{parent: make(map[data.Account]data.Account)}
}

func (s *disjointSet) add(a data.Account) {
	if _, ok := s.parent[a]; !ok {
		s.parent[a] = a
	}
}

func (s *disjointSet) find(a data.Account) data.Account {
	for s.parent[a] != a {
		s.parent[a] = s.parent[s.parent[a]]
		a = s.parent[a]
	}
	return a
}

func (s *disjointSet) union(a, b data.Account) {
	s.add(a)
	s.add(b)
	ra, rb := s.find(a), s.find(b)
	if ra == rb {
		return
	}
	if rb.Less(ra) {
		ra, rb = rb, ra
	}
	s.parent[rb] = ra
}

// groups returns every set with its members sorted, ordered by root.
func (s *disjointSet) groups() [][]data.Account {
	byRoot := make(map[data.Account][]data.Account)
	for a := range s.parent {
		r := s.find(a)
		byRoot[r] = append(byRoot[r], a)
	}
	roots := make([]data.Account, 0, len(byRoot))
	for r := range byRoot {
		roots = append(roots, r)
	}
	data.SortAccounts(roots)

	out := make([][]data.Account, 0, len(roots))
	for _, r := range roots {
		out = append(out, data.SortAccounts(byRoot[r]))
	}
	return out
}
