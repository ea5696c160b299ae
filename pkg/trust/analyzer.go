package trust

import (
	"sync"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
)

// AnalyzerConfig holds topology thresholds
type AnalyzerConfig struct {
	MinClusterSize         int
	DensityPercent         int64
	ExternalRatioPercent   int64
	CentralityBonusPercent int64
	CentralityCap          int
}

// DefaultAnalyzerConfig returns default analyzer configuration
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		MinClusterSize:         3,
		DensityPercent:         50,
		ExternalRatioPercent:   25,
		CentralityBonusPercent: 5,
		CentralityCap:          20,
	}
}

// Cluster is a group of mutually trusting accounts with little outside support.
type Cluster struct {
	Members         []data.Account `json:"members"`
	MutualPairs     int            `json:"mutual_pairs"`
	InternalEdges   int            `json:"internal_edges"`
	ExternalInbound int            `json:"external_inbound"`
}

// GraphAnalyzer flags suspicious topology in trust graph snapshots.
type GraphAnalyzer struct {
	cfg     AnalyzerConfig
	wallets *WalletClusterer
	logger  *zap.Logger

	mu       sync.Mutex
	external map[string]data.AccountSet
	cached   *Snapshot
	flagged  data.AccountSet
	clusters []Cluster
}

// NewGraphAnalyzer creates an analyzer. wallets may be nil.
func NewGraphAnalyzer(cfg AnalyzerConfig, wallets *WalletClusterer, logger *zap.Logger) *GraphAnalyzer {
	return &GraphAnalyzer{
		cfg:      cfg,
		wallets:  wallets,
		logger:   logger.Named("graph_analyzer"),
		external: make(map[string]data.AccountSet),
	}
}

// SetExternalFlags replaces the accounts flagged by another detector under source.
func (ga *GraphAnalyzer) SetExternalFlags(source string, accounts []data.Account) {
	ga.mu.Lock()
	defer ga.mu.Unlock()
	ga.external[source] = data.NewAccountSet(accounts...)
	ga.cached = nil
}

// DetectSuspiciousClusters returns every flagged account for the snapshot.
func (ga *GraphAnalyzer) DetectSuspiciousClusters(s *Snapshot) data.AccountSet {
	flagged, _ := ga.analyze(s)
	return flagged
}

// Clusters returns the mutual-trust clusters found in the snapshot.
func (ga *GraphAnalyzer) Clusters(s *Snapshot) []Cluster {
	_, clusters := ga.analyze(s)
	return clusters
}

// InSuspiciousCluster reports whether target is flagged.
func (ga *GraphAnalyzer) InSuspiciousCluster(s *Snapshot, target data.Account) bool {
	flagged, _ := ga.analyze(s)
	return flagged.Has(target)
}

// Invalidate drops cached results, e.g. after wallet clusters are refreshed.
func (ga *GraphAnalyzer) Invalidate() {
	ga.mu.Lock()
	defer ga.mu.Unlock()
	ga.cached = nil
}

func (ga *GraphAnalyzer) analyze(s *Snapshot) (data.AccountSet, []Cluster) {
	ga.mu.Lock()
	defer ga.mu.Unlock()

	if ga.cached == s && ga.flagged != nil {
		return ga.flagged, ga.clusters
	}

	flagged := make(data.AccountSet)
	clusters := ga.mutualClusters(s)
	for _, c := range clusters {
		for _, m := range c.Members {
			flagged.Add(m)
		}
	}

	if ga.wallets != nil {
		for _, e := range s.Edges() {
			if !e.Slashed && e.Weight > 0 && ga.wallets.Same(e.From, e.To) {
				flagged.Add(e.To)
			}
		}
	}

	for _, set := range ga.external {
		for a := range set {
			flagged.Add(a)
		}
	}

	ga.cached, ga.flagged, ga.clusters = s, flagged, clusters
	if len(flagged) > 0 {
		ga.logger.Debug("Suspicious topology detected",
			zap.Int("clusters", len(clusters)),
			zap.Int("flagged", len(flagged)))
	}
	return flagged, clusters
}

func positive(e *data.TrustEdge) bool {
	return e != nil && !e.Slashed && e.Weight > 0
}

func (ga *GraphAnalyzer) mutualClusters(s *Snapshot) []Cluster {
	mutual := make(map[data.Account][]data.Account)
	for _, from := range s.sortedSources() {
		for _, e := range s.out[from] {
			if !positive(e) || !e.From.Less(e.To) {
				continue
			}
			if back, ok := s.Edge(e.To, e.From); ok && positive(&back) {
				mutual[e.From] = append(mutual[e.From], e.To)
				mutual[e.To] = append(mutual[e.To], e.From)
			}
		}
	}

	nodes := make([]data.Account, 0, len(mutual))
	for a := range mutual {
		nodes = append(nodes, a)
	}
	data.SortAccounts(nodes)

	var clusters []Cluster
	seen := make(data.AccountSet)
	for _, start := range nodes {
		if seen.Has(start) {
			continue
		}
		component := make(data.AccountSet)
		queue := []data.Account{start}
		seen.Add(start)
		for len(queue) > 0 {
			n := queue[0]
			queue = queue[1:]
			component.Add(n)
			for _, m := range mutual[n] {
				if !seen.Has(m) {
					seen.Add(m)
					queue = append(queue, m)
				}
			}
		}
		if len(component) < ga.cfg.MinClusterSize {
			continue
		}
		if c, ok := ga.evaluate(s, component, mutual); ok {
			clusters = append(clusters, c)
		}
	}
	return clusters
}

func (ga *GraphAnalyzer) evaluate(s *Snapshot, members data.AccountSet, mutual map[data.Account][]data.Account) (Cluster, bool) {
	c := Cluster{Members: members.Sorted()}
	n := int64(len(members))

	var pairs int
	for _, m := range c.Members {
		pairs += len(mutual[m])
	}
	c.MutualPairs = pairs / 2

	for _, m := range c.Members {
		for _, e := range s.in[m] {
			if !positive(e) {
				continue
			}
			if members.Has(e.From) {
				c.InternalEdges++
			} else {
				c.ExternalInbound++
			}
		}
	}

	possible := n * (n - 1) / 2
	dense := int64(c.MutualPairs)*100 >= ga.cfg.DensityPercent*possible
	isolated := int64(c.ExternalInbound)*100 < ga.cfg.ExternalRatioPercent*int64(c.InternalEdges)
	return c, dense && isolated
}

// CentralityBonus rewards broad organic support: distinct positive trusters
// count fully, trusters-of-trusters count a quarter, capped. Flagged accounts
// contribute nothing.
func (ga *GraphAnalyzer) CentralityBonus(s *Snapshot, target data.Account) data.Fixed {
	flagged := ga.DetectSuspiciousClusters(s)

	direct := make(data.AccountSet)
	for _, e := range s.in[target] {
		if positive(e) && !flagged.Has(e.From) {
			direct.Add(e.From)
		}
	}
	second := make(data.AccountSet)
	for d := range direct {
		for _, e := range s.in[d] {
			if positive(e) && e.From != target && !direct.Has(e.From) && !flagged.Has(e.From) {
				second.Add(e.From)
			}
		}
	}

	units := int64(len(direct))*4 + int64(len(second))
	capUnits := int64(ga.cfg.CentralityCap) * 4
	if capUnits <= 0 {
		return data.Zero
	}
	if units > capUnits {
		units = capUnits
	}
	return data.FromRatio(units, capUnits).Mul(data.FromPercent(ga.cfg.CentralityBonusPercent))
}
