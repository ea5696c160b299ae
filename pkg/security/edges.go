package security

import (
	"sort"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/trust"
)

// EdgePatternConfig holds the trust-edge manipulation thresholds.
type EdgePatternConfig struct {
	Window             time.Duration
	MinReciprocalPairs int
	MaxGroupSize       int
	RapidInbound       int
	NewTrusterAge      time.Duration
}

func DefaultEdgePatternConfig() EdgePatternConfig {
	return EdgePatternConfig{
		Window:             24 * time.Hour,
		MinReciprocalPairs: 3,
		MaxGroupSize:       8,
		RapidInbound:       10,
		NewTrusterAge:      7 * 24 * time.Hour,
	}
}

// Edge pattern reasons.
const (
	PatternMutualReinforcement = "mutual_reinforcement"
	PatternRapidAccumulation   = "rapid_accumulation"
)

// EdgePatternReport lists accounts and edges that look artificially formed.
type EdgePatternReport struct {
	Accounts data.AccountSet
	Reasons  map[data.Account]string
	Edges    []data.TrustEdge
}

func (r *EdgePatternReport) flag(a data.Account, reason string) {
	r.Accounts.Add(a)
	if _, ok := r.Reasons[a]; !ok {
		r.Reasons[a] = reason
	}
}

// EdgePatternDetector finds bursts of edge creation that organic trust does not produce.
type EdgePatternDetector struct {
	cfg    EdgePatternConfig
	logger *zap.Logger
}

func NewEdgePatternDetector(cfg EdgePatternConfig, logger *zap.Logger) *EdgePatternDetector {
	return &EdgePatternDetector{cfg: cfg, logger: logger.Named("edge_patterns")}
}

// Analyze inspects the snapshot as of now.
func (d *EdgePatternDetector) Analyze(snap *trust.Snapshot, now time.Time) *EdgePatternReport {
	report := &EdgePatternReport{
		Accounts: make(data.AccountSet),
		Reasons:  make(map[data.Account]string),
	}
	edges := snap.Edges()
	d.mutualReinforcement(snap, edges, now, report)
	d.rapidAccumulation(edges, now, report)
	sort.SliceStable(report.Edges, func(i, j int) bool { return report.Edges[i].Key() < report.Edges[j].Key() })

	if len(report.Accounts) > 0 {
		d.logger.Info("Edge patterns flagged",
			zap.Int("accounts", len(report.Accounts)),
			zap.Int("edges", len(report.Edges)))
	}
	return report
}

func (d *EdgePatternDetector) recent(e data.TrustEdge, now time.Time) bool {
	return !e.Slashed && e.Weight > 0 && now.Sub(e.CreatedAt) <= d.cfg.Window
}

// mutualReinforcement groups recent reciprocal pairs into components and
// flags small components holding enough pairs.
func (d *EdgePatternDetector) mutualReinforcement(snap *trust.Snapshot, edges []data.TrustEdge, now time.Time, report *EdgePatternReport) {
	adj := make(map[data.Account][]data.Account)
	pairEdges := make(map[[2]data.Account][2]data.TrustEdge)
	for _, e := range edges {
		if !e.From.Less(e.To) || !d.recent(e, now) {
			continue
		}
		back, ok := snap.Edge(e.To, e.From)
		if !ok || !d.recent(back, now) {
			continue
		}
		gap := e.CreatedAt.Sub(back.CreatedAt)
		if gap < 0 {
			gap = -gap
		}
		if gap > d.cfg.Window {
			continue
		}
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
		pairEdges[[2]data.Account{e.From, e.To}] = [2]data.TrustEdge{e, back}
	}

	nodes := make([]data.Account, 0, len(adj))
	for a := range adj {
		nodes = append(nodes, a)
	}
	data.SortAccounts(nodes)

	seen := make(data.AccountSet)
	for _, start := range nodes {
		if seen.Has(start) {
			continue
		}
		component := make(data.AccountSet)
		stack := []data.Account{start}
		seen.Add(start)
		for len(stack) > 0 {
			n := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			component.Add(n)
			for _, m := range adj[n] {
				if !seen.Has(m) {
					seen.Add(m)
					stack = append(stack, m)
				}
			}
		}

		var pairs [][2]data.TrustEdge
		for key, es := range pairEdges {
			if component.Has(key[0]) {
				pairs = append(pairs, es)
			}
		}
		if len(pairs) < d.cfg.MinReciprocalPairs || len(component) > d.cfg.MaxGroupSize {
			continue
		}
		for _, m := range component.Sorted() {
			report.flag(m, PatternMutualReinforcement)
		}
		for _, es := range pairs {
			report.Edges = append(report.Edges, es[0], es[1])
		}
	}
}

// rapidAccumulation flags targets receiving a burst of inbound trust mostly
// from accounts that only just appeared in the graph.
func (d *EdgePatternDetector) rapidAccumulation(edges []data.TrustEdge, now time.Time, report *EdgePatternReport) {
	firstSeen := make(map[data.Account]time.Time)
	note := func(a data.Account, t time.Time) {
		if cur, ok := firstSeen[a]; !ok || t.Before(cur) {
			firstSeen[a] = t
		}
	}
	inbound := make(map[data.Account][]data.TrustEdge)
	for _, e := range edges {
		note(e.From, e.CreatedAt)
		note(e.To, e.CreatedAt)
		if d.recent(e, now) {
			inbound[e.To] = append(inbound[e.To], e)
		}
	}

	targets := make([]data.Account, 0, len(inbound))
	for a := range inbound {
		targets = append(targets, a)
	}
	data.SortAccounts(targets)

	for _, target := range targets {
		in := inbound[target]
		if len(in) < d.cfg.RapidInbound {
			continue
		}
		fresh := 0
		for _, e := range in {
			if now.Sub(firstSeen[e.From]) < d.cfg.NewTrusterAge {
				fresh++
			}
		}
		if fresh*2 <= len(in) {
			continue
		}
		report.flag(target, PatternRapidAccumulation)
		report.Edges = append(report.Edges, in...)
	}
}
