package trust

import (
	"bytes"
	"sort"

	"hat_reputation/pkg/data"
)

// Path is a chain of live trust edges.
type Path struct {
	Accounts []data.Account `json:"accounts"`
	Weights  []int16        `json:"weights"`
	// Strength is the product of the normalized hop weights.
	Strength data.Fixed `json:"strength"`
}

// Hops returns the number of edges on the path.
func (p Path) Hops() int {
	return len(p.Weights)
}

// FindTrustPaths enumerates paths from -> to of at most maxDepth hops. A node
// never appears twice on one path. Distrust is not transitive: only positive
// edges are followed through intermediaries, while the final hop may carry any
// sign. Results are capped and ordered by descending |strength|.
func (s *Snapshot) FindTrustPaths(from, to data.Account, maxDepth int) []Path {
	if from == to || maxDepth <= 0 {
		return nil
	}

	maxPaths := s.limits.MaxPaths
	if maxPaths <= 0 {
		maxPaths = DefaultConfig().MaxPaths
	}
	budget := s.limits.MaxExpansions
	if budget <= 0 {
		budget = DefaultConfig().MaxExpansions
	}
	collectCap := maxPaths * 4

	var (
		paths    []Path
		accounts = []data.Account{from}
		weights  []int16
		visited  = map[data.Account]bool{from: true}
	)

	var walk func(node data.Account, strength data.Fixed)
	walk = func(node data.Account, strength data.Fixed) {
		for _, e := range s.out[node] {
			if budget <= 0 || len(paths) >= collectCap {
				return
			}
			budget--

			if e.Slashed || visited[e.To] {
				continue
			}
			next := strength.Mul(e.Strength())

			if e.To == to {
				paths = append(paths, Path{
					Accounts: append(append([]data.Account(nil), accounts...), to),
					Weights:  append(append([]int16(nil), weights...), e.Weight),
					Strength: next,
				})
				continue
			}
			if e.Weight <= 0 || len(weights)+1 >= maxDepth {
				continue
			}

			visited[e.To] = true
			accounts = append(accounts, e.To)
			weights = append(weights, e.Weight)
			walk(e.To, next)
			accounts = accounts[:len(accounts)-1]
			weights = weights[:len(weights)-1]
			visited[e.To] = false
		}
	}
	walk(from, data.One)

	sortPaths(paths)
	if len(paths) > maxPaths {
		paths = paths[:maxPaths]
	}
	return paths
}

func sortPaths(paths []Path) {
	sort.SliceStable(paths, func(i, j int) bool {
		a, b := paths[i], paths[j]
		if a.Strength.Abs() != b.Strength.Abs() {
			return a.Strength.Abs() > b.Strength.Abs()
		}
		if a.Hops() != b.Hops() {
			return a.Hops() < b.Hops()
		}
		for k := range a.Accounts {
			if c := bytes.Compare(a.Accounts[k][:], b.Accounts[k][:]); c != 0 {
				return c < 0
			}
		}
		return false
	})
}

// decay returns DecayPercent^(hops-1).
func (s *Snapshot) decay(hops int) data.Fixed {
	factor := data.FromPercent(s.limits.DecayPercent)
	d := data.One
	for i := 1; i < hops; i++ {
		d = d.Mul(factor)
	}
	return d
}

// WeightedReputation aggregates viewer's paths to target into [-1, 1]. Each
// path contributes |strength| discounted by the per-hop decay; supporting and
// opposing contributions are each combined as 1 - prod(1 - c) and netted.
// Without a viewer the target's direct trusters are combined as a global view.
func (s *Snapshot) WeightedReputation(viewer, target data.Account, maxDepth int) data.Fixed {
	if viewer == target {
		return data.Zero
	}

	var contributions []data.Fixed
	if viewer.IsZero() {
		for _, e := range s.in[target] {
			if e.Slashed {
				continue
			}
			contributions = append(contributions, e.Strength().Mul(s.decay(2)))
		}
	} else {
		for _, p := range s.FindTrustPaths(viewer, target, maxDepth) {
			contributions = append(contributions, p.Strength.Mul(s.decay(p.Hops())))
		}
	}

	keepPos, keepNeg := data.One, data.One
	for _, c := range contributions {
		if c > 0 {
			keepPos = keepPos.Mul(data.One - c.Unit())
		} else if c < 0 {
			keepNeg = keepNeg.Mul(data.One - c.Abs().Unit())
		}
	}
	return ((data.One - keepPos) - (data.One - keepNeg)).Clamp(-data.One, data.One)
}

// Connected reports whether from has any trust path to to within maxDepth.
func (s *Snapshot) Connected(from, to data.Account, maxDepth int) bool {
	if from == to || maxDepth <= 0 {
		return false
	}
	frontier := []data.Account{from}
	seen := map[data.Account]bool{from: true}
	for depth := 0; depth < maxDepth && len(frontier) > 0; depth++ {
		var next []data.Account
		for _, node := range frontier {
			for _, e := range s.out[node] {
				if e.Slashed {
					continue
				}
				if e.To == to {
					return true
				}
				if e.Weight > 0 && !seen[e.To] {
					seen[e.To] = true
					next = append(next, e.To)
				}
			}
		}
		frontier = next
	}
	return false
}
