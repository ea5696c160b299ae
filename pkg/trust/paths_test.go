package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
)

func TestWeightedReputation_PathDecay(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b, c, d := acct(1), acct(2), acct(3), acct(4)
	mustEdge(t, g, a, b, 80)
	mustEdge(t, g, b, c, 80)
	mustEdge(t, g, c, d, 80)

	snap := g.Snapshot()
	direct := snap.WeightedReputation(a, b, 1)
	distant := snap.WeightedReputation(a, d, 3)

	assert.Equal(t, data.FromPercent(80), direct)
	assert.Greater(t, distant, data.Zero)
	assert.Less(t, distant.Abs(), direct.Abs())
	// 0.8^3 * 0.5^2
	assert.Equal(t, data.Fixed(128_000), distant)

	assert.Equal(t, data.Zero, snap.WeightedReputation(a, d, 2), "depth bound")
}

func TestFindTrustPaths_CycleSafe(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b, c := acct(1), acct(2), acct(3)
	mustEdge(t, g, a, b, 50)
	mustEdge(t, g, b, a, 50)
	mustEdge(t, g, b, c, 50)
	mustEdge(t, g, c, b, 50)
	mustEdge(t, g, c, a, 50)

	paths := g.Snapshot().FindTrustPaths(a, c, 10)
	require.Len(t, paths, 1)
	assert.Equal(t, []data.Account{a, b, c}, paths[0].Accounts)

	for _, p := range paths {
		seen := make(data.AccountSet)
		for _, n := range p.Accounts {
			assert.False(t, seen.Has(n), "node repeated on a path")
			seen.Add(n)
		}
	}
}

func TestFindTrustPaths_SortedByStrength(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b, c, d := acct(1), acct(2), acct(3), acct(4)
	mustEdge(t, g, a, b, 90)
	mustEdge(t, g, b, d, 90)
	mustEdge(t, g, a, c, 50)
	mustEdge(t, g, c, d, 50)
	mustEdge(t, g, a, d, 20)

	paths := g.Snapshot().FindTrustPaths(a, d, 3)
	require.Len(t, paths, 3)
	assert.Equal(t, []data.Account{a, b, d}, paths[0].Accounts)
	assert.Equal(t, data.FromPercent(81), paths[0].Strength)
	assert.Equal(t, []data.Account{a, c, d}, paths[1].Accounts)
	assert.Equal(t, []data.Account{a, d}, paths[2].Accounts)
}

func TestFindTrustPaths_DistrustNotTransitive(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b, c := acct(1), acct(2), acct(3)
	mustEdge(t, g, a, b, -80)
	mustEdge(t, g, b, c, 80)
	assert.Empty(t, g.Snapshot().FindTrustPaths(a, c, 3))
	assert.Less(t, g.Snapshot().WeightedReputation(a, b, 3), data.Zero)

	g2, _ := newTestGraph(t)
	mustEdge(t, g2, a, b, 80)
	mustEdge(t, g2, b, c, -50)
	paths := g2.Snapshot().FindTrustPaths(a, c, 3)
	require.Len(t, paths, 1)
	assert.Equal(t, data.FromPercent(-40), paths[0].Strength)
	assert.Equal(t, data.FromPercent(-20), g2.Snapshot().WeightedReputation(a, c, 3))
}

func TestFindTrustPaths_SkipsSlashed(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b := acct(1), acct(2)
	mustEdge(t, g, a, b, 80)
	_, _, err := g.SlashWith(context.Background(), a, b, nil)
	require.NoError(t, err)

	assert.Empty(t, g.Snapshot().FindTrustPaths(a, b, 3))
	assert.Equal(t, data.Zero, g.Snapshot().WeightedReputation(a, b, 3))
	assert.False(t, g.Snapshot().Connected(a, b, 3))
}

func TestFindTrustPaths_Capped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinBond, cfg.PerPointBond, cfg.MaxPaths = 1, 0, 3
	g := NewGraph(cfg, data.NewMemoryStore(), zap.NewNop())

	src, dst := acct(1), acct(2)
	for i := byte(10); i < 20; i++ {
		mustEdge(t, g, src, acct(i), int(i))
		mustEdge(t, g, acct(i), dst, 100)
	}

	paths := g.Snapshot().FindTrustPaths(src, dst, 2)
	require.Len(t, paths, 3)
	assert.Equal(t, acct(19), paths[0].Accounts[1], "strongest intermediary first")
	assert.Equal(t, acct(18), paths[1].Accounts[1])
}

func TestWeightedReputation_GlobalView(t *testing.T) {
	g, _ := newTestGraph(t)
	target := acct(9)
	mustEdge(t, g, acct(1), target, 60)
	mustEdge(t, g, acct(2), target, 40)

	// contributions 0.3 and 0.2 combine to 1 - 0.7*0.8
	assert.Equal(t, data.FromPercent(44), g.Snapshot().WeightedReputation(data.ZeroAccount, target, 3))
	assert.Equal(t, data.Zero, g.Snapshot().WeightedReputation(target, target, 3))
}

func TestWeightedReputation_Deterministic(t *testing.T) {
	g, _ := newTestGraph(t)
	for i := byte(1); i < 8; i++ {
		for j := byte(1); j < 8; j++ {
			if i != j && (i+j)%3 != 0 {
				mustEdge(t, g, acct(i), acct(j), int(i*7+j)%100-20)
			}
		}
	}
	snap := g.Snapshot()
	first := snap.WeightedReputation(acct(1), acct(7), 4)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, snap.WeightedReputation(acct(1), acct(7), 4))
	}
	assert.GreaterOrEqual(t, first, -data.One)
	assert.LessOrEqual(t, first, data.One)
}

func TestConnected(t *testing.T) {
	g, _ := newTestGraph(t)
	a, b, c, d := acct(1), acct(2), acct(3), acct(4)
	mustEdge(t, g, a, b, 10)
	mustEdge(t, g, b, c, 10)
	mustEdge(t, g, d, a, -10)

	snap := g.Snapshot()
	assert.True(t, snap.Connected(a, c, 2))
	assert.False(t, snap.Connected(a, c, 1))
	assert.False(t, snap.Connected(c, a, 5))
	assert.True(t, snap.Connected(d, a, 1), "a direct negative edge is still a view")
	assert.False(t, snap.Connected(d, b, 3))
}
