package trust

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

func ring(t *testing.T, g *Graph, members ...data.Account) {
	for i, a := range members {
		for j, b := range members {
			if i != j {
				mustEdge(t, g, a, b, 90)
			}
		}
	}
}

func TestDetectSuspiciousClusters_IsolatedRing(t *testing.T) {
	g, _ := newTestGraph(t)
	ring(t, g, acct(1), acct(2), acct(3), acct(4))
	// organic account with outside support
	mustEdge(t, g, acct(10), acct(11), 50)
	mustEdge(t, g, acct(11), acct(10), 50)

	ga := NewGraphAnalyzer(DefaultAnalyzerConfig(), nil, zap.NewNop())
	flagged := ga.DetectSuspiciousClusters(g.Snapshot())
	assert.True(t, flagged.Has(acct(1)))
	assert.True(t, flagged.Has(acct(4)))
	assert.False(t, flagged.Has(acct(10)), "pairs are below the minimum cluster size")

	clusters := ga.Clusters(g.Snapshot())
	require.Len(t, clusters, 1)
	assert.Equal(t, 6, clusters[0].MutualPairs)
	assert.Equal(t, 12, clusters[0].InternalEdges)
	assert.Equal(t, 0, clusters[0].ExternalInbound)
}

func TestDetectSuspiciousClusters_ExternallySupported(t *testing.T) {
	g, _ := newTestGraph(t)
	ring(t, g, acct(1), acct(2), acct(3))
	for i := byte(20); i < 25; i++ {
		mustEdge(t, g, acct(i), acct(1), 40)
		mustEdge(t, g, acct(i), acct(2), 40)
	}

	ga := NewGraphAnalyzer(DefaultAnalyzerConfig(), nil, zap.NewNop())
	assert.Empty(t, ga.DetectSuspiciousClusters(g.Snapshot()))
}

func TestDetectSuspiciousClusters_WalletAliases(t *testing.T) {
	g, _ := newTestGraph(t)
	mustEdge(t, g, acct(1), acct(2), 100)

	l := ledger.NewMemory()
	l.AddCoSpend(ledger.CoSpend{TxID: "tx1", Inputs: []data.Account{acct(1), acct(2)}})
	wc := NewWalletClusterer(l, zap.NewNop())
	require.NoError(t, wc.Refresh(context.Background()))

	ga := NewGraphAnalyzer(DefaultAnalyzerConfig(), wc, zap.NewNop())
	assert.True(t, ga.InSuspiciousCluster(g.Snapshot(), acct(2)))
	assert.False(t, ga.InSuspiciousCluster(g.Snapshot(), acct(1)))
}

func TestSetExternalFlags(t *testing.T) {
	g, _ := newTestGraph(t)
	ga := NewGraphAnalyzer(DefaultAnalyzerConfig(), nil, zap.NewNop())
	snap := g.Snapshot()
	assert.False(t, ga.InSuspiciousCluster(snap, acct(7)))

	ga.SetExternalFlags("edge_pattern", []data.Account{acct(7)})
	assert.True(t, ga.InSuspiciousCluster(snap, acct(7)))

	ga.SetExternalFlags("edge_pattern", nil)
	assert.False(t, ga.InSuspiciousCluster(snap, acct(7)))
}

func TestCentralityBonus(t *testing.T) {
	g, _ := newTestGraph(t)
	target := acct(1)
	ga := NewGraphAnalyzer(DefaultAnalyzerConfig(), nil, zap.NewNop())
	assert.Equal(t, data.Zero, ga.CentralityBonus(g.Snapshot(), target))

	mustEdge(t, g, acct(2), target, 50)
	one := ga.CentralityBonus(g.Snapshot(), target)
	assert.Greater(t, one, data.Zero)

	mustEdge(t, g, acct(3), acct(2), 50)
	two := ga.CentralityBonus(g.Snapshot(), target)
	assert.Greater(t, two, one)

	for i := byte(30); i < 60; i++ {
		mustEdge(t, g, acct(i), target, 10)
	}
	assert.Equal(t, data.FromPercent(5), ga.CentralityBonus(g.Snapshot(), target), "capped")
}

func TestWalletClusterer(t *testing.T) {
	l := ledger.NewMemory()
	l.AddCoSpend(ledger.CoSpend{TxID: "a", Inputs: []data.Account{acct(5), acct(3)}})
	l.AddCoSpend(ledger.CoSpend{TxID: "b", Inputs: []data.Account{acct(3), acct(9)}})
	l.AddCoSpend(ledger.CoSpend{TxID: "c", Inputs: []data.Account{acct(20), acct(21)}})

	wc := NewWalletClusterer(l, zap.NewNop())
	require.NoError(t, wc.Refresh(context.Background()))

	c := wc.Cluster(acct(9))
	assert.Equal(t, []data.Account{acct(3), acct(5), acct(9)}, c.Members)
	assert.Equal(t, "wc-"+acct(3).String(), c.ClusterID)
	assert.Equal(t, c, wc.Cluster(acct(5)))

	single := wc.Cluster(acct(99))
	assert.Equal(t, []data.Account{acct(99)}, single.Members)

	assert.True(t, wc.Same(acct(5), acct(9)))
	assert.False(t, wc.Same(acct(5), acct(20)))
	assert.Len(t, wc.Clusters(), 2)
}
