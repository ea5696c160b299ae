package trust

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

func acct(n byte) data.Account {
	var a data.Account
	a[0] = 0xAC
	a[19] = n
	return a
}

// faultyStore fails Apply while fail is set.
type faultyStore struct {
	*data.MemoryStore
	mu   sync.Mutex
	fail bool
}

func (f *faultyStore) Apply(ctx context.Context, ops []data.Op) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail {
		return errors.New("disk full")
	}
	return f.MemoryStore.Apply(ctx, ops)
}

func newTestGraph(t *testing.T) (*Graph, *data.MemoryStore) {
	t.Helper()
	store := data.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.MinBond = 100
	cfg.PerPointBond = 10
	return NewGraph(cfg, store, zap.NewNop()), store
}

func mustEdge(t *testing.T, g *Graph, from, to data.Account, weight int) {
	t.Helper()
	res, err := g.AddTrustEdge(context.Background(), EdgeRequest{
		From:   from,
		To:     to,
		Weight: weight,
		Bond:   data.RequiredBond(weight, g.cfg.MinBond, g.cfg.PerPointBond),
		Reason: "test",
	})
	require.NoError(t, err)
	require.True(t, res.Accepted)
}

func TestAddTrustEdge_BondMonotonicity(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	for w := data.MinTrustWeight; w <= data.MaxTrustWeight; w++ {
		required := data.RequiredBond(w, 100, 10)

		res, err := g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: w, Bond: required - 1})
		require.ErrorIs(t, err, data.ErrInsufficientBond, "weight %d", w)
		assert.False(t, res.Accepted)
		assert.Equal(t, required, res.RequiredBond)

		res, err = g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: w, Bond: required})
		require.NoError(t, err, "weight %d", w)
		assert.True(t, res.Accepted)
	}
}

func TestAddTrustEdge_Rejections(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  EdgeRequest
		want error
	}{
		{"weight above range", EdgeRequest{From: acct(1), To: acct(2), Weight: 101, Bond: 1 << 40}, data.ErrInvalidWeight},
		{"weight below range", EdgeRequest{From: acct(1), To: acct(2), Weight: -101, Bond: 1 << 40}, data.ErrInvalidWeight},
		{"self loop", EdgeRequest{From: acct(1), To: acct(1), Weight: 10, Bond: 1 << 40}, data.ErrSelfLoop},
		{"zero account", EdgeRequest{To: acct(1), Weight: 10, Bond: 1 << 40}, data.ErrInvalidAccount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := g.AddTrustEdge(ctx, tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, data.ErrValidation)
		})
	}

	assert.Equal(t, 0, g.Snapshot().EdgeCount())
	assert.Equal(t, 0, store.Len(data.PrefixEdge))
}

func TestAddTrustEdge_SupersedeKeepsHistory(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()

	mustEdge(t, g, acct(1), acct(2), 40)
	res, err := g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: -20, Bond: 300, Reason: "changed mind"})
	require.NoError(t, err)
	require.NotNil(t, res.Superseded)
	assert.Equal(t, int16(40), res.Superseded.Weight)

	edge, ok := g.Snapshot().Edge(acct(1), acct(2))
	require.True(t, ok)
	assert.Equal(t, int16(-20), edge.Weight)
	assert.Equal(t, 1, g.Snapshot().EdgeCount())

	history, err := g.History(ctx, acct(1), acct(2))
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, int16(40), history[0].Weight)
	assert.Equal(t, 1, store.Len(data.PrefixEdgeHistory))
}

func TestAddTrustEdge_RollbackOnStoreFailure(t *testing.T) {
	store := &faultyStore{MemoryStore: data.NewMemoryStore()}
	g := NewGraph(DefaultConfig(), store, zap.NewNop())
	ctx := context.Background()

	before := g.Snapshot()
	store.fail = true
	res, err := g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: 10, Bond: 1 << 20})
	require.Error(t, err)
	assert.False(t, res.Accepted)
	assert.Same(t, before, g.Snapshot())
	assert.Equal(t, 0, store.Len(data.PrefixEdge))
	assert.Equal(t, 0, store.Len(data.PrefixEdgeIn))
}

func TestSnapshotIsolation(t *testing.T) {
	g, _ := newTestGraph(t)
	mustEdge(t, g, acct(1), acct(2), 50)

	snap := g.Snapshot()
	id := snap.ID()
	mustEdge(t, g, acct(2), acct(3), 50)
	mustEdge(t, g, acct(1), acct(2), -10)

	e, ok := snap.Edge(acct(1), acct(2))
	require.True(t, ok)
	assert.Equal(t, int16(50), e.Weight)
	assert.Equal(t, 1, snap.EdgeCount())
	assert.Equal(t, id, snap.ID())
	assert.NotEqual(t, id, g.Snapshot().ID())
}

func TestSnapshotID_Deterministic(t *testing.T) {
	g1, _ := newTestGraph(t)
	g2, _ := newTestGraph(t)

	mustEdge(t, g1, acct(1), acct(2), 10)
	mustEdge(t, g1, acct(3), acct(1), 20)
	mustEdge(t, g2, acct(3), acct(1), 20)
	mustEdge(t, g2, acct(1), acct(2), 10)

	assert.Equal(t, g1.Snapshot().ID(), g2.Snapshot().ID())
	assert.NotEmpty(t, g1.Snapshot().ID())
}

func TestSlashWith_Idempotent(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	mustEdge(t, g, acct(1), acct(2), 30)

	marker := data.Put(data.PrefixMeta, "marker", []byte("1"))
	edge, already, err := g.SlashWith(ctx, acct(1), acct(2), []data.Op{marker})
	require.NoError(t, err)
	assert.False(t, already)
	assert.True(t, edge.Slashed)

	_, already, err = g.SlashWith(ctx, acct(1), acct(2), nil)
	require.NoError(t, err)
	assert.True(t, already)

	v, err := store.Get(ctx, data.PrefixMeta, "marker")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	_, _, err = g.SlashWith(ctx, acct(5), acct(6), nil)
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestSlashWith_RollbackKeepsEdgeLive(t *testing.T) {
	store := &faultyStore{MemoryStore: data.NewMemoryStore()}
	g := NewGraph(DefaultConfig(), store, zap.NewNop())
	ctx := context.Background()
	_, err := g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: 10, Bond: 1 << 20})
	require.NoError(t, err)

	store.fail = true
	_, _, err = g.SlashWith(ctx, acct(1), acct(2), []data.Op{data.Put(data.PrefixMeta, "x", nil)})
	require.Error(t, err)

	e, _ := g.Snapshot().Edge(acct(1), acct(2))
	assert.False(t, e.Slashed)
}

func TestLoadAndTrusters(t *testing.T) {
	g, store := newTestGraph(t)
	ctx := context.Background()
	mustEdge(t, g, acct(1), acct(9), 10)
	mustEdge(t, g, acct(2), acct(9), 20)
	mustEdge(t, g, acct(1), acct(2), 20)
	mustEdge(t, g, acct(1), acct(9), 30)

	reloaded := NewGraph(g.cfg, store, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx))
	assert.Equal(t, g.Snapshot().ID(), reloaded.Snapshot().ID())
	assert.Equal(t, 3, reloaded.Snapshot().EdgeCount())

	trusters, err := reloaded.Trusters(ctx, acct(9))
	require.NoError(t, err)
	assert.Equal(t, []data.Account{acct(1), acct(2)}, trusters)

	// history sequence survives the reload
	_, err = reloaded.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(9), Weight: 40, Bond: 500})
	require.NoError(t, err)
	history, err := reloaded.History(ctx, acct(1), acct(9))
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestConcurrentWritesSamePair(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			_, err := g.AddTrustEdge(ctx, EdgeRequest{From: acct(1), To: acct(2), Weight: w, Bond: 10_000})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	history, err := g.History(ctx, acct(1), acct(2))
	require.NoError(t, err)
	assert.Len(t, history, 19)
	assert.Equal(t, 1, g.Snapshot().EdgeCount())
}

func TestSyncConfirmed(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()
	l := ledger.NewMemory()

	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.AddEdgeRecord(ledger.EdgeRecord{Edge: data.TrustEdge{From: acct(1), To: acct(2), Weight: 10, Bond: 200, Height: 5, CreatedAt: created}, Confirmations: 10})
	l.AddEdgeRecord(ledger.EdgeRecord{Edge: data.TrustEdge{From: acct(1), To: acct(1), Weight: 10, Bond: 200, Height: 6, CreatedAt: created}, Confirmations: 10})
	l.AddEdgeRecord(ledger.EdgeRecord{Edge: data.TrustEdge{From: acct(2), To: acct(3), Weight: 10, Bond: 200, Height: 8, CreatedAt: created}, Confirmations: 1})

	n, err := g.SyncConfirmed(ctx, l)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(6), g.SyncedHeight())

	_, ok := g.Snapshot().Edge(acct(2), acct(3))
	assert.False(t, ok, "unconfirmed edge must not be ingested")

	_, err = g.IngestConfirmed(ctx, ledger.EdgeRecord{Edge: data.TrustEdge{From: acct(4), To: acct(5), Weight: 1, Bond: 1000}, Confirmations: 0})
	assert.ErrorIs(t, err, data.ErrValidation)
}

func BenchmarkAddTrustEdge(b *testing.B) {
	g := NewGraph(DefaultConfig(), data.NewMemoryStore(), zap.NewNop())
	ctx := context.Background()
	for i := 0; i < b.N; i++ {
		from, to := acct(byte(i%200)), acct(byte(i%200+1))
		if _, err := g.AddTrustEdge(ctx, EdgeRequest{From: from, To: to, Weight: 50, Bond: 10_000}); err != nil {
			b.Fatal(err)
		}
	}
}
