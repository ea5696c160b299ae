package data

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupTestDB(t *testing.T) *PostgresStore {
	connStr := os.Getenv("TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := NewPostgresStore(ctx, pool, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = pool.Exec(ctx, "DELETE FROM hat_kv")
	require.NoError(t, err)
	return store
}

func testKVStore(t *testing.T, store KVStore) {
	ctx := context.Background()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, PrefixEdge, "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ApplyAndScan", func(t *testing.T) {
		require.NoError(t, store.Apply(ctx, []Op{
			Put(PrefixEdge, "b|1", []byte("two")),
			Put(PrefixEdge, "a|1", []byte("one")),
			Put(PrefixEdgeIn, "a|1", []byte("reverse")),
		}))

		v, err := store.Get(ctx, PrefixEdge, "a|1")
		require.NoError(t, err)
		assert.Equal(t, []byte("one"), v)

		all, err := store.Scan(ctx, PrefixEdge, "")
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "a|1", all[0].Key)
		assert.Equal(t, "b|1", all[1].Key)

		only, err := store.Scan(ctx, PrefixEdge, "b|")
		require.NoError(t, err)
		require.Len(t, only, 1)
		assert.Equal(t, []byte("two"), only[0].Value)
	})

	t.Run("OverwriteAndDelete", func(t *testing.T) {
		require.NoError(t, store.Apply(ctx, []Op{Put(PrefixEdge, "a|1", []byte("uno"))}))
		v, err := store.Get(ctx, PrefixEdge, "a|1")
		require.NoError(t, err)
		assert.Equal(t, []byte("uno"), v)

		require.NoError(t, store.Apply(ctx, []Op{Remove(PrefixEdge, "a|1")}))
		_, err = store.Get(ctx, PrefixEdge, "a|1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("JSONHelpers", func(t *testing.T) {
		a := MustParseAccount("0101010101010101010101010101010101010101")
		op, err := PutJSON(PrefixValidator, a.String(), ValidatorInfo{Address: a, Stake: 42})
		require.NoError(t, err)
		require.NoError(t, store.Apply(ctx, []Op{op}))

		var info ValidatorInfo
		require.NoError(t, GetJSON(ctx, store, PrefixValidator, a.String(), &info))
		assert.Equal(t, a, info.Address)
		assert.Equal(t, Amount(42), info.Stake)
	})
}

func TestMemoryStore(t *testing.T) {
	testKVStore(t, NewMemoryStore())
}

func TestPostgresStore(t *testing.T) {
	testKVStore(t, setupTestDB(t))
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemoryStore()
	assert.Error(t, store.Apply(ctx, []Op{Put(PrefixMeta, "k", nil)}))
	assert.Equal(t, 0, store.Len(PrefixMeta))
}
