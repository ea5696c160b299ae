package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Key prefixes of the persisted layout.
const (
	PrefixEdge        = "edge"
	PrefixEdgeIn      = "edge_in"
	PrefixEdgeHistory = "edge_hist"
	PrefixValidator   = "validator"
	PrefixClaim       = "claim"
	PrefixDispute     = "dispute"
	PrefixDisputeVote = "dispute_vote"
	PrefixClaimVote   = "claim_vote"
	PrefixMeta        = "meta"
)

// EdgeKey joins an ordered account pair.
func EdgeKey(from, to Account) string {
	return from.String() + "|" + to.String()
}

// Op is a single write within an atomic batch.
type Op struct {
	Prefix string
	Key    string
	Value  []byte
	Delete bool
}

// Put builds an upsert op.
func Put(prefix, key string, value []byte) Op {
	return Op{Prefix: prefix, Key: key, Value: value}
}

// PutJSON builds an upsert op holding the JSON encoding of v.
func PutJSON(prefix, key string, v interface{}) (Op, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Op{}, fmt.Errorf("encoding %s/%s: %w", prefix, key, err)
	}
	return Put(prefix, key, raw), nil
}

// Remove builds a delete op.
func Remove(prefix, key string) Op {
	return Op{Prefix: prefix, Key: key, Delete: true}
}

// KV is one stored entry.
type KV struct {
	Key   string
	Value []byte
}

// KVStore persists values keyed by (prefix, key). Apply is all-or-nothing.
type KVStore interface {
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	// Scan returns every entry under prefix whose key starts with keyPrefix, ordered by key.
	Scan(ctx context.Context, prefix, keyPrefix string) ([]KV, error)
	Apply(ctx context.Context, ops []Op) error
	Close()
}

// GetJSON loads and decodes a single value.
func GetJSON(ctx context.Context, store KVStore, prefix, key string, v interface{}) error {
	raw, err := store.Get(ctx, prefix, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding %s/%s: %w", prefix, key, err)
	}
	return nil
}

// PostgresStore implements KVStore on a single PostgreSQL table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ KVStore = (*PostgresStore)(nil)

// NewPostgresStore wraps an established pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, logger *zap.Logger) (*PostgresStore, error) {
	if err := NewSchemaManager(pool).InitializeSchema(ctx); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &PostgresStore{
		pool:   pool,
		logger: logger.Named("kv"),
	}, nil
}

// Close is a no-op; the pool belongs to the database service.
func (s *PostgresStore) Close() {}

func (s *PostgresStore) Get(ctx context.Context, prefix, key string) ([]byte, error) {
	var value []byte
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM hat_kv WHERE prefix = $1 AND key = $2`,
		prefix, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying %s/%s: %w", prefix, key, err)
	}
	return value, nil
}

func (s *PostgresStore) Scan(ctx context.Context, prefix, keyPrefix string) ([]KV, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM hat_kv
		 WHERE prefix = $1 AND left(key, length($2)) = $2
		 ORDER BY key`,
		prefix, keyPrefix,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning %s/%s: %w", prefix, keyPrefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		if err := rows.Scan(&kv.Key, &kv.Value); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, kv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return out, nil
}

// Apply writes all ops in one transaction; any failure rolls the whole batch back.
func (s *PostgresStore) Apply(ctx context.Context, ops []Op) error {
	if len(ops) == 0 {
		return nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, op := range ops {
		if op.Delete {
			_, err = tx.Exec(ctx, `DELETE FROM hat_kv WHERE prefix = $1 AND key = $2`, op.Prefix, op.Key)
		} else {
			_, err = tx.Exec(ctx,
				`INSERT INTO hat_kv (prefix, key, value, updated_at)
				 VALUES ($1, $2, $3, NOW())
				 ON CONFLICT (prefix, key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
				op.Prefix, op.Key, op.Value,
			)
		}
		if err != nil {
			if isPgDuplicateError(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("writing %s/%s: %w", op.Prefix, op.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing batch: %w", err)
	}
	s.logger.Debug("Applied batch", zap.Int("ops", len(ops)))
	return nil
}

func isPgDuplicateError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" // unique_violation
}
