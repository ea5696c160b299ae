// Package trust maintains the bonded web-of-trust graph and the analyses run over it.
package trust

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

const (
	metaHistorySeq   = "edge_hist_seq"
	metaSyncedHeight = "edge_synced_height"
)

// Config holds trust graph parameters
type Config struct {
	MinBond          data.Amount
	PerPointBond     data.Amount
	MaxDepth         int
	MaxPaths         int
	MaxExpansions    int
	DecayPercent     int64
	MinConfirmations int
}

// DefaultConfig returns default trust graph configuration
func DefaultConfig() Config {
	return Config{
		MinBond:          1_000,
		PerPointBond:     10,
		MaxDepth:         4,
		MaxPaths:         64,
		MaxExpansions:    20_000,
		DecayPercent:     50,
		MinConfirmations: 6,
	}
}

// EdgeRequest is a bonded trust submission.
type EdgeRequest struct {
	From      data.Account
	To        data.Account
	Weight    int
	Bond      data.Amount
	Reason    string
	Height    uint64
	CreatedAt time.Time
}

// EdgeResult reports the outcome of AddTrustEdge. RequiredBond is always populated.
type EdgeResult struct {
	Accepted     bool            `json:"edge_accepted"`
	RequiredBond data.Amount     `json:"required_bond"`
	Superseded   *data.TrustEdge `json:"superseded,omitempty"`
}

// Graph is the persistent trust graph. Writers are serialized; readers work on
// immutable snapshots and never block.
type Graph struct {
	cfg     Config
	store   data.KVStore
	logger  *zap.Logger
	now     func() time.Time
	writeMu sync.Mutex
	current atomic.Pointer[Snapshot]

	historySeq   uint64
	syncedHeight uint64
}

// NewGraph creates an empty graph backed by store. Call Load to restore persisted edges.
func NewGraph(cfg Config, store data.KVStore, logger *zap.Logger) *Graph {
	g := &Graph{
		cfg:    cfg,
		store:  store,
		logger: logger.Named("trust"),
		now:    time.Now,
	}
	g.current.Store(newSnapshot(cfg))
	return g
}

// Config returns the graph parameters.
func (g *Graph) Config() Config {
	return g.cfg
}

// Snapshot returns the current immutable view.
func (g *Graph) Snapshot() *Snapshot {
	return g.current.Load()
}

// Load rebuilds in-memory state from the store.
func (g *Graph) Load(ctx context.Context) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	entries, err := g.store.Scan(ctx, data.PrefixEdge, "")
	if err != nil {
		return fmt.Errorf("loading edges: %w", err)
	}

	snap := newSnapshot(g.cfg)
	for _, kv := range entries {
		var edge data.TrustEdge
		if err := json.Unmarshal(kv.Value, &edge); err != nil {
			return fmt.Errorf("decoding edge %s: %w", kv.Key, err)
		}
		snap = snap.with(edge)
	}

	if g.historySeq, err = g.loadCounter(ctx, metaHistorySeq); err != nil {
		return err
	}
	if g.syncedHeight, err = g.loadCounter(ctx, metaSyncedHeight); err != nil {
		return err
	}

	g.current.Store(snap)
	g.logger.Info("Trust graph loaded",
		zap.Int("edges", snap.EdgeCount()),
		zap.Uint64("syncedHeight", g.syncedHeight))
	return nil
}

func (g *Graph) loadCounter(ctx context.Context, key string) (uint64, error) {
	raw, err := g.store.Get(ctx, data.PrefixMeta, key)
	if errors.Is(err, data.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading %s: %w", key, err)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return v, nil
}

// AddTrustEdge validates and records a bonded edge, superseding any prior edge
// for the same ordered pair. Nothing is published unless the batch commits.
func (g *Graph) AddTrustEdge(ctx context.Context, req EdgeRequest) (EdgeResult, error) {
	result := EdgeResult{RequiredBond: data.RequiredBond(req.Weight, g.cfg.MinBond, g.cfg.PerPointBond)}

	if req.Weight < data.MinTrustWeight || req.Weight > data.MaxTrustWeight {
		return result, data.NewValidationError("weight", data.ErrInvalidWeight,
			"%d not in [%d,%d]", req.Weight, data.MinTrustWeight, data.MaxTrustWeight)
	}

	createdAt := req.CreatedAt
	if createdAt.IsZero() {
		createdAt = g.now().UTC()
	}
	edge := data.TrustEdge{
		From:      req.From,
		To:        req.To,
		Weight:    int16(req.Weight),
		Bond:      req.Bond,
		CreatedAt: createdAt,
		Reason:    req.Reason,
		Height:    req.Height,
	}
	if err := edge.Validate(g.cfg.MinBond, g.cfg.PerPointBond); err != nil {
		return result, err
	}

	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	snap := g.current.Load()
	ops, err := edgeOps(edge)
	if err != nil {
		return result, err
	}

	seq := g.historySeq
	prev, hadPrev := snap.Edge(edge.From, edge.To)
	if hadPrev {
		seq++
		hist, err := data.PutJSON(data.PrefixEdgeHistory, fmt.Sprintf("%s|%020d", edge.Key(), seq), prev)
		if err != nil {
			return result, err
		}
		ops = append(ops, hist, data.Put(data.PrefixMeta, metaHistorySeq, []byte(strconv.FormatUint(seq, 10))))
	}

	if err := g.store.Apply(ctx, ops); err != nil {
		return result, fmt.Errorf("persisting edge %s: %w", edge.Key(), err)
	}

	g.historySeq = seq
	g.current.Store(snap.with(edge))

	result.Accepted = true
	if hadPrev {
		result.Superseded = &prev
	}
	g.logger.Debug("Trust edge recorded",
		zap.String("from", edge.From.Short()),
		zap.String("to", edge.To.Short()),
		zap.Int16("weight", edge.Weight),
		zap.Bool("superseded", hadPrev))
	return result, nil
}

func edgeOps(edge data.TrustEdge) ([]data.Op, error) {
	put, err := data.PutJSON(data.PrefixEdge, edge.Key(), edge)
	if err != nil {
		return nil, err
	}
	return []data.Op{
		put,
		data.Put(data.PrefixEdgeIn, data.EdgeKey(edge.To, edge.From), []byte(edge.From.String())),
	}, nil
}

// SlashWith marks the edge slashed and commits extra in the same batch. Slashing
// an already slashed edge only commits extra and reports already=true.
func (g *Graph) SlashWith(ctx context.Context, from, to data.Account, extra []data.Op) (edge data.TrustEdge, already bool, err error) {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()

	snap := g.current.Load()
	edge, ok := snap.Edge(from, to)
	if !ok {
		return edge, false, fmt.Errorf("edge %s: %w", data.EdgeKey(from, to), data.ErrNotFound)
	}

	if edge.Slashed {
		if err := g.store.Apply(ctx, extra); err != nil {
			return edge, true, fmt.Errorf("persisting slash records: %w", err)
		}
		return edge, true, nil
	}

	edge.Slashed = true
	ops, err := edgeOps(edge)
	if err != nil {
		return edge, false, err
	}
	if err := g.store.Apply(ctx, append(ops, extra...)); err != nil {
		return edge, false, fmt.Errorf("persisting slash of %s: %w", edge.Key(), err)
	}

	g.current.Store(snap.with(edge))
	g.logger.Info("Trust edge slashed",
		zap.String("from", from.Short()),
		zap.String("to", to.Short()),
		zap.Uint64("bond", uint64(edge.Bond)))
	return edge, false, nil
}

// History returns superseded versions of an edge, oldest first.
func (g *Graph) History(ctx context.Context, from, to data.Account) ([]data.TrustEdge, error) {
	entries, err := g.store.Scan(ctx, data.PrefixEdgeHistory, data.EdgeKey(from, to)+"|")
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	out := make([]data.TrustEdge, 0, len(entries))
	for _, kv := range entries {
		var e data.TrustEdge
		if err := json.Unmarshal(kv.Value, &e); err != nil {
			return nil, fmt.Errorf("decoding history %s: %w", kv.Key, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// Trusters lists accounts with an edge into target, served from the reverse index.
func (g *Graph) Trusters(ctx context.Context, target data.Account) ([]data.Account, error) {
	entries, err := g.store.Scan(ctx, data.PrefixEdgeIn, target.String()+"|")
	if err != nil {
		return nil, fmt.Errorf("scanning reverse index: %w", err)
	}
	out := make([]data.Account, 0, len(entries))
	for _, kv := range entries {
		a, err := data.ParseAccount(string(kv.Value))
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// IngestConfirmed records a ledger edge once it has enough confirmations.
func (g *Graph) IngestConfirmed(ctx context.Context, rec ledger.EdgeRecord) (EdgeResult, error) {
	if rec.Confirmations < g.cfg.MinConfirmations {
		return EdgeResult{}, data.NewValidationError("confirmations", data.ErrValidation,
			"%d below required %d", rec.Confirmations, g.cfg.MinConfirmations)
	}
	return g.AddTrustEdge(ctx, EdgeRequest{
		From:      rec.Edge.From,
		To:        rec.Edge.To,
		Weight:    int(rec.Edge.Weight),
		Bond:      rec.Edge.Bond,
		Reason:    rec.Edge.Reason,
		Height:    rec.Edge.Height,
		CreatedAt: rec.Edge.CreatedAt,
	})
}

// SyncConfirmed pulls newly confirmed edges from the ledger. The synced height
// never moves past a record that is still short of confirmations.
func (g *Graph) SyncConfirmed(ctx context.Context, l ledger.Ledger) (int, error) {
	g.writeMu.Lock()
	since := g.syncedHeight
	g.writeMu.Unlock()

	records, err := l.ConfirmedEdges(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("fetching confirmed edges: %w", err)
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Edge.Height < records[j].Edge.Height
	})

	accepted := 0
	target := since
	for _, rec := range records {
		if rec.Confirmations < g.cfg.MinConfirmations {
			if rec.Edge.Height > 0 && rec.Edge.Height-1 < target {
				target = rec.Edge.Height - 1
			}
			break
		}
		if existing, ok := g.Snapshot().Edge(rec.Edge.From, rec.Edge.To); ok && sameRecord(existing, rec.Edge) {
			target = rec.Edge.Height
			continue
		}
		if _, err := g.IngestConfirmed(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return accepted, ctx.Err()
			}
			if !errors.Is(err, data.ErrValidation) && !errors.Is(err, data.ErrInsufficientResource) {
				return accepted, err
			}
			g.logger.Warn("Skipping invalid ledger edge",
				zap.String("from", rec.Edge.From.Short()),
				zap.String("to", rec.Edge.To.Short()),
				zap.Error(err))
		} else {
			accepted++
		}
		target = rec.Edge.Height
	}

	if target > since {
		g.writeMu.Lock()
		defer g.writeMu.Unlock()
		op := data.Put(data.PrefixMeta, metaSyncedHeight, []byte(strconv.FormatUint(target, 10)))
		if err := g.store.Apply(ctx, []data.Op{op}); err != nil {
			return accepted, fmt.Errorf("persisting synced height: %w", err)
		}
		g.syncedHeight = target
	}
	return accepted, nil
}

func sameRecord(a, b data.TrustEdge) bool {
	return a.Height == b.Height && a.Weight == b.Weight && a.Bond == b.Bond && a.CreatedAt.Equal(b.CreatedAt)
}

// SyncedHeight returns the highest ledger height fully ingested.
func (g *Graph) SyncedHeight() uint64 {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	return g.syncedHeight
}
