// Package engine is the node's single entry point for score queries, trust
// edges, claims, disputes and manipulation analysis.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"hat_reputation/pkg/consensus"
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/dispute"
	"hat_reputation/pkg/reputation"
	"hat_reputation/pkg/security"
	"hat_reputation/pkg/trust"
	"hat_reputation/pkg/utils"
	"hat_reputation/pkg/validator"
)

// Config holds the engine's own settings.
type Config struct {
	StaleScores int
	Breaker     utils.BreakerConfig
}

func DefaultConfig() Config {
	return Config{
		StaleScores: 10_000,
		Breaker:     utils.DefaultBreakerConfig(),
	}
}

// Components are the collaborators the engine fronts. Wallets, Analyzer and
// the detectors may be nil; the operations that need them then report
// ErrCollaboratorUnavailable.
type Components struct {
	Graph        *trust.Graph
	Analyzer     *trust.GraphAnalyzer
	Wallets      *trust.WalletClusterer
	Calculator   *reputation.Calculator
	Registry     *validator.Registry
	Coordinator  *consensus.Coordinator
	Disputes     *dispute.Manager
	Sybil        *security.SybilDetector
	Eclipse      *security.EclipseDetector
	Votes        *security.VoteManipulationDetector
	EdgePatterns *security.EdgePatternDetector
}

// ScoreResult is a final score, possibly served from the last-known cache.
type ScoreResult struct {
	Target data.Account `json:"target"`
	Viewer data.Account `json:"viewer"`
	Score  int          `json:"score"`
	Stale  bool         `json:"stale"`
}

// BreakdownResult is a full breakdown, possibly stale.
type BreakdownResult struct {
	*reputation.TrustBreakdown
	Stale bool `json:"stale"`
}

// WalletClusterView is a wallet cluster with the score its weakest member holds.
type WalletClusterView struct {
	ClusterID         string         `json:"cluster_id"`
	Members           []data.Account `json:"members"`
	EffectiveMinScore int            `json:"effective_min_score"`
	Stale             bool           `json:"stale"`
}

// SweepReport summarizes one pass of the manipulation detectors.
type SweepReport struct {
	EdgePatterns  *security.EdgePatternReport `json:"edge_patterns,omitempty"`
	SybilClusters []security.SybilCluster     `json:"sybil_clusters,omitempty"`
	VoteFlags     []security.VoteFlag         `json:"vote_flags,omitempty"`
	PeerOverlaps  []security.OverlapFlag      `json:"peer_overlaps,omitempty"`
	Suspicious    []data.Account              `json:"suspicious"`
}

type cacheKey struct {
	target data.Account
	viewer data.Account
}

// Engine routes operations to components behind one circuit breaker.
type Engine struct {
	c        Components
	breaker  *utils.Breaker
	cache    *lru.Cache[cacheKey, reputation.TrustBreakdown]
	table    []commandEntry
	commands map[Command]handler
	logger   *zap.Logger
	now      func() time.Time
}

// New builds the engine and validates its command table.
func New(cfg Config, c Components, logger *zap.Logger) (*Engine, error) {
	if c.Graph == nil || c.Calculator == nil {
		return nil, errors.New("engine needs a trust graph and a calculator")
	}
	if cfg.StaleScores <= 0 {
		cfg.StaleScores = DefaultConfig().StaleScores
	}
	cache, err := lru.New[cacheKey, reputation.TrustBreakdown](cfg.StaleScores)
	if err != nil {
		return nil, fmt.Errorf("creating stale score cache: %w", err)
	}
	e := &Engine{
		c:       c,
		breaker: utils.NewBreaker("collaborators", cfg.Breaker, logger),
		cache:   cache,
		logger:  logger.Named("engine"),
		now:     time.Now,
	}
	e.table = e.commandTable()
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

// Breaker exposes the collaborator breaker state.
func (e *Engine) Breaker() utils.BreakerState {
	return e.breaker.State()
}

// collaboratorFailure separates transient collaborator trouble from caller
// mistakes and protocol outcomes, which never trip the breaker.
func collaboratorFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, data.ErrValidation),
		errors.Is(err, data.ErrInsufficientResource),
		errors.Is(err, data.ErrNotFound),
		errors.Is(err, data.ErrConsensusIndeterminate),
		errors.Is(err, data.ErrDisputeClosed),
		errors.Is(err, data.ErrDisputeNotReady),
		errors.Is(err, context.Canceled):
		return false
	}
	return true
}

func (e *Engine) observe(err error) {
	if collaboratorFailure(err) {
		e.breaker.Failure(err)
		return
	}
	e.breaker.Success()
}

// write runs fn unless the breaker is open. Writes never fall back.
func (e *Engine) write(op string, fn func() error) error {
	if err := e.breaker.Allow(); err != nil {
		return fmt.Errorf("%s: %w", op, data.ErrCollaboratorUnavailable)
	}
	err := fn()
	e.observe(err)
	return err
}

// GetScore returns target's final score as seen by viewer (zero for the
// global view).
func (e *Engine) GetScore(ctx context.Context, target, viewer data.Account) (*ScoreResult, error) {
	b, err := e.GetScoreBreakdown(ctx, target, viewer)
	if err != nil {
		return nil, err
	}
	return &ScoreResult{Target: target, Viewer: viewer, Score: b.FinalScore, Stale: b.Stale}, nil
}

// GetScoreBreakdown calculates the full breakdown. When collaborators fail or
// the breaker is open, the last-known breakdown is returned marked stale.
func (e *Engine) GetScoreBreakdown(ctx context.Context, target, viewer data.Account) (*BreakdownResult, error) {
	key := cacheKey{target: target, viewer: viewer}
	if err := e.breaker.Allow(); err != nil {
		return e.stale(key, err)
	}

	b, err := e.c.Calculator.CalculateWithBreakdown(ctx, target, viewer)
	e.observe(err)
	if err != nil {
		if collaboratorFailure(err) {
			return e.stale(key, err)
		}
		return nil, err
	}
	e.cache.Add(key, *b)
	return &BreakdownResult{TrustBreakdown: b}, nil
}

func (e *Engine) stale(key cacheKey, cause error) (*BreakdownResult, error) {
	b, ok := e.cache.Get(key)
	if !ok {
		return nil, fmt.Errorf("score of %s: %w: %v", key.target.Short(), data.ErrCollaboratorUnavailable, cause)
	}
	e.logger.Warn("Serving stale score",
		zap.String("target", key.target.Short()),
		zap.Int("score", b.FinalScore),
		zap.Error(cause))
	return &BreakdownResult{TrustBreakdown: &b, Stale: true}, nil
}

// AddTrustEdge submits a bonded edge.
func (e *Engine) AddTrustEdge(ctx context.Context, req trust.EdgeRequest) (trust.EdgeResult, error) {
	var res trust.EdgeResult
	err := e.write("add trust edge", func() error {
		var err error
		res, err = e.c.Graph.AddTrustEdge(ctx, req)
		return err
	})
	return res, err
}

// SubmitClaim starts a consensus round. A claim that could not get a
// committee comes back INDETERMINATE together with the IndeterminateError.
func (e *Engine) SubmitClaim(ctx context.Context, req consensus.ClaimRequest) (*data.ConsensusClaim, error) {
	if e.c.Coordinator == nil {
		return nil, fmt.Errorf("submit claim: %w", data.ErrCollaboratorUnavailable)
	}
	var claim *data.ConsensusClaim
	err := e.write("submit claim", func() error {
		var err error
		claim, err = e.c.Coordinator.Submit(ctx, req)
		return err
	})
	return claim, err
}

// GetClaimStatus returns the claim with its current status.
func (e *Engine) GetClaimStatus(ctx context.Context, claimID string) (*data.ConsensusClaim, error) {
	if e.c.Coordinator == nil {
		return nil, fmt.Errorf("claim status: %w", data.ErrCollaboratorUnavailable)
	}
	return e.c.Coordinator.Status(ctx, claimID)
}

func (e *Engine) disputes(op string) (*dispute.Manager, error) {
	if e.c.Disputes == nil {
		return nil, fmt.Errorf("%s: %w", op, data.ErrCollaboratorUnavailable)
	}
	return e.c.Disputes, nil
}

func (e *Engine) OpenDispute(ctx context.Context, target data.TargetRef, challenger data.Account, bond data.Amount, reason string) (string, error) {
	m, err := e.disputes("open dispute")
	if err != nil {
		return "", err
	}
	var id string
	err = e.write("open dispute", func() error {
		var err error
		id, err = m.Open(ctx, target, challenger, bond, reason)
		return err
	})
	return id, err
}

func (e *Engine) VoteDispute(ctx context.Context, id string, voter data.Account, slash bool, stake data.Amount) error {
	m, err := e.disputes("vote dispute")
	if err != nil {
		return err
	}
	return e.write("vote dispute", func() error {
		return m.Vote(ctx, id, voter, slash, stake)
	})
}

func (e *Engine) ResolveDispute(ctx context.Context, id string) (*data.DAODispute, error) {
	m, err := e.disputes("resolve dispute")
	if err != nil {
		return nil, err
	}
	var d *data.DAODispute
	err = e.write("resolve dispute", func() error {
		var err error
		d, err = m.Resolve(ctx, id)
		return err
	})
	return d, err
}

func (e *Engine) GetDispute(id string) (*data.DAODispute, error) {
	m, err := e.disputes("get dispute")
	if err != nil {
		return nil, err
	}
	return m.Get(id)
}

func (e *Engine) ListDisputes(status data.DisputeStatus) ([]*data.DAODispute, error) {
	m, err := e.disputes("list disputes")
	if err != nil {
		return nil, err
	}
	return m.List(status)
}

// DetectSuspiciousClusters returns every account the graph analyzer flags on
// the current snapshot, in canonical order.
func (e *Engine) DetectSuspiciousClusters() ([]data.Account, error) {
	if e.c.Analyzer == nil {
		return nil, fmt.Errorf("detect clusters: %w", data.ErrCollaboratorUnavailable)
	}
	return e.c.Analyzer.DetectSuspiciousClusters(e.c.Graph.Snapshot()).Sorted(), nil
}

// GetWalletCluster returns address's wallet cluster. Its effective score is
// the lowest global score among the members, so a cluster cannot borrow the
// reputation of its best address.
func (e *Engine) GetWalletCluster(ctx context.Context, address data.Account) (*WalletClusterView, error) {
	if address.IsZero() {
		return nil, data.NewValidationError("address", data.ErrInvalidAccount, "zero account")
	}
	if e.c.Wallets == nil {
		return nil, fmt.Errorf("wallet cluster: %w", data.ErrCollaboratorUnavailable)
	}
	wc := e.c.Wallets.Cluster(address)
	view := &WalletClusterView{ClusterID: wc.ClusterID, Members: wc.Members, EffectiveMinScore: data.MaxScore}
	for _, m := range wc.Members {
		s, err := e.GetScore(ctx, m, data.ZeroAccount)
		if err != nil {
			return nil, fmt.Errorf("scoring cluster member %s: %w", m.Short(), err)
		}
		if s.Score < view.EffectiveMinScore {
			view.EffectiveMinScore = s.Score
		}
		view.Stale = view.Stale || s.Stale
	}
	return view, nil
}

// SweepManipulation runs every configured detector once. Edge-pattern flags
// feed the graph analyzer, Sybil flags gate validator eligibility and vote
// flags halve vote weights from the next round on.
func (e *Engine) SweepManipulation(ctx context.Context) (*SweepReport, error) {
	report := &SweepReport{}
	snap := e.c.Graph.Snapshot()

	if e.c.EdgePatterns != nil {
		report.EdgePatterns = e.c.EdgePatterns.Analyze(snap, e.now())
		if e.c.Analyzer != nil {
			e.c.Analyzer.SetExternalFlags("edge_patterns", report.EdgePatterns.Accounts.Sorted())
		}
	}

	if e.c.Registry != nil {
		validators := e.c.Registry.All()
		if e.c.Sybil != nil {
			clusters, err := e.c.Sybil.Detect(ctx, validators)
			e.observe(err)
			if err != nil {
				return nil, fmt.Errorf("sybil sweep: %w", err)
			}
			report.SybilClusters = clusters
		}
		if e.c.Eclipse != nil {
			report.PeerOverlaps = e.c.Eclipse.CheckPeerOverlap(validators)
		}
	}

	if e.c.Votes != nil {
		report.VoteFlags = e.c.Votes.Analyze()
	}

	if e.c.Analyzer != nil {
		report.Suspicious = e.c.Analyzer.DetectSuspiciousClusters(snap).Sorted()
	}

	e.logger.Info("Manipulation sweep finished",
		zap.Int("sybil_clusters", len(report.SybilClusters)),
		zap.Int("vote_flags", len(report.VoteFlags)),
		zap.Int("peer_overlaps", len(report.PeerOverlaps)),
		zap.Int("suspicious", len(report.Suspicious)))
	return report, nil
}
