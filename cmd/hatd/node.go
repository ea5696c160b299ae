package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"hat_reputation/pkg/behavior"
	"hat_reputation/pkg/config"
	"hat_reputation/pkg/consensus"
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/database"
	"hat_reputation/pkg/dispute"
	"hat_reputation/pkg/engine"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/p2p"
	"hat_reputation/pkg/reputation"
	"hat_reputation/pkg/scheduler"
	"hat_reputation/pkg/security"
	"hat_reputation/pkg/trust"
	"hat_reputation/pkg/utils"
	"hat_reputation/pkg/validator"
)

const taskSelfAnnounce = "self_announce"

// Node owns every long-lived service of one HAT participant.
type Node struct {
	cfg    *config.Config
	logger *zap.Logger
	reg    *prometheus.Registry

	db       *database.Service
	store    data.KVStore
	ledger   *ledger.Memory
	graph    *trust.Graph
	wallets  *trust.WalletClusterer
	registry *validator.Registry
	disputes *dispute.Manager
	coord    *consensus.Coordinator
	engine   *engine.Engine
	signer   *security.Signer
	sched    *scheduler.Scheduler

	host     *p2p.Host
	judgment *p2p.JudgmentService
	outcomes *p2p.OutcomeTopic

	ctx    context.Context
	cancel context.CancelFunc
}

func newNode(ctx context.Context, cfg *config.Config, dataDir string, logger *zap.Logger) (*Node, error) {
	ctx, cancel := context.WithCancel(ctx)
	n := &Node{
		cfg:    cfg,
		logger: logger,
		reg:    prometheus.NewRegistry(),
		ledger: ledger.NewMemory(),
		ctx:    ctx,
		cancel: cancel,
	}
	if cfg.Database.DataDir == "" {
		cfg.Database.DataDir = filepath.Join(dataDir, "postgres")
	}

	if err := n.openStore(ctx); err != nil {
		cancel()
		return nil, err
	}
	if err := n.build(ctx); err != nil {
		return nil, multierr.Append(err, n.stop(context.Background()))
	}
	return n, nil
}

func (n *Node) openStore(ctx context.Context) error {
	if !database.Enabled(n.cfg.Database) {
		n.logger.Warn("No database configured, state is kept in memory only")
		n.store = data.NewMemoryStore()
		return nil
	}

	n.db = database.NewService(n.cfg.Database, n.logger)
	retry := utils.DefaultRetryConfig()
	retry.InitialDelay = time.Second
	if err := utils.RetryWithBackoff(ctx, func() error { return n.db.Start(ctx) }, retry); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}
	n.store = n.db.Store()
	return nil
}

func (n *Node) build(ctx context.Context) error {
	cfg, logger, l := n.cfg, n.logger, n.ledger

	tcfg := trust.DefaultConfig()
	tcfg.MinBond = data.Amount(cfg.Trust.MinBond)
	tcfg.PerPointBond = data.Amount(cfg.Trust.PerPointBond)
	tcfg.MaxDepth = cfg.Trust.MaxDepth
	tcfg.MaxPaths = cfg.Trust.MaxPaths
	tcfg.DecayPercent = cfg.Trust.DecayPercent
	tcfg.MinConfirmations = cfg.Trust.MinConfirmations
	n.graph = trust.NewGraph(tcfg, n.store, logger)

	n.wallets = trust.NewWalletClusterer(l, logger)
	acfg := trust.DefaultAnalyzerConfig()
	acfg.CentralityBonusPercent = cfg.Scoring.CentralityBonusPercent
	analyzer := trust.NewGraphAnalyzer(acfg, n.wallets, logger)

	rcfg := reputation.DefaultConfig()
	rcfg.MaxDepth = cfg.Trust.MaxDepth
	rcfg.StakeHalfUnits = data.Amount(cfg.Scoring.StakeHalfUnits)
	rcfg.ClusterPenaltyPercent = cfg.Scoring.ClusterPenaltyPercent
	rcfg.MaxStakeAgeDays = cfg.Scoring.MaxStakeAgeDays
	rcfg.DormancyGraceDays = cfg.Scoring.DormancyGraceDays
	calc := reputation.NewCalculator(rcfg, n.graph, analyzer,
		behavior.NewAnalyzer(behavior.DefaultConfig(), l, logger), l, logger)

	n.registry = validator.NewRegistry(thresholds(cfg.Validator), n.store, l, logger)
	sybil := security.NewSybilDetector(security.DefaultSybilConfig(), l, l, logger)
	n.registry.SetSybilChecker(sybil)
	n.registry.SetScorer(calc)

	scfg := validator.DefaultSelectorConfig()
	scfg.CommitteeSize = cfg.Consensus.CommitteeSize
	scfg.StakeWeightCap = uint64(cfg.Validator.StakeWeightCap)
	selector := validator.NewSelector(scfg, n.registry, logger)

	votes := security.NewVoteManipulationDetector(security.DefaultVoteConfig(), logger)
	n.disputes = dispute.NewManager(disputeConfig(cfg.Dispute), n.store, n.graph, l, dispute.NewMetrics(n.reg), logger)

	var client consensus.ValidatorClient
	var publisher consensus.OutcomePublisher
	if cfg.P2P.Enabled {
		if err := n.startP2P(ctx); err != nil {
			return err
		}
		judge := consensus.NewJudge(calc, n.signer, logger)
		n.judgment = p2p.NewJudgmentService(n.host, judge, cfg.P2P.JudgmentTimeout, logger)
		client = p2p.NewJudgmentClient(n.host, cfg.P2P.JudgmentTimeout, logger)
		publisher = n.outcomes
	} else {
		signer, err := security.GenerateSigner()
		if err != nil {
			return fmt.Errorf("generating validator key: %w", err)
		}
		n.signer = signer
		client = consensus.NewLocalValidators(consensus.NewJudge(calc, signer, logger))
	}

	n.coord = consensus.NewCoordinator(
		consensus.Config{RoundTimeout: cfg.Consensus.RoundTimeout, MaxParallelRounds: cfg.Consensus.MaxParallelRounds},
		n.store, l, n.registry, selector, client, security.NewReplayGuard(100_000, 0.001),
		consensus.Options{
			Weigher:      votes,
			Recorder:     votes,
			Escalator:    n.disputes,
			Publisher:    publisher,
			Metrics:      consensus.NewMetrics(n.reg),
			Connectivity: calc,
		}, logger)
	n.disputes.SetClaimTargets(n.coord)
	n.disputes.SetValidators(n.registry)

	loaders := []struct {
		name string
		load func(context.Context) error
	}{
		{"trust graph", n.graph.Load},
		{"validators", n.registry.Load},
		{"disputes", n.disputes.Load},
	}
	for _, l := range loaders {
		if err := l.load(ctx); err != nil {
			return fmt.Errorf("loading %s: %w", l.name, err)
		}
	}

	ecfg := engine.Config{
		StaleScores: cfg.Cache.StaleScores,
		Breaker:     utils.BreakerConfig{FailureThreshold: cfg.Breaker.FailureThreshold, Cooldown: cfg.Breaker.Cooldown},
	}
	var err error
	n.engine, err = engine.New(ecfg, engine.Components{
		Graph:        n.graph,
		Analyzer:     analyzer,
		Wallets:      n.wallets,
		Calculator:   calc,
		Registry:     n.registry,
		Coordinator:  n.coord,
		Disputes:     n.disputes,
		Sybil:        sybil,
		Eclipse:      security.NewEclipseDetector(scfg.MaxPeerOverlapPercent, logger),
		Votes:        votes,
		EdgePatterns: security.NewEdgePatternDetector(security.DefaultEdgePatternConfig(), logger),
	}, logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}

	return n.schedule()
}

func (n *Node) startP2P(ctx context.Context) error {
	host, err := p2p.NewHost(ctx, n.cfg.P2P, n.reg, n.logger)
	if err != nil {
		return err
	}
	n.host = host
	if n.signer, err = host.Signer(); err != nil {
		return err
	}
	if n.outcomes, err = p2p.NewOutcomeTopic(host, n.logger); err != nil {
		return err
	}
	return host.Start(ctx)
}

func (n *Node) schedule() error {
	n.sched = scheduler.NewScheduler(n.cfg.Scheduler, n.reg, n.logger)
	jobs := scheduler.Jobs{
		Disputes: n.disputes,
		Registry: n.registry,
		Sweeper:  n.engine,
		Wallets:  n.wallets,
		Graph:    n.graph,
		Ledger:   n.ledger,
	}
	if n.host != nil {
		jobs.Peers = n.host
	}
	if err := n.sched.RegisterMaintenance(n.cfg.Scheduler, jobs); err != nil {
		return err
	}
	return n.sched.ScheduleTask(&scheduler.Task{
		ID:          taskSelfAnnounce,
		Name:        "Publish this node's validator record",
		Schedule:    n.cfg.Scheduler.RegistryRefresh,
		ExecutionFn: n.announce,
	})
}

// announce refreshes this node's own validator record with its key and
// current peer set.
func (n *Node) announce(ctx context.Context) error {
	info, err := n.registry.Get(n.signer.Account())
	if err != nil {
		info = data.ValidatorInfo{Address: n.signer.Account()}
	}
	info.PublicKey = n.signer.PublicKey()
	if n.host != nil {
		info.PeerID = n.host.ID()
		info.PeerSet = n.host.PeerSet()
	}
	info, err = n.registry.Upsert(ctx, info)
	if err != nil {
		return err
	}
	n.logger.Debug("Validator record published",
		zap.String("address", info.Address.Short()),
		zap.Bool("eligible", info.IsEligible))
	return nil
}

func (n *Node) start(ctx context.Context) error {
	if err := n.announce(ctx); err != nil {
		return fmt.Errorf("publishing validator record: %w", err)
	}
	if n.outcomes != nil {
		go n.outcomes.Run(n.ctx, n.onRemoteOutcome)
	}
	if err := n.sched.Start(); err != nil {
		return err
	}
	n.logger.Info("Node started",
		zap.String("validator", n.signer.Account().String()),
		zap.Bool("p2p", n.host != nil),
		zap.Bool("persistent", n.db != nil))
	return nil
}

func (n *Node) onRemoteOutcome(_ context.Context, o p2p.Outcome) {
	n.logger.Info("Remote claim decided",
		zap.String("claim", o.ClaimID),
		zap.String("claimant", o.Claimant.Short()),
		zap.Int("score", o.ClaimedScore),
		zap.String("status", string(o.Status)))
}

// stop shuts services down in reverse start order.
func (n *Node) stop(ctx context.Context) error {
	n.cancel()
	var err error
	if n.sched != nil {
		err = multierr.Append(err, n.sched.Stop())
	}
	if n.coord != nil {
		err = multierr.Append(err, n.coord.Close())
	}
	if n.judgment != nil {
		n.judgment.Close()
	}
	if n.outcomes != nil {
		err = multierr.Append(err, n.outcomes.Close())
	}
	if n.host != nil {
		err = multierr.Append(err, n.host.Close())
	}
	if n.db != nil {
		err = multierr.Append(err, n.db.Stop())
	}
	if ctx.Err() != nil {
		err = multierr.Append(err, fmt.Errorf("shutdown deadline: %w", ctx.Err()))
	}
	return err
}

func thresholds(c config.ValidatorConfig) validator.Thresholds {
	return validator.Thresholds{
		MinStake:              data.Amount(c.MinStake),
		MinHATScore:           c.MinHATScore,
		MinStakeAgeDays:       c.MinStakeAgeDays,
		MinOnChainAgeDays:     c.MinOnChainAgeDays,
		MinTxCount:            c.MinTxCount,
		MinUniqueInteractions: c.MinUniqueInteractions,
		MinStakeSources:       c.MinStakeSources,
		MinUptimePercent:      c.MinUptimePercent,
	}
}

func disputeConfig(c config.DisputeConfig) dispute.Config {
	d := dispute.DefaultConfig()
	d.MinChallengeBond = data.Amount(c.MinChallengeBond)
	d.VotingPeriod = c.VotingPeriod
	d.SupermajorityPercent = c.SupermajorityPercent
	d.QuorumStake = data.Amount(c.QuorumStake)
	d.ChallengerRewardPercent = c.ChallengerRewardPercent
	d.VoterRewardPercent = c.VoterRewardPercent
	return d
}
