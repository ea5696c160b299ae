package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/security"
	"hat_reputation/pkg/utils"
	"hat_reputation/pkg/validator"
)

// Config controls round timing and parallelism.
type Config struct {
	RoundTimeout      time.Duration
	MaxParallelRounds int
}

func DefaultConfig() Config {
	return Config{
		RoundTimeout:      DefaultRoundTimeout,
		MaxParallelRounds: 64,
	}
}

// RoundRecorder receives every finished round for vote pattern analysis.
type RoundRecorder interface {
	Record(round security.RoundRecord)
}

// Connectivity answers whether a validator has a web-of-trust path to a
// claimant, as seen by the coordinating node.
type Connectivity interface {
	Connected(viewer, target data.Account) bool
}

// round is the in-memory state of one claim. Rounds share nothing mutable.
type round struct {
	claim *data.ConsensusClaim
	votes []*data.ValidatorVote
	done  chan struct{}
}

// Coordinator dispatches claims to committees and aggregates their votes.
type Coordinator struct {
	cfg          Config
	store        data.KVStore
	ledger       ledger.Ledger
	registry     *validator.Registry
	selector     *validator.Selector
	client       ValidatorClient
	replay       *security.ReplayGuard
	weigher      VoteWeigher
	connectivity Connectivity
	recorder     RoundRecorder
	escalator    Escalator
	publisher    OutcomePublisher
	metrics      *Metrics
	logger       *zap.Logger
	now          func() time.Time

	rounds map[string]*round
	mu     sync.RWMutex
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Options carries the optional collaborators of a Coordinator.
type Options struct {
	Weigher   VoteWeigher
	Recorder  RoundRecorder
	Escalator Escalator
	Publisher OutcomePublisher
	Metrics   *Metrics

	// Connectivity checks the HasWoTView flag of incoming votes. Without it
	// every vote claiming a view is rejected.
	Connectivity Connectivity
}

func NewCoordinator(
	cfg Config,
	store data.KVStore,
	l ledger.Ledger,
	registry *validator.Registry,
	selector *validator.Selector,
	client ValidatorClient,
	replay *security.ReplayGuard,
	opts Options,
	logger *zap.Logger,
) *Coordinator {
	if cfg.RoundTimeout <= 0 {
		cfg.RoundTimeout = DefaultRoundTimeout
	}
	if cfg.MaxParallelRounds <= 0 {
		cfg.MaxParallelRounds = 1
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:          cfg,
		store:        store,
		ledger:       l,
		registry:     registry,
		selector:     selector,
		client:       client,
		replay:       replay,
		weigher:      opts.Weigher,
		connectivity: opts.Connectivity,
		recorder:     opts.Recorder,
		escalator:    opts.Escalator,
		publisher:    opts.Publisher,
		metrics:      opts.Metrics,
		logger:       logger.Named("consensus"),
		now:          time.Now,
		rounds:       make(map[string]*round),
		sem:          make(chan struct{}, cfg.MaxParallelRounds),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// SetEscalator wires the dispute escalation path after construction.
func (c *Coordinator) SetEscalator(e Escalator) {
	c.mu.Lock()
	c.escalator = e
	c.mu.Unlock()
}

// Submit records a claim, draws its committee and starts the round. The
// returned claim is PENDING unless the committee could not be formed, in
// which case it is INDETERMINATE and the error is an IndeterminateError.
func (c *Coordinator) Submit(ctx context.Context, req ClaimRequest) (*data.ConsensusClaim, error) {
	claim, err := data.NewConsensusClaim(req.Claimant, req.ClaimedScore, req.ClaimedComponents)
	if err != nil {
		return nil, err
	}
	claim.CreatedAt = c.now().UTC()

	height, err := c.ledger.BlockHeight(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading block height: %w", err)
	}
	claim.BlockHeight = height

	committee, selErr := c.selector.SelectCommittee(claim.ClaimID, claim.Claimant, height)
	if selErr != nil {
		var ie *data.IndeterminateError
		if !errors.As(selErr, &ie) {
			return nil, selErr
		}
		claim.Status = data.ClaimIndeterminate
		claim.Reason = ie.Reason
		claim.DecidedAt = claim.CreatedAt
		if err := c.persist(ctx, claim, nil); err != nil {
			return nil, err
		}
		r := &round{claim: claim, done: make(chan struct{})}
		close(r.done)
		c.mu.Lock()
		c.rounds[claim.ClaimID] = r
		c.mu.Unlock()
		c.metrics.rounds.WithLabelValues(string(data.ClaimIndeterminate)).Inc()
		return claim.Clone(), selErr
	}

	claim.Committee = committee.Addresses()
	claim.Seed = committee.SeedHex()
	if err := c.persist(ctx, claim, nil); err != nil {
		return nil, err
	}

	r := &round{claim: claim, done: make(chan struct{})}
	c.mu.Lock()
	c.rounds[claim.ClaimID] = r
	c.mu.Unlock()

	c.logger.Info("Claim submitted",
		zap.String("claim", claim.ClaimID),
		zap.String("claimant", claim.Claimant.Short()),
		zap.Int("score", claim.ClaimedScore),
		zap.Int("committee", len(committee.Members)))

	out := claim.Clone()
	c.wg.Add(1)
	utils.SafeGo(c.logger, func() {
		defer c.wg.Done()
		c.runRound(r, committee.Members)
	})
	return out, nil
}

// Run submits a claim and waits for its outcome.
func (c *Coordinator) Run(ctx context.Context, req ClaimRequest) (*data.ConsensusClaim, error) {
	claim, err := c.Submit(ctx, req)
	if err != nil {
		return claim, err
	}
	return c.Wait(ctx, claim.ClaimID)
}

// Wait blocks until the claim is decided or ctx ends.
func (c *Coordinator) Wait(ctx context.Context, claimID string) (*data.ConsensusClaim, error) {
	c.mu.RLock()
	r, ok := c.rounds[claimID]
	c.mu.RUnlock()
	if !ok {
		return c.Status(ctx, claimID)
	}
	select {
	case <-r.done:
		return c.Status(ctx, claimID)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status returns the current state of a claim.
func (c *Coordinator) Status(ctx context.Context, claimID string) (*data.ConsensusClaim, error) {
	c.mu.RLock()
	r, ok := c.rounds[claimID]
	var out *data.ConsensusClaim
	if ok {
		out = r.claim.Clone()
	}
	c.mu.RUnlock()
	if ok {
		return out, nil
	}

	var claim data.ConsensusClaim
	if err := data.GetJSON(ctx, c.store, data.PrefixClaim, claimID, &claim); err != nil {
		return nil, fmt.Errorf("claim %s: %w", claimID, err)
	}
	return &claim, nil
}

// Vote returns the recorded vote of validator on a claim.
func (c *Coordinator) Vote(ctx context.Context, claimID string, v data.Account) (*data.ValidatorVote, error) {
	var vote data.ValidatorVote
	if err := data.GetJSON(ctx, c.store, data.PrefixClaimVote, voteKey(claimID, v), &vote); err != nil {
		return nil, fmt.Errorf("vote of %s on %s: %w", v.Short(), claimID, err)
	}
	return &vote, nil
}

// MarkOverturned records that a dispute reversed the claim's outcome.
func (c *Coordinator) MarkOverturned(ctx context.Context, claimID, disputeID string) error {
	claim, err := c.Status(ctx, claimID)
	if err != nil {
		return err
	}
	if claim.Overturned {
		return nil
	}
	claim.Overturned = true
	if claim.DisputeID == "" {
		claim.DisputeID = disputeID
	}
	if err := c.persist(ctx, claim, nil); err != nil {
		return err
	}

	c.mu.Lock()
	if r, ok := c.rounds[claimID]; ok {
		r.claim.Overturned = true
		r.claim.DisputeID = claim.DisputeID
	}
	c.mu.Unlock()

	c.logger.Warn("Claim overturned",
		zap.String("claim", claimID),
		zap.String("dispute", disputeID))
	return nil
}

// Close cancels in-flight rounds and waits for them to finish.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

type response struct {
	member data.ValidatorInfo
	vote   *data.ValidatorVote
	err    error
	at     time.Time
}

func (c *Coordinator) runRound(r *round, members []data.ValidatorInfo) {
	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-c.ctx.Done():
		c.finish(r, nil, len(members), 0)
		return
	}
	c.metrics.activeRounds.Inc()
	defer c.metrics.activeRounds.Dec()

	start := c.now()
	deadline := start.Add(c.cfg.RoundTimeout)
	ctx, cancel := context.WithDeadline(c.ctx, deadline)
	defer cancel()

	req := JudgmentRequest{
		ClaimID:           r.claim.ClaimID,
		Claimant:          r.claim.Claimant,
		ClaimedScore:      r.claim.ClaimedScore,
		ClaimedComponents: r.claim.ClaimedComponents,
		Deadline:          deadline,
	}

	responses := make(chan response, len(members))
	for _, m := range members {
		m := m
		go func() {
			vote, err := c.client.RequestJudgment(ctx, m, req)
			responses <- response{member: m, vote: vote, err: err, at: c.now()}
		}()
	}

	accepted := make(map[data.Account]*data.ValidatorVote, len(members))
	received, late := 0, 0
collect:
	for received < len(members) {
		select {
		case resp := <-responses:
			received++
			if resp.at.After(deadline) {
				late++
				c.discardLate(r.claim.ClaimID, resp)
				continue
			}
			if vote := c.admit(r.claim, start, resp); vote != nil {
				accepted[vote.Validator] = vote
			}
		case <-ctx.Done():
			break collect
		}
	}

	if pending := len(members) - received; pending > 0 {
		go c.drain(r.claim.ClaimID, responses, pending)
	}

	for _, m := range members {
		_, ok := accepted[m.Address]
		if err := c.registry.RecordResponse(c.ctx, m.Address, ok); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Warn("Recording validator response failed",
				zap.String("validator", m.Address.Short()),
				zap.Error(err))
		}
	}

	votes := make([]*data.ValidatorVote, 0, len(accepted))
	for _, m := range members {
		if v, ok := accepted[m.Address]; ok {
			votes = append(votes, v)
		}
	}
	missed := len(members) - received + late
	c.metrics.roundDuration.Observe(c.now().Sub(start).Seconds())
	c.finish(r, votes, missed, late)
}

// admit validates one response and returns the vote when it may be tallied.
func (c *Coordinator) admit(claim *data.ConsensusClaim, start time.Time, resp response) *data.ValidatorVote {
	reject := func(reason string, err error) *data.ValidatorVote {
		c.metrics.rejectedVotes.WithLabelValues(reason).Inc()
		c.logger.Debug("Vote rejected",
			zap.String("claim", claim.ClaimID),
			zap.String("validator", resp.member.Address.Short()),
			zap.String("reason", reason),
			zap.Error(err))
		return nil
	}

	switch {
	case resp.err != nil:
		return reject("transport", resp.err)
	case resp.vote == nil:
		return reject("empty", nil)
	case resp.vote.Validator != resp.member.Address:
		return reject("wrong_validator", nil)
	case resp.vote.ClaimID != claim.ClaimID:
		return reject("wrong_claim", nil)
	}
	if err := security.VerifyVote(resp.vote, resp.member.PublicKey); err != nil {
		return reject("signature", err)
	}
	if err := c.replay.Check(resp.vote.Validator, resp.vote.Nonce); err != nil {
		return reject("replay", err)
	}
	if resp.vote.HasWoTView && !c.hasView(resp.member.Address, claim.Claimant) {
		return reject("wot_view", nil)
	}

	vote := *resp.vote
	vote.ReceivedAt = resp.at.UTC()
	vote.Latency = resp.at.Sub(start)
	c.metrics.votes.WithLabelValues(string(vote.Judgment)).Inc()
	return &vote
}

// hasView reports whether validator reaches claimant in the local graph.
func (c *Coordinator) hasView(validator, claimant data.Account) bool {
	return c.connectivity != nil && c.connectivity.Connected(validator, claimant)
}

// unconnectedSelected reports whether any committee member lacks a view of the
// claimant, whether or not that member answered.
func (c *Coordinator) unconnectedSelected(claim *data.ConsensusClaim) bool {
	for _, m := range claim.Committee {
		if !c.hasView(m, claim.Claimant) {
			return true
		}
	}
	return false
}

func (c *Coordinator) discardLate(claimID string, resp response) {
	c.metrics.lateVotes.Inc()
	c.logger.Info("Late vote discarded",
		zap.String("claim", claimID),
		zap.String("validator", resp.member.Address.Short()))
}

// drain absorbs responses that arrive after the round closed.
func (c *Coordinator) drain(claimID string, responses <-chan response, pending int) {
	for i := 0; i < pending; i++ {
		resp := <-responses
		if resp.vote != nil && resp.err == nil {
			c.discardLate(claimID, resp)
		}
	}
}

// finish tallies, decides, persists and announces the round outcome.
func (c *Coordinator) finish(r *round, votes []*data.ValidatorVote, missed, late int) {
	ctx := context.WithoutCancel(c.ctx)

	c.mu.RLock()
	escalator, publisher := c.escalator, c.publisher
	claim := r.claim.Clone()
	c.mu.RUnlock()

	tally := TallyVotes(votes, c.weigher)
	tally.Late = late
	if c.unconnectedSelected(claim) {
		tally.UnconnectedSelected = true
	}
	status := Decide(tally, missed > 0)

	claim.Tally = &tally
	claim.Status = status
	claim.DecidedAt = c.now().UTC()

	if status == data.ClaimDisputed && escalator != nil {
		id, err := escalator.Escalate(ctx, claim)
		if err != nil {
			c.logger.Error("Escalating disputed claim failed",
				zap.String("claim", claim.ClaimID),
				zap.Error(err))
		} else {
			claim.DisputeID = id
		}
	}

	if err := c.persist(ctx, claim, votes); err != nil {
		c.logger.Error("Persisting claim outcome failed",
			zap.String("claim", claim.ClaimID),
			zap.Error(err))
	}

	c.mu.Lock()
	r.claim = claim
	r.votes = votes
	c.mu.Unlock()
	defer close(r.done)

	c.metrics.rounds.WithLabelValues(string(status)).Inc()
	c.logger.Info("Claim decided",
		zap.String("claim", claim.ClaimID),
		zap.String("status", string(status)),
		zap.String("accept", tally.Accept.String()),
		zap.String("reject", tally.Reject.String()),
		zap.Int("responded", tally.Responded),
		zap.Int("missed", missed))

	if c.recorder != nil {
		record := security.RoundRecord{ClaimID: claim.ClaimID, Outcome: status}
		for _, v := range votes {
			record.Votes = append(record.Votes, *v)
		}
		c.recorder.Record(record)
	}
	if publisher != nil {
		if err := publisher.PublishOutcome(ctx, claim); err != nil {
			c.logger.Warn("Publishing claim outcome failed",
				zap.String("claim", claim.ClaimID),
				zap.Error(err))
		}
	}
}

func (c *Coordinator) persist(ctx context.Context, claim *data.ConsensusClaim, votes []*data.ValidatorVote) error {
	op, err := data.PutJSON(data.PrefixClaim, claim.ClaimID, claim)
	if err != nil {
		return err
	}
	ops := []data.Op{op}
	for _, v := range votes {
		vop, err := data.PutJSON(data.PrefixClaimVote, voteKey(claim.ClaimID, v.Validator), v)
		if err != nil {
			return err
		}
		ops = append(ops, vop)
	}
	if err := c.store.Apply(ctx, ops); err != nil {
		return fmt.Errorf("persisting claim %s: %w", claim.ClaimID, err)
	}
	return nil
}

func voteKey(claimID string, v data.Account) string {
	return claimID + "|" + v.String()
}
