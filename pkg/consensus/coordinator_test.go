package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hat_reputation/pkg/behavior"
	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/reputation"
	"hat_reputation/pkg/security"
	"hat_reputation/pkg/trust"
	"hat_reputation/pkg/validator"
)

var claimant = func() data.Account {
	var a data.Account
	a[0] = 0xC1
	a[19] = 1
	return a
}()

type harness struct {
	store    *data.MemoryStore
	ledger   *ledger.Memory
	graph    *trust.Graph
	calc     *reputation.Calculator
	registry *validator.Registry
	selector *validator.Selector
	signers  []*security.Signer
	metrics  *Metrics
}

func newHarness(t *testing.T, validators int) *harness {
	t.Helper()
	logger := zap.NewNop()
	h := &harness{
		store:   data.NewMemoryStore(),
		ledger:  ledger.NewMemory(),
		metrics: NewMetrics(prometheus.NewRegistry()),
	}
	h.ledger.SetHeight(100)

	gcfg := trust.DefaultConfig()
	gcfg.MinBond = 100
	gcfg.PerPointBond = 10
	h.graph = trust.NewGraph(gcfg, h.store, logger)
	b := behavior.NewAnalyzer(behavior.DefaultConfig(), h.ledger, logger)
	h.calc = reputation.NewCalculator(reputation.DefaultConfig(), h.graph, nil, b, h.ledger, logger)

	h.registry = validator.NewRegistry(validator.DefaultThresholds(), h.store, h.ledger, logger)
	h.selector = validator.NewSelector(validator.DefaultSelectorConfig(), h.registry, logger)
	for i := 0; i < validators; i++ {
		s, err := security.GenerateSigner()
		require.NoError(t, err)
		_, err = h.registry.Register(context.Background(), data.ValidatorInfo{
			Address:            s.Account(),
			PublicKey:          s.PublicKey(),
			PeerSet:            []string{fmt.Sprintf("peer-%d", i)},
			Stake:              50_000,
			HATScore:           85,
			StakeAgeDays:       120,
			OnChainAgeDays:     400,
			TxCount:            1_000,
			UniqueInteractions: 60,
			StakeSources:       3,
			UptimePercent:      99,
		})
		require.NoError(t, err)
		h.signers = append(h.signers, s)
	}
	return h
}

// seedClaimant gives the claimant a clean behavior record (40 points) and a
// 73 day old account (2 points).
func (h *harness) seedClaimant() {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 50; i++ {
		var partner data.Account
		partner[0] = 0xD0
		partner[19] = byte(i % 25)
		h.ledger.AddInteraction(claimant, ledger.Interaction{
			Counterparty: partner,
			Volume:       100,
			Success:      true,
			Timestamp:    start.Add(time.Duration(i) * time.Minute),
		})
	}
	h.ledger.SetAccount(claimant, ledger.AccountInfo{AgeDays: 73})
}

func (h *harness) trust(t *testing.T, from data.Account, weight int) {
	t.Helper()
	cfg := h.graph.Config()
	_, err := h.graph.AddTrustEdge(context.Background(), trust.EdgeRequest{
		From:   from,
		To:     claimant,
		Weight: weight,
		Bond:   data.RequiredBond(weight, cfg.MinBond, cfg.PerPointBond),
	})
	require.NoError(t, err)
}

func (h *harness) judges() *LocalValidators {
	js := make([]*Judge, 0, len(h.signers))
	for _, s := range h.signers {
		js = append(js, NewJudge(h.calc, s, zap.NewNop()))
	}
	return NewLocalValidators(js...)
}

func (h *harness) coordinator(t *testing.T, client ValidatorClient, timeout time.Duration, opts Options) *Coordinator {
	t.Helper()
	opts.Metrics = h.metrics
	if opts.Connectivity == nil {
		opts.Connectivity = h.calc
	}
	c := NewCoordinator(
		Config{RoundTimeout: timeout, MaxParallelRounds: 4},
		h.store, h.ledger, h.registry, h.selector, client,
		security.NewReplayGuard(10_000, 0.001),
		opts, zap.NewNop())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// scriptedVote decides what a stub member answers. Connected members get a
// real trust edge to the claimant; unbacked ones only claim a view.
type scriptedVote struct {
	judgment  data.Judgment
	connected bool
	unbacked  bool
	delay     time.Duration
	claimID   string
	forge     bool
}

type stubClient struct {
	signers    map[data.Account]*security.Signer
	script     map[data.Account]scriptedVote
	fixedNonce bool
}

func newStubClient(t *testing.T, h *harness, script func(i int) scriptedVote) *stubClient {
	t.Helper()
	c := &stubClient{
		signers: make(map[data.Account]*security.Signer),
		script:  make(map[data.Account]scriptedVote),
	}
	for i, s := range h.signers {
		sv := script(i)
		if sv.connected {
			h.trust(t, s.Account(), 50)
		}
		c.signers[s.Account()] = s
		c.script[s.Account()] = sv
	}
	return c
}

func (c *stubClient) RequestJudgment(ctx context.Context, member data.ValidatorInfo, req JudgmentRequest) (*data.ValidatorVote, error) {
	sv := c.script[member.Address]
	if sv.delay > 0 {
		time.Sleep(sv.delay)
	}
	nonce := "fixed-" + member.Address.String()
	if !c.fixedNonce {
		var err error
		if nonce, err = security.NewNonce(); err != nil {
			return nil, err
		}
	}
	vote := &data.ValidatorVote{
		ClaimID:    req.ClaimID,
		Judgment:   sv.judgment,
		HasWoTView: sv.connected || sv.unbacked,
		Score:      req.ClaimedScore,
		Nonce:      nonce,
	}
	if sv.claimID != "" {
		vote.ClaimID = sv.claimID
	}
	signer := c.signers[member.Address]
	if sv.forge {
		var err error
		if signer, err = security.GenerateSigner(); err != nil {
			return nil, err
		}
	}
	signer.SignVote(vote)
	vote.Validator = member.Address
	return vote, nil
}

var (
	_ ValidatorClient = (*stubClient)(nil)
	_ Connectivity    = (*reputation.Calculator)(nil)
)

type escalatorStub struct {
	mu     sync.Mutex
	claims []string
}

func (e *escalatorStub) Escalate(ctx context.Context, claim *data.ConsensusClaim) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.claims = append(e.claims, claim.ClaimID)
	return "dispute-" + claim.ClaimID, nil
}

var _ Escalator = (*escalatorStub)(nil)

type publisherStub struct {
	mu       sync.Mutex
	outcomes map[string]data.ClaimStatus
}

func (p *publisherStub) PublishOutcome(ctx context.Context, claim *data.ConsensusClaim) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.outcomes == nil {
		p.outcomes = make(map[string]data.ClaimStatus)
	}
	p.outcomes[claim.ClaimID] = claim.Status
	return nil
}

var _ OutcomePublisher = (*publisherStub)(nil)

type recorderStub struct {
	mu     sync.Mutex
	rounds []security.RoundRecord
}

func (r *recorderStub) Record(round security.RoundRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rounds = append(r.rounds, round)
}

var _ RoundRecorder = (*recorderStub)(nil)

type flaggedWeigher data.AccountSet

func (f flaggedWeigher) Multiplier(a data.Account) data.Fixed {
	if data.AccountSet(f).Has(a) {
		return data.One / 2
	}
	return data.One
}

func run(t *testing.T, c *Coordinator, score int) *data.ConsensusClaim {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	claim, err := c.Run(ctx, ClaimRequest{Claimant: claimant, ClaimedScore: score})
	require.NoError(t, err)
	return claim
}

func TestRun_HonestClaimValidated(t *testing.T) {
	h := newHarness(t, 10)
	h.seedClaimant()
	for _, s := range h.signers {
		h.trust(t, s.Account(), 100)
	}
	recorder := &recorderStub{}
	publisher := &publisherStub{}
	c := h.coordinator(t, h.judges(), time.Second, Options{Recorder: recorder, Publisher: publisher})

	claim := run(t, c, 72)
	assert.Equal(t, data.ClaimValidated, claim.Status)
	require.NotNil(t, claim.Tally)
	assert.Equal(t, 10, claim.Tally.Responded)
	assert.Equal(t, 10*data.One, claim.Tally.Accept)
	assert.False(t, claim.Tally.UnconnectedSelected)
	assert.Len(t, claim.Committee, 10)
	assert.NotContains(t, claim.Committee, claimant)
	assert.NotEmpty(t, claim.Seed)
	assert.Equal(t, uint64(100), claim.BlockHeight)

	vote, err := c.Vote(context.Background(), claim.ClaimID, h.signers[0].Account())
	require.NoError(t, err)
	assert.Equal(t, 72, vote.Score)
	assert.Equal(t, data.Components{Behavior: 100, WoT: 100, Economic: 0, Temporal: 20}, vote.Components)
	assert.NoError(t, security.VerifyVote(vote, h.signers[0].PublicKey()))

	require.Len(t, recorder.rounds, 1)
	assert.Equal(t, data.ClaimValidated, recorder.rounds[0].Outcome)
	assert.Len(t, recorder.rounds[0].Votes, 10)
	assert.Equal(t, data.ClaimValidated, publisher.outcomes[claim.ClaimID])
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rounds.WithLabelValues(string(data.ClaimValidated))))
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.votes.WithLabelValues(string(data.JudgmentAccept))))

	info, err := h.registry.Get(h.signers[0].Account())
	require.NoError(t, err)
	assert.Equal(t, 1, info.Assigned)
	assert.Equal(t, 1, info.Responded)
}

func TestRun_ConnectedRejectsDefeatUnconnectedMajority(t *testing.T) {
	h := newHarness(t, 10)
	h.seedClaimant()
	for _, s := range h.signers[:4] {
		h.trust(t, s.Account(), -100)
	}
	esc := &escalatorStub{}
	c := h.coordinator(t, h.judges(), time.Second, Options{Escalator: esc})

	claim := run(t, c, 72)
	assert.Equal(t, data.ClaimDisputed, claim.Status)
	assert.Equal(t, 4*ConnectedWeight, claim.Tally.Reject)
	assert.Equal(t, 6*UnconnectedWeight, claim.Tally.Accept)
	assert.True(t, claim.Tally.UnconnectedSelected)
	assert.Equal(t, []string{claim.ClaimID}, esc.claims)
	assert.Equal(t, "dispute-"+claim.ClaimID, claim.DisputeID)
	assert.False(t, claim.Status.GrantsPrivilege())

	connected, err := c.Vote(context.Background(), claim.ClaimID, h.signers[0].Account())
	require.NoError(t, err)
	assert.Equal(t, data.JudgmentReject, connected.Judgment)
	assert.True(t, connected.HasWoTView)
	assert.Equal(t, 42, connected.Score)

	unconnected, err := c.Vote(context.Background(), claim.ClaimID, h.signers[9].Account())
	require.NoError(t, err)
	assert.Equal(t, data.JudgmentAccept, unconnected.Judgment)
	assert.False(t, unconnected.HasWoTView)
}

func TestSubmit_TooFewEligibleValidators(t *testing.T) {
	h := newHarness(t, 6)
	c := h.coordinator(t, h.judges(), time.Second, Options{})

	claim, err := c.Submit(context.Background(), ClaimRequest{Claimant: claimant, ClaimedScore: 50})
	require.Error(t, err)
	assert.ErrorIs(t, err, data.ErrConsensusIndeterminate)
	var ie *data.IndeterminateError
	require.True(t, errors.As(err, &ie))
	assert.Equal(t, 6, ie.Eligible)
	assert.Equal(t, validator.MinCommitteeSize, ie.Required)

	require.NotNil(t, claim)
	assert.Equal(t, data.ClaimIndeterminate, claim.Status)
	assert.Empty(t, claim.Committee)

	waited, err := c.Wait(context.Background(), claim.ClaimID)
	require.NoError(t, err)
	assert.Equal(t, data.ClaimIndeterminate, waited.Status)

	var stored data.ConsensusClaim
	require.NoError(t, data.GetJSON(context.Background(), h.store, data.PrefixClaim, claim.ClaimID, &stored))
	assert.Equal(t, data.ClaimIndeterminate, stored.Status)
}

func TestSubmit_InvalidClaim(t *testing.T) {
	h := newHarness(t, 10)
	c := h.coordinator(t, h.judges(), time.Second, Options{})

	_, err := c.Submit(context.Background(), ClaimRequest{Claimant: claimant, ClaimedScore: 101})
	assert.ErrorIs(t, err, data.ErrInvalidScore)
	_, err = c.Submit(context.Background(), ClaimRequest{ClaimedScore: 50})
	assert.ErrorIs(t, err, data.ErrInvalidAccount)
}

func TestRun_AcceptThreshold(t *testing.T) {
	tests := []struct {
		name    string
		accepts int
		want    data.ClaimStatus
	}{
		{"seven of ten", 7, data.ClaimValidated},
		{"six of ten", 6, data.ClaimDisputed},
		{"all reject", 0, data.ClaimDisputed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10)
			client := newStubClient(t, h, func(i int) scriptedVote {
				if i < tt.accepts {
					return scriptedVote{judgment: data.JudgmentAccept, connected: true}
				}
				return scriptedVote{judgment: data.JudgmentReject, connected: true}
			})
			c := h.coordinator(t, client, time.Second, Options{})

			claim := run(t, c, 60)
			assert.Equal(t, tt.want, claim.Status)
		})
	}
}

func TestRun_UnconnectedOnlyIsIndeterminate(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(int) scriptedVote {
		return scriptedVote{judgment: data.JudgmentAccept}
	})
	c := h.coordinator(t, client, time.Second, Options{})

	claim := run(t, c, 60)
	assert.Equal(t, data.ClaimIndeterminate, claim.Status)
	assert.Equal(t, 10*UnconnectedWeight, claim.Tally.Accept)
}

func TestRun_FlaggedValidatorsCountHalf(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(i int) scriptedVote {
		if i < 7 {
			return scriptedVote{judgment: data.JudgmentAccept, connected: true}
		}
		return scriptedVote{judgment: data.JudgmentReject, connected: true}
	})
	flagged := flaggedWeigher(data.NewAccountSet(h.signers[0].Account(), h.signers[1].Account()))
	c := h.coordinator(t, client, time.Second, Options{Weigher: flagged})

	claim := run(t, c, 60)
	assert.Equal(t, 6*data.One, claim.Tally.Accept)
	assert.Equal(t, data.ClaimDisputed, claim.Status)
}

func TestRun_ReplayedNoncesRejected(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(int) scriptedVote {
		return scriptedVote{judgment: data.JudgmentAccept, connected: true}
	})
	client.fixedNonce = true
	c := h.coordinator(t, client, time.Second, Options{})

	first := run(t, c, 60)
	assert.Equal(t, data.ClaimValidated, first.Status)

	second := run(t, c, 60)
	assert.Equal(t, data.ClaimIndeterminate, second.Status)
	assert.Equal(t, 0, second.Tally.Responded)
	assert.Equal(t, 10.0, testutil.ToFloat64(h.metrics.rejectedVotes.WithLabelValues("replay")))
}

func TestRun_ForgedVotesRejected(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(i int) scriptedVote {
		sv := scriptedVote{judgment: data.JudgmentAccept, connected: true}
		switch i {
		case 0:
			sv.forge = true
		case 1:
			sv.claimID = "some-other-claim"
		}
		return sv
	})
	c := h.coordinator(t, client, time.Second, Options{})

	claim := run(t, c, 60)
	assert.Equal(t, data.ClaimValidated, claim.Status)
	assert.Equal(t, 8, claim.Tally.Responded)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rejectedVotes.WithLabelValues("signature")))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rejectedVotes.WithLabelValues("wrong_claim")))

	_, err := c.Vote(context.Background(), claim.ClaimID, h.signers[0].Account())
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestRun_UnbackedWoTViewRejected(t *testing.T) {
	tests := []struct {
		name      string
		backed    int
		responded int
	}{
		{"no member connected", 0, 0},
		{"three of ten connected", 3, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, 10)
			client := newStubClient(t, h, func(i int) scriptedVote {
				if i < tt.backed {
					return scriptedVote{judgment: data.JudgmentAccept, connected: true}
				}
				return scriptedVote{judgment: data.JudgmentAccept, unbacked: true}
			})
			c := h.coordinator(t, client, time.Second, Options{})

			claim := run(t, c, 60)
			assert.NotEqual(t, data.ClaimValidated, claim.Status)
			assert.False(t, claim.Status.GrantsPrivilege())
			assert.Equal(t, tt.responded, claim.Tally.Responded)
			assert.Equal(t, data.Fixed(tt.backed)*ConnectedWeight, claim.Tally.Accept)
			assert.Equal(t, float64(10-tt.backed), testutil.ToFloat64(h.metrics.rejectedVotes.WithLabelValues("wot_view")))
		})
	}
}

func TestRun_LateVotesDiscarded(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(i int) scriptedVote {
		sv := scriptedVote{judgment: data.JudgmentAccept, connected: true}
		if i >= 7 {
			sv.delay = 400 * time.Millisecond
		}
		return sv
	})
	c := h.coordinator(t, client, 100*time.Millisecond, Options{})

	claim := run(t, c, 60)
	assert.Equal(t, data.ClaimValidated, claim.Status)
	assert.Equal(t, 7, claim.Tally.Responded)

	slow, err := h.registry.Get(h.signers[9].Account())
	require.NoError(t, err)
	assert.Equal(t, 1, slow.ConsecutiveMisses)
	assert.Equal(t, 0, slow.Responded)

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.lateVotes) == 3
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRun_SilentUnconnectedMembersKeepCoverageMinimum(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(i int) scriptedVote {
		if i < 7 {
			return scriptedVote{judgment: data.JudgmentAccept, connected: true}
		}
		return scriptedVote{judgment: data.JudgmentAccept, delay: 400 * time.Millisecond}
	})
	c := h.coordinator(t, client, 100*time.Millisecond, Options{})

	claim := run(t, c, 60)
	assert.Equal(t, 7, claim.Tally.Responded)
	assert.Equal(t, 7*ConnectedWeight, claim.Tally.Accept)
	assert.True(t, claim.Tally.UnconnectedSelected, "selection, not arrival, decides the unconnected minimum")
	assert.Equal(t, data.ClaimIndeterminate, claim.Status)
}

func TestRun_SilentCommitteeTimesOut(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(int) scriptedVote {
		return scriptedVote{judgment: data.JudgmentAccept, connected: true, delay: 300 * time.Millisecond}
	})
	c := h.coordinator(t, client, 50*time.Millisecond, Options{})

	claim := run(t, c, 60)
	assert.Equal(t, data.ClaimTimedOut, claim.Status)
	assert.Equal(t, 0, claim.Tally.Responded)
	assert.False(t, claim.Status.GrantsPrivilege())
}

func TestMarkOverturned(t *testing.T) {
	h := newHarness(t, 10)
	client := newStubClient(t, h, func(int) scriptedVote {
		return scriptedVote{judgment: data.JudgmentAccept, connected: true}
	})
	c := h.coordinator(t, client, time.Second, Options{})
	claim := run(t, c, 60)

	require.NoError(t, c.MarkOverturned(context.Background(), claim.ClaimID, "d-1"))
	require.NoError(t, c.MarkOverturned(context.Background(), claim.ClaimID, "d-2"))

	got, err := c.Status(context.Background(), claim.ClaimID)
	require.NoError(t, err)
	assert.True(t, got.Overturned)
	assert.Equal(t, "d-1", got.DisputeID)

	var stored data.ConsensusClaim
	require.NoError(t, data.GetJSON(context.Background(), h.store, data.PrefixClaim, claim.ClaimID, &stored))
	assert.True(t, stored.Overturned)
}

func TestStatus_Unknown(t *testing.T) {
	h := newHarness(t, 0)
	c := h.coordinator(t, h.judges(), time.Second, Options{})

	_, err := c.Status(context.Background(), "missing")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestJudge_AbstainsWhenLedgerFails(t *testing.T) {
	h := newHarness(t, 1)
	j := NewJudge(h.calc, h.signers[0], zap.NewNop())
	h.ledger.SetFailure(errors.New("node offline"))

	vote, err := j.Judge(context.Background(), JudgmentRequest{ClaimID: "c-1", Claimant: claimant, ClaimedScore: 50})
	require.NoError(t, err)
	assert.Equal(t, data.JudgmentAbstain, vote.Judgment)
	assert.NotEmpty(t, vote.Nonce)
	assert.NoError(t, security.VerifyVote(vote, h.signers[0].PublicKey()))
}
