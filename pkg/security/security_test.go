package security

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
	"hat_reputation/pkg/trust"
	"hat_reputation/pkg/validator"
)

func acct(n int) data.Account {
	var a data.Account
	a[0] = 0x5E
	a[18] = byte(n >> 8)
	a[19] = byte(n)
	return a
}

func TestSigner(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	vote := &data.ValidatorVote{
		ClaimID:    "claim-1",
		Judgment:   data.JudgmentAccept,
		HasWoTView: true,
		Score:      72,
		Components: data.Components{Behavior: 80, WoT: 60, Economic: 70, Temporal: 75},
		SnapshotID: "bafk",
		Nonce:      "n-1",
	}
	signer.SignVote(vote)
	assert.Equal(t, signer.Account(), vote.Validator)
	require.NoError(t, VerifyVote(vote, signer.PublicKey()))

	t.Run("TransportFieldsIgnored", func(t *testing.T) {
		v := *vote
		v.ReceivedAt = time.Now()
		v.Latency = time.Second
		assert.NoError(t, VerifyVote(&v, signer.PublicKey()))
	})

	t.Run("TamperedScore", func(t *testing.T) {
		v := *vote
		v.Score = 73
		assert.ErrorIs(t, VerifyVote(&v, signer.PublicKey()), data.ErrInvalidSignature)
	})

	t.Run("TamperedJudgment", func(t *testing.T) {
		v := *vote
		v.Judgment = data.JudgmentReject
		assert.ErrorIs(t, VerifyVote(&v, signer.PublicKey()), data.ErrInvalidSignature)
	})

	t.Run("ForeignKey", func(t *testing.T) {
		other, err := GenerateSigner()
		require.NoError(t, err)
		assert.ErrorIs(t, VerifyVote(vote, other.PublicKey()), data.ErrInvalidSignature)
	})

	t.Run("ShortKey", func(t *testing.T) {
		assert.ErrorIs(t, VerifyVote(vote, []byte{1, 2, 3}), data.ErrInvalidSignature)
		_, err := NewSigner([]byte{1})
		assert.Error(t, err)
	})
}

func TestSealKey(t *testing.T) {
	signer, err := GenerateSigner()
	require.NoError(t, err)

	sealed, err := SealKey([]byte("passphrase"), signer.PrivateKey())
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(signer.PrivateKey()))

	opened, err := OpenKey([]byte("passphrase"), sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte(signer.PrivateKey()), opened)

	_, err = OpenKey([]byte("wrong"), sealed)
	assert.Error(t, err)
	_, err = OpenKey([]byte("passphrase"), sealed[:10])
	assert.Error(t, err)
}

func TestReplayGuard(t *testing.T) {
	g := NewReplayGuard(1000, 0.01)

	require.NoError(t, g.Check(acct(1), "n-1"))
	assert.ErrorIs(t, g.Check(acct(1), "n-1"), data.ErrReplay)
	assert.NoError(t, g.Check(acct(2), "n-1"), "nonces are scoped per validator")
	assert.ErrorIs(t, g.Check(acct(1), ""), data.ErrValidation)

	for i := 0; i < 5000; i++ {
		require.NoError(t, g.Check(acct(3), fmt.Sprintf("nonce-%d", i)), "fresh nonce %d", i)
	}
	assert.Equal(t, 5002, g.Len())
}

func TestSybilDetector(t *testing.T) {
	l := ledger.NewMemory()
	funder := acct(900)
	for i := 1; i <= 3; i++ {
		l.SetFunder(acct(i), funder)
	}
	// a shared funder with only two accounts stays below the cluster size
	l.SetFunder(acct(4), acct(901))
	l.SetFunder(acct(5), acct(901))

	for i := 10; i <= 12; i++ {
		for _, p := range []int{500, 501, 502} {
			l.AddInteraction(acct(i), ledger.Interaction{Counterparty: acct(p), Volume: 1, Success: true})
		}
	}

	var validators []data.ValidatorInfo
	for _, i := range []int{1, 2, 3, 4, 5, 10, 11, 12, 20, 21, 22, 30} {
		v := data.ValidatorInfo{Address: acct(i), PeerSet: []string{fmt.Sprintf("own-%d", i)}}
		if i >= 20 && i <= 22 {
			v.PeerSet = []string{"x", "y", "z"}
		}
		validators = append(validators, v)
	}

	d := NewSybilDetector(DefaultSybilConfig(), l, l, zaptest.NewLogger(t))
	clusters, err := d.Detect(context.Background(), validators)
	require.NoError(t, err)
	require.Len(t, clusters, 3)

	assert.Equal(t, []data.Account{acct(1), acct(2), acct(3)}, clusters[0].Members)
	assert.Equal(t, []string{"funding"}, clusters[0].Signals)
	assert.Equal(t, []string{"fingerprint"}, clusters[1].Signals)
	assert.Equal(t, []string{"peer_overlap"}, clusters[2].Signals)

	for _, i := range []int{1, 2, 3, 10, 11, 12, 20, 21, 22} {
		assert.True(t, d.Flagged(acct(i)), "account %d", i)
	}
	for _, i := range []int{4, 5, 30} {
		assert.False(t, d.Flagged(acct(i)), "account %d", i)
	}
	assert.Len(t, d.FlaggedAccounts(), 9)
}

func TestSybilDetector_CheckEligibility(t *testing.T) {
	d := NewSybilDetector(DefaultSybilConfig(), ledger.NewMemory(), nil, zap.NewNop())
	thresholds := validator.DefaultThresholds()
	good := data.ValidatorInfo{
		Address:            acct(1),
		StakeSources:       3,
		OnChainAgeDays:     365,
		TxCount:            1000,
		UniqueInteractions: 50,
	}
	assert.NoError(t, d.CheckEligibility(good, thresholds))

	farm := good
	farm.StakeSources = 1
	farm.OnChainAgeDays = 2
	err := d.CheckEligibility(farm, thresholds)
	require.ErrorIs(t, err, data.ErrNotEligible)
	assert.Contains(t, err.Error(), "stake sources")
	assert.Contains(t, err.Error(), "account age")
}

func TestEclipseDetector(t *testing.T) {
	d := NewEclipseDetector(50, zap.NewNop())
	validators := []data.ValidatorInfo{
		{Address: acct(3), PeerSet: []string{"a", "b", "c", "d"}},
		{Address: acct(1), PeerSet: []string{"a", "b", "c"}},
		{Address: acct(2), PeerSet: []string{"a", "x", "y", "z"}},
		{Address: acct(4), PeerSet: []string{"a", "b"}},
	}
	flags := d.CheckPeerOverlap(validators)
	require.Len(t, flags, 3)
	assert.Equal(t, OverlapFlag{A: acct(1), B: acct(3), OverlapPercent: 100}, flags[0])
	assert.Equal(t, OverlapFlag{A: acct(1), B: acct(4), OverlapPercent: 100}, flags[1])
	assert.Equal(t, OverlapFlag{A: acct(3), B: acct(4), OverlapPercent: 100}, flags[2])
}

func TestCoverage(t *testing.T) {
	tests := []struct {
		name string
		t    data.Tally
		want bool
	}{
		{"all connected", data.Tally{ConnectedWeight: 10 * data.One}, true},
		{"no connected votes", data.Tally{UnconnectedWeight: 6 * data.FromPercent(60), UnconnectedSelected: true}, false},
		{"mixed committee", data.Tally{ConnectedWeight: 4 * data.One, UnconnectedWeight: 6 * data.FromPercent(60), UnconnectedSelected: true}, true},
		{"unconnected selected but silent", data.Tally{ConnectedWeight: 9 * data.One, UnconnectedSelected: true}, false},
		{"connected below thirty percent", data.Tally{ConnectedWeight: data.One, UnconnectedWeight: 9 * data.FromPercent(60), UnconnectedSelected: true}, false},
		{"nothing", data.Tally{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CoverageMet(tt.t))
		})
	}

	c, u := Coverage(data.Tally{ConnectedWeight: 3 * data.One, UnconnectedWeight: data.One})
	assert.Equal(t, data.FromPercent(75), c)
	assert.Equal(t, data.FromPercent(25), u)
}

func vote(v data.Account, claim string, j data.Judgment, latency time.Duration) data.ValidatorVote {
	return data.ValidatorVote{Validator: v, ClaimID: claim, Judgment: j, Latency: latency}
}

func TestVoteManipulation_IdenticalPair(t *testing.T) {
	d := NewVoteManipulationDetector(DefaultVoteConfig(), zap.NewNop())
	for r := 0; r < 12; r++ {
		claim := fmt.Sprintf("c-%d", r)
		votes := []data.ValidatorVote{
			vote(acct(1), claim, data.JudgmentReject, 100*time.Millisecond),
			vote(acct(2), claim, data.JudgmentReject, 300*time.Millisecond),
		}
		for i := 3; i <= 5; i++ {
			votes = append(votes, vote(acct(i), claim, data.JudgmentAccept, time.Duration(i)*100*time.Millisecond))
		}
		d.Record(RoundRecord{ClaimID: claim, Outcome: data.ClaimValidated, Votes: votes})
	}

	flags := d.Analyze()
	require.Len(t, flags, 1)
	assert.Equal(t, FlagIdenticalVotes, flags[0].Kind)
	assert.Equal(t, []data.Account{acct(1), acct(2)}, flags[0].Validators)
	assert.Equal(t, data.One/2, d.Multiplier(acct(1)))
	assert.Equal(t, data.One/2, d.Multiplier(acct(2)))
	assert.Equal(t, data.One, d.Multiplier(acct(3)))
	assert.Equal(t, []data.Account{acct(1), acct(2)}, d.FlaggedAccounts())
}

func TestVoteManipulation_TightTiming(t *testing.T) {
	d := NewVoteManipulationDetector(DefaultVoteConfig(), zap.NewNop())
	rng := rand.New(rand.NewSource(42))
	for r := 0; r < 30; r++ {
		claim := fmt.Sprintf("c-%d", r)
		var votes []data.ValidatorVote
		lead := time.Duration(rng.Intn(1000)) * time.Millisecond
		votes = append(votes,
			vote(acct(1), claim, data.JudgmentAccept, lead),
			vote(acct(2), claim, data.JudgmentAccept, lead+2*time.Millisecond))
		for i := 3; i <= 10; i++ {
			votes = append(votes, vote(acct(i), claim, data.JudgmentAccept, time.Duration(rng.Intn(1000))*time.Millisecond))
		}
		d.Record(RoundRecord{ClaimID: claim, Outcome: data.ClaimValidated, Votes: votes})
	}

	d.Analyze()
	flags := d.Flags(acct(1))
	require.NotEmpty(t, flags)
	assert.Equal(t, FlagTightTiming, flags[0].Kind)
	assert.Equal(t, []data.Account{acct(1), acct(2)}, flags[0].Validators)
	assert.LessOrEqual(t, flags[0].Z, -3.0)
}

func TestVoteManipulation_DirectionalBias(t *testing.T) {
	d := NewVoteManipulationDetector(DefaultVoteConfig(), zap.NewNop())
	for r := 0; r < 12; r++ {
		claim := fmt.Sprintf("c-%d", r)
		votes := []data.ValidatorVote{vote(acct(1), claim, data.JudgmentReject, time.Second)}
		for i := 2; i <= 15; i++ {
			votes = append(votes, vote(acct(i), claim, data.JudgmentAccept, time.Second))
		}
		d.Record(RoundRecord{ClaimID: claim, Outcome: data.ClaimIndeterminate, Votes: votes})
	}

	flags := d.Analyze()
	require.Len(t, flags, 1)
	assert.Equal(t, FlagDirectionBias, flags[0].Kind)
	assert.Equal(t, []data.Account{acct(1)}, flags[0].Validators)
	assert.GreaterOrEqual(t, flags[0].Z, 3.0)
}

func TestVoteManipulation_HistoryBounded(t *testing.T) {
	cfg := DefaultVoteConfig()
	cfg.MaxRounds = 5
	d := NewVoteManipulationDetector(cfg, zap.NewNop())
	for r := 0; r < 20; r++ {
		d.Record(RoundRecord{ClaimID: fmt.Sprint(r)})
	}
	assert.Len(t, d.rounds, 5)
	assert.Equal(t, "19", d.rounds[4].ClaimID)
}

func newPatternGraph(t *testing.T) *trust.Graph {
	cfg := trust.DefaultConfig()
	cfg.MinBond = 1
	cfg.PerPointBond = 0
	return trust.NewGraph(cfg, data.NewMemoryStore(), zap.NewNop())
}

func addEdge(t *testing.T, g *trust.Graph, from, to data.Account, at time.Time) {
	t.Helper()
	_, err := g.AddTrustEdge(context.Background(), trust.EdgeRequest{From: from, To: to, Weight: 80, Bond: 1, CreatedAt: at})
	require.NoError(t, err)
}

func TestEdgePatterns_MutualReinforcement(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := newPatternGraph(t)
	ring := []data.Account{acct(1), acct(2), acct(3)}
	for _, a := range ring {
		for _, b := range ring {
			if a != b {
				addEdge(t, g, a, b, now.Add(-time.Hour))
			}
		}
	}
	old := []data.Account{acct(11), acct(12), acct(13)}
	for _, a := range old {
		for _, b := range old {
			if a != b {
				addEdge(t, g, a, b, now.Add(-10*24*time.Hour))
			}
		}
	}

	report := NewEdgePatternDetector(DefaultEdgePatternConfig(), zap.NewNop()).Analyze(g.Snapshot(), now)
	assert.Equal(t, ring, report.Accounts.Sorted())
	assert.Equal(t, PatternMutualReinforcement, report.Reasons[acct(2)])
	assert.Len(t, report.Edges, 6)
}

func TestEdgePatterns_RapidAccumulation(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	g := newPatternGraph(t)
	target := acct(100)
	for i := 1; i <= 10; i++ {
		addEdge(t, g, acct(i), target, now.Add(-time.Duration(i)*time.Hour))
	}

	organic := acct(200)
	for i := 20; i < 30; i++ {
		// long-standing accounts that only now vouch for organic
		addEdge(t, g, acct(i), acct(i+100), now.Add(-60*24*time.Hour))
		addEdge(t, g, acct(i), organic, now.Add(-2*time.Hour))
	}

	report := NewEdgePatternDetector(DefaultEdgePatternConfig(), zap.NewNop()).Analyze(g.Snapshot(), now)
	assert.True(t, report.Accounts.Has(target))
	assert.Equal(t, PatternRapidAccumulation, report.Reasons[target])
	assert.False(t, report.Accounts.Has(organic))
	assert.Len(t, report.Edges, 10)
}
