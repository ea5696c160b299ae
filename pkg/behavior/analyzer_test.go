package behavior

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hat_reputation/pkg/data"
	"hat_reputation/pkg/ledger"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func partner(n int) data.Account {
	var a data.Account
	a[0] = 0xBE
	a[18] = byte(n >> 8)
	a[19] = byte(n)
	return a
}

func trades(n, partners int, volume data.Amount) []ledger.Interaction {
	out := make([]ledger.Interaction, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ledger.Interaction{
			Counterparty: partner(i % partners),
			Volume:       volume,
			Success:      true,
			Outgoing:     i%2 == 0,
			Timestamp:    t0.Add(time.Duration(i) * 24 * time.Hour),
		})
	}
	return out
}

func TestEvaluate_Empty(t *testing.T) {
	res := Evaluate(DefaultConfig(), nil)
	assert.Equal(t, data.Zero, res.Score)
	assert.Equal(t, 0, res.Metrics.TotalTrades)
}

func TestEvaluate_HealthyTrader(t *testing.T) {
	res := Evaluate(DefaultConfig(), trades(50, 25, 100))
	assert.Equal(t, data.One, res.Base)
	assert.Equal(t, data.Zero, res.DiversityPenalty)
	assert.Equal(t, data.Zero, res.VolumePenalty)
	assert.False(t, res.PatternFlagged)
	assert.Equal(t, data.One, res.Score)
	assert.Len(t, res.Metrics.UniquePartners, 25)
	assert.Equal(t, data.Amount(5000), res.Metrics.TotalVolume)
}

func TestEvaluate_DiversityPenaltyMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	prev := data.Fixed(-1)
	for partners := 10; partners >= 1; partners-- {
		res := Evaluate(cfg, trades(20, partners, 100))
		assert.Greater(t, res.DiversityPenalty, prev, "partners=%d", partners)
		assert.LessOrEqual(t, res.DiversityPenalty, data.FromPercent(30))
		prev = res.DiversityPenalty
	}
}

func TestEvaluate_VolumeConcentration(t *testing.T) {
	in := trades(20, 20, 10)
	in[0].Volume = 10_000
	res := Evaluate(DefaultConfig(), in)
	assert.Greater(t, res.VolumePenalty, data.Zero)
	assert.LessOrEqual(t, res.VolumePenalty, data.FromPercent(20))
	assert.Less(t, res.Score, res.Base)
}

func TestEvaluate_DisputesLowerBase(t *testing.T) {
	clean := Evaluate(DefaultConfig(), trades(50, 25, 100))
	in := trades(50, 25, 100)
	for i := 0; i < 10; i++ {
		in[i].Disputed = true
		in[i].Success = false
	}
	disputed := Evaluate(DefaultConfig(), in)
	assert.Less(t, disputed.Base, clean.Base)
	// 0.8 success - 0.2/2 dispute
	assert.Equal(t, data.FromPercent(70), disputed.Base)
}

func TestEvaluate_RepetitionFlagged(t *testing.T) {
	in := trades(12, 12, 100)
	for i := 0; i < 20; i++ {
		in = append(in, ledger.Interaction{
			Counterparty: partner(999),
			Volume:       data.Amount(i + 1),
			Success:      true,
			Timestamp:    t0.Add(time.Duration(i) * 3 * time.Hour),
		})
	}
	res := Evaluate(DefaultConfig(), in)
	assert.True(t, res.PatternFlagged)
	assert.Equal(t, data.FromPercent(25), res.PatternPenalty)
	assert.Contains(t, res.PatternReason, "repetition")
}

func TestEvaluate_RoundTripsFlagged(t *testing.T) {
	in := trades(30, 30, 100)
	for i := 0; i < 5; i++ {
		at := t0.Add(time.Duration(i) * 48 * time.Hour).Add(time.Hour)
		cp := partner(500 + i)
		in = append(in,
			ledger.Interaction{Counterparty: cp, Volume: 777, Success: true, Outgoing: true, Timestamp: at},
			ledger.Interaction{Counterparty: cp, Volume: 777, Success: true, Outgoing: false, Timestamp: at.Add(10 * time.Minute)},
		)
	}
	res := Evaluate(DefaultConfig(), in)
	assert.Equal(t, 5, res.RoundTrips)
	assert.True(t, res.PatternFlagged)
}

func TestEvaluate_OrderIndependent(t *testing.T) {
	in := trades(40, 7, 100)
	in[3].Disputed = true
	reversed := make([]ledger.Interaction, len(in))
	for i := range in {
		reversed[len(in)-1-i] = in[i]
	}
	assert.Equal(t, Evaluate(DefaultConfig(), in), Evaluate(DefaultConfig(), reversed))
}

func TestAnalyzer_Analyze(t *testing.T) {
	l := ledger.NewMemory()
	target := partner(1)
	for _, in := range trades(10, 5, 50) {
		l.AddInteraction(target, in)
	}

	a := NewAnalyzer(DefaultConfig(), l, zap.NewNop())
	res, err := a.Analyze(context.Background(), target)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Metrics.TotalTrades)

	l.SetFailure(errors.New("history offline"))
	_, err = a.Analyze(context.Background(), target)
	assert.Error(t, err)
}
