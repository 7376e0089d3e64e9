package risk

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mpesa-analytics/riskpipe/internal/enrich"
	"github.com/mpesa-analytics/riskpipe/internal/profile"
	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(DefaultRules())
	require.NoError(t, err)
	return e
}

func enriched(amount float64) *txn.Enriched {
	d := decimal.NewFromFloat(amount)
	return &txn.Enriched{
		Validated: txn.Validated{
			Raw: txn.Raw{
				Source:    "mpesa",
				SourceID:  "T1",
				Timestamp: t0,
				Sender:    "A",
				Receiver:  "B",
				Amount:    d.String(),
				Type:      txn.TypeP2PTransfer,
			},
			Verdict: txn.VerdictAccepted,
			Amount:  d,
		},
	}
}

func TestScore_ThreeTransactionExample(t *testing.T) {
	engine := newEngine(t)
	enricher := enrich.New(enrich.DefaultOptions())
	ws := profile.NewWorkingSet(nil)

	batch := []struct {
		receiver string
		amount   string
		at       time.Time
	}{
		{"B", "500", t0},
		{"B", "520", t0.Add(time.Second)},
		{"C", "50000", t0.Add(2 * time.Second)},
	}

	var scored []*txn.Scored
	for i, b := range batch {
		v := &txn.Validated{
			Raw: txn.Raw{
				Source: "mpesa", SourceID: string(rune('1' + i)), Timestamp: b.at,
				Sender: "A", Receiver: b.receiver, Amount: b.amount, Type: txn.TypeP2PTransfer,
			},
			Verdict: txn.VerdictAccepted,
			Amount:  decimal.RequireFromString(b.amount),
		}
		e := enricher.Enrich(context.Background(), v, ws)
		s, err := engine.Score(e)
		require.NoError(t, err)
		scored = append(scored, s)
		ws.Fold(v.Raw.Sender, v.Raw.Receiver, v.Raw.Timestamp, v.AmountFloat())
	}

	assert.Equal(t, txn.TierLow, scored[0].Tier, "factors: %v", scored[0].Factors)
	assert.Equal(t, txn.TierLow, scored[1].Tier, "factors: %v", scored[1].Factors)
	assert.True(t, scored[2].Tier > scored[0].Tier)
	assert.True(t, scored[2].Tier > scored[1].Tier)
	assert.Equal(t, txn.TierHigh, scored[2].Tier, "factors: %v", scored[2].Factors)
	assert.Equal(t, 1.0, scored[2].Factors[SignalDeviation])
	assert.Equal(t, 1.0, scored[2].Factors[SignalNovelty])
}

func TestScore_Deterministic(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(7300)
	tx.SenderCount = 12
	tx.SenderMean = 1200
	tx.SenderStddev = 800
	tx.SenderWindowCount = 3
	tx.NewCounterparty = true

	first, err := engine.Score(tx)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		again, err := engine.Score(tx)
		require.NoError(t, err)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.ContentHash, again.ContentHash)
	}
}

func TestScore_InRangeAndTierMonotonic(t *testing.T) {
	engine := newEngine(t)
	amounts := []float64{1, 10, 99, 500, 4999, 9000, 10000, 25000, 91000, 99999, 100000, 250000, 1e7}
	histories := []struct {
		count        int64
		mean, stddev float64
		window       int
		fresh, novel bool
	}{
		{0, 0, 0, 0, true, true},
		{1, 500, 0, 1, false, false},
		{5, 500, 0, 4, false, true},
		{40, 1500, 900, 12, false, true},
		{40, 1500, 900, 0, false, false},
	}

	for _, h := range histories {
		for _, a := range amounts {
			tx := enriched(a)
			tx.SenderCount = h.count
			tx.SenderMean = h.mean
			tx.SenderStddev = h.stddev
			tx.SenderWindowCount = h.window
			tx.SenderFresh = h.fresh
			tx.NewCounterparty = h.novel
			tx.RapidSuccession = h.window > 0

			s, err := engine.Score(tx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, s.Score, 0.0)
			assert.LessOrEqual(t, s.Score, 1.0)
			assert.Equal(t, s.Score, math.Round(s.Score*1000)/1000)
		}
	}

	prev := txn.TierLow
	for score := 0.0; score <= 1.0; score += 0.001 {
		tier, err := engine.Tier(math.Round(score*1000) / 1000)
		require.NoError(t, err)
		assert.True(t, tier.AtLeast(prev), "tier dropped at %v", score)
		prev = tier
	}
}

func TestTier_Boundaries(t *testing.T) {
	engine := newEngine(t)
	tests := []struct {
		score float64
		want  txn.Tier
	}{
		{0, txn.TierLow},
		{0.299, txn.TierLow},
		{0.3, txn.TierMedium},
		{0.599, txn.TierMedium},
		{0.6, txn.TierHigh},
		{0.849, txn.TierHigh},
		{0.85, txn.TierCritical},
		{1, txn.TierCritical},
	}
	for _, tc := range tests {
		got, err := engine.Tier(tc.score)
		require.NoError(t, err)
		if got != tc.want {
			t.Errorf("Tier(%v) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestTier_RejectsOutOfRange(t *testing.T) {
	engine := newEngine(t)
	for _, s := range []float64{-0.1, 1.01, math.NaN()} {
		_, err := engine.Tier(s)
		assert.True(t, errors.Is(err, txn.ErrInvariantViolation), "score %v", s)
	}
}

func TestScore_NaNIsInvariantViolation(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(500)
	tx.SenderCount = 10
	tx.SenderStddev = 100
	tx.SenderMean = math.NaN()

	_, err := engine.Score(tx)
	assert.ErrorIs(t, err, txn.ErrInvariantViolation)
}

func TestDeviationFactor_ZeroVarianceFallsBack(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(100000)
	tx.SenderCount = 4
	tx.SenderMean = 500
	tx.SenderStddev = 0

	assert.Equal(t, engine.magnitudeFactor(100000), engine.deviationFactor(tx, 100000))
	assert.InDelta(t, 1.0, engine.deviationFactor(tx, 100000), 1e-9)
}

func TestDeviationFactor_ZScoreMapping(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(0)
	tx.SenderCount = 10
	tx.SenderMean = 1000
	tx.SenderStddev = 100

	assert.Equal(t, 0.0, engine.deviationFactor(tx, 1100))         // z = 1
	assert.InDelta(t, 0.5, engine.deviationFactor(tx, 1250), 1e-9) // z = 2.5
	assert.Equal(t, 1.0, engine.deviationFactor(tx, 1400))         // z = 4
	assert.Equal(t, 0.0, engine.deviationFactor(tx, 200))          // below mean
}

func TestNoveltyFactor(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(100)

	tx.NewCounterparty = false
	assert.Equal(t, 0.0, engine.noveltyFactor(tx))
	tx.NewCounterparty = true
	tx.SenderFresh = true
	assert.Equal(t, 0.5, engine.noveltyFactor(tx))
	tx.SenderFresh = false
	assert.Equal(t, 1.0, engine.noveltyFactor(tx))
}

func TestBurstFactor(t *testing.T) {
	engine := newEngine(t)
	tx := enriched(100)

	assert.Equal(t, 0.0, engine.burstFactor(tx))
	tx.SenderWindowCount = 2
	assert.Equal(t, 0.5, engine.burstFactor(tx))
	tx.SenderWindowCount = 10
	assert.Equal(t, 1.0, engine.burstFactor(tx))

	tx.SenderWindowCount = 0
	tx.RapidSuccession = true
	assert.Equal(t, 0.3, engine.burstFactor(tx))
}

func TestStructuringFactor(t *testing.T) {
	engine := newEngine(t)

	tests := []struct {
		name   string
		amount float64
		prior  []float64
		want   float64
	}{
		{"ordinary", 1234, nil, 0},
		{"just under threshold", 98500, nil, 0.7},
		{"repeated under threshold", 97000, []float64{200, 95500}, 1.0},
		{"at threshold", 100000, nil, 0.5},
		{"round large", 20000, nil, 0.5},
		{"round small", 5000, nil, 0},
		{"below band", 80000, []float64{95000}, 0.5},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tx := enriched(tc.amount)
			tx.SenderWindowAmounts = tc.prior
			assert.Equal(t, tc.want, engine.structuringFactor(tx, tc.amount))
		})
	}
}

func TestMagnitudeFactor(t *testing.T) {
	engine := newEngine(t)
	assert.InDelta(t, 0.0, engine.magnitudeFactor(1000), 1e-9)
	assert.InDelta(t, 0.5, engine.magnitudeFactor(10000), 1e-9)
	assert.InDelta(t, 1.0, engine.magnitudeFactor(100000), 1e-9)
	assert.Equal(t, 1.0, engine.magnitudeFactor(1e9))
	assert.Equal(t, 0.0, engine.magnitudeFactor(0))
}

func TestScore_ModelVersionInHash(t *testing.T) {
	rules := DefaultRules()
	rules.ModelVersion = "rules-v2"
	v2, err := NewEngine(rules)
	require.NoError(t, err)

	a, err := newEngine(t).Score(enriched(500))
	require.NoError(t, err)
	b, err := v2.Score(enriched(500))
	require.NoError(t, err)

	assert.Equal(t, a.Score, b.Score)
	assert.NotEqual(t, a.ContentHash, b.ContentHash)
	assert.Equal(t, "rules-v2", b.ModelVersion)
}

func TestRules_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Rules)
	}{
		{"no version", func(r *Rules) { r.ModelVersion = "" }},
		{"negative weight", func(r *Rules) { r.Weights.Burst = -1 }},
		{"zero weights", func(r *Rules) { r.Weights = Weights{} }},
		{"unordered tiers", func(r *Rules) { r.Tiers.High = 0.2 }},
		{"critical above one", func(r *Rules) { r.Tiers.Critical = 1.5 }},
		{"burst threshold", func(r *Rules) { r.BurstThreshold = 1 }},
		{"band", func(r *Rules) { r.StructuringBand = 1 }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r := DefaultRules()
			tc.mutate(&r)
			assert.Error(t, r.Validate())
			_, err := NewEngine(r)
			assert.Error(t, err)
		})
	}
	assert.NoError(t, DefaultRules().Validate())
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
model_version: rules-2024-03
weights:
  deviation: 0.4
  novelty: 0.1
tiers:
  medium: 0.25
  high: 0.5
  critical: 0.8
reporting_threshold: 150000
`), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, "rules-2024-03", rules.ModelVersion)
	assert.Equal(t, 0.4, rules.Weights.Deviation)
	assert.Equal(t, 0.1, rules.Weights.Novelty)
	assert.Equal(t, 0.15, rules.Weights.Burst)
	assert.Equal(t, 0.8, rules.Tiers.Critical)
	assert.Equal(t, 150000.0, rules.ReportingThreshold)
	assert.Equal(t, 5, rules.BurstThreshold)
}

func TestLoadRules_Errors(t *testing.T) {
	_, err := LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  medium: 0.9\n"), 0o600))
	_, err = LoadRules(path)
	assert.ErrorContains(t, err, "tier bounds")

	rules, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules(), rules)
}
