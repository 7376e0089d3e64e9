package risk

import (
	"fmt"
	"math"

	"github.com/mpesa-analytics/riskpipe/internal/txn"
)

// Engine scores enriched transactions. It holds only immutable rules and
// is safe for concurrent use.
type Engine struct {
	rules Rules
}

// NewEngine creates a scoring engine. Rules are validated up front so that
// Score can only fail on a broken invariant.
func NewEngine(rules Rules) (*Engine, error) {
	if err := rules.Validate(); err != nil {
		return nil, fmt.Errorf("invalid risk rules: %w", err)
	}
	return &Engine{rules: rules}, nil
}

// ModelVersion returns the version of the rules in use.
func (e *Engine) ModelVersion() string {
	return e.rules.ModelVersion
}

// Score evaluates a transaction and returns the scored record.
// A non-finite or out-of-range score is reported as an invariant violation
// rather than coerced.
func (e *Engine) Score(tx *txn.Enriched) (*txn.Scored, error) {
	amount := tx.AmountFloat()

	factors := map[string]float64{
		SignalDeviation:   e.deviationFactor(tx, amount),
		SignalNovelty:     e.noveltyFactor(tx),
		SignalBurst:       e.burstFactor(tx),
		SignalStructuring: e.structuringFactor(tx, amount),
		SignalMagnitude:   e.magnitudeFactor(amount),
	}

	w := e.rules.Weights
	score := factors[SignalDeviation]*w.Deviation +
		factors[SignalNovelty]*w.Novelty +
		factors[SignalBurst]*w.Burst +
		factors[SignalStructuring]*w.Structuring +
		factors[SignalMagnitude]*w.Magnitude

	if math.IsNaN(score) || math.IsInf(score, 0) {
		return nil, fmt.Errorf("%w: score for %s is %v (factors: %v)",
			txn.ErrInvariantViolation, tx.Raw.Identity(), score, factors)
	}

	// Clamp to [0, 1]
	if score > 1.0 {
		score = 1.0
	}
	if score < 0.0 {
		score = 0.0
	}
	score = math.Round(score*1000) / 1000 // 3 decimal places

	tier, err := e.Tier(score)
	if err != nil {
		return nil, err
	}

	return &txn.Scored{
		Enriched:     *tx,
		Score:        score,
		Tier:         tier,
		Factors:      factors,
		ModelVersion: e.rules.ModelVersion,
		ContentHash:  txn.ContentHash(&tx.Validated, e.rules.ModelVersion),
	}, nil
}

// Tier maps a score onto the configured cut points.
func (e *Engine) Tier(score float64) (txn.Tier, error) {
	if math.IsNaN(score) || score < 0 || score > 1 {
		return txn.TierLow, fmt.Errorf("%w: score %v outside [0, 1]", txn.ErrInvariantViolation, score)
	}
	t := e.rules.Tiers
	switch {
	case score >= t.Critical:
		return txn.TierCritical, nil
	case score >= t.High:
		return txn.TierHigh, nil
	case score >= t.Medium:
		return txn.TierMedium, nil
	default:
		return txn.TierLow, nil
	}
}

// deviationFactor: z-score of the amount against the sender's history.
// z <= 1 scores 0, z >= 4 scores 1. Without a usable history (too few
// sends or zero variance) the magnitude heuristic stands in.
func (e *Engine) deviationFactor(tx *txn.Enriched, amount float64) float64 {
	if tx.SenderCount < e.rules.MinHistory || tx.SenderStddev <= 0 {
		return e.magnitudeFactor(amount)
	}
	z := (amount - tx.SenderMean) / tx.SenderStddev
	return clamp((z - 1.0) / 3.0)
}

// noveltyFactor: first send to this receiver = 1.0, or 0.5 when the sender
// has no history at all. Known pair = 0.
func (e *Engine) noveltyFactor(tx *txn.Enriched) float64 {
	if !tx.NewCounterparty {
		return 0.0
	}
	if tx.SenderFresh {
		return 0.5
	}
	return 1.0
}

// burstFactor: sends in the trailing window, the current one included,
// relative to the burst threshold. A send right after the previous one
// scores at least the rapid floor.
func (e *Engine) burstFactor(tx *txn.Enriched) float64 {
	n := tx.SenderWindowCount + 1
	score := clamp(float64(n-1) / float64(e.rules.BurstThreshold-1))
	if tx.RapidSuccession && score < e.rules.RapidFloor {
		score = e.rules.RapidFloor
	}
	return score
}

// structuringFactor: amounts kept just under the reporting threshold.
// One near-threshold send = 0.7, repeated near-threshold sends inside the
// window = 1.0, a large round amount = 0.5.
func (e *Engine) structuringFactor(tx *txn.Enriched, amount float64) float64 {
	var score float64
	if e.nearThreshold(amount) {
		score = 0.7
		for _, prior := range tx.SenderWindowAmounts {
			if e.nearThreshold(prior) {
				score = 1.0
				break
			}
		}
	}
	if score < 0.5 && amount >= e.rules.RoundMin && math.Mod(amount, e.rules.RoundUnit) == 0 {
		score = 0.5
	}
	return score
}

func (e *Engine) nearThreshold(amount float64) bool {
	limit := e.rules.ReportingThreshold
	return amount < limit && amount >= limit*(1-e.rules.StructuringBand)
}

// magnitudeFactor: log10 scaling around LargeAmount.
// 1x = 0.5, 10x = 1.0, 0.1x = 0.
func (e *Engine) magnitudeFactor(amount float64) float64 {
	if amount <= 0 {
		return 0.0
	}
	return clamp(math.Log10(amount/e.rules.LargeAmount)/2.0 + 0.5)
}

func clamp(v float64) float64 {
	if math.IsNaN(v) {
		return v
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
