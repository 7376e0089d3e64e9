// Package risk implements deterministic fraud-risk scoring for enriched
// mobile-money transactions.
//
// Every transaction is evaluated against 5 weighted signals: deviation from
// the sender's rolling mean, counterparty novelty, frequency burst,
// structuring heuristics, and raw magnitude. Scores range from 0.0 (safe)
// to 1.0 (high risk) and map to an ordered tier through fixed cut points.
// The scorer reads no clock and no randomness: the same enriched record
// always yields the same score.
package risk

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Signal names, also used as keys of the factor map.
const (
	SignalDeviation   = "deviation"
	SignalNovelty     = "novelty"
	SignalBurst       = "burst"
	SignalStructuring = "structuring"
	SignalMagnitude   = "magnitude"
)

// DefaultModelVersion identifies the built-in rule set.
const DefaultModelVersion = "rules-v1"

// Weights of each signal in the final score.
type Weights struct {
	Deviation   float64 `yaml:"deviation"`
	Novelty     float64 `yaml:"novelty"`
	Burst       float64 `yaml:"burst"`
	Structuring float64 `yaml:"structuring"`
	Magnitude   float64 `yaml:"magnitude"`
}

// TierBounds are the lowest scores of each tier above low.
type TierBounds struct {
	Medium   float64 `yaml:"medium"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// Rules is the full scoring configuration. A change to any value should
// come with a new ModelVersion so that stored records are re-scored.
type Rules struct {
	ModelVersion string     `yaml:"model_version"`
	Weights      Weights    `yaml:"weights"`
	Tiers        TierBounds `yaml:"tiers"`

	// LargeAmount maps to a magnitude of 0.5; ten times it maps to 1.0.
	LargeAmount float64 `yaml:"large_amount"`
	// MinHistory is the number of prior sends needed before the z-score
	// is trusted.
	MinHistory int64 `yaml:"min_history"`
	// BurstThreshold is the number of sends inside the trailing window,
	// the current one included, that scores a full burst.
	BurstThreshold int `yaml:"burst_threshold"`
	// RapidFloor is the smallest burst signal for a send that follows the
	// previous one within the rapid-succession gap.
	RapidFloor float64 `yaml:"rapid_floor"`

	// ReportingThreshold is the amount that triggers regulatory reporting;
	// StructuringBand is the fraction below it considered suspicious.
	ReportingThreshold float64 `yaml:"reporting_threshold"`
	StructuringBand    float64 `yaml:"structuring_band"`
	// Round amounts are multiples of RoundUnit at or above RoundMin.
	RoundUnit float64 `yaml:"round_unit"`
	RoundMin  float64 `yaml:"round_min"`
}

// DefaultRules returns the built-in rule set.
func DefaultRules() Rules {
	return Rules{
		ModelVersion: DefaultModelVersion,
		Weights: Weights{
			Deviation:   0.35,
			Novelty:     0.20,
			Burst:       0.15,
			Structuring: 0.15,
			Magnitude:   0.15,
		},
		Tiers: TierBounds{
			Medium:   0.3,
			High:     0.6,
			Critical: 0.85,
		},
		LargeAmount:        10000,
		MinHistory:         2,
		BurstThreshold:     5,
		RapidFloor:         0.3,
		ReportingThreshold: 100000,
		StructuringBand:    0.1,
		RoundUnit:          1000,
		RoundMin:           10000,
	}
}

// Validate checks that the rules can produce in-range scores.
func (r Rules) Validate() error {
	if r.ModelVersion == "" {
		return fmt.Errorf("model_version is required")
	}
	w := r.Weights
	for name, v := range map[string]float64{
		SignalDeviation:   w.Deviation,
		SignalNovelty:     w.Novelty,
		SignalBurst:       w.Burst,
		SignalStructuring: w.Structuring,
		SignalMagnitude:   w.Magnitude,
	} {
		if v < 0 {
			return fmt.Errorf("weight %s must not be negative", name)
		}
	}
	if w.Deviation+w.Novelty+w.Burst+w.Structuring+w.Magnitude <= 0 {
		return fmt.Errorf("weights must not all be zero")
	}
	t := r.Tiers
	if !(0 < t.Medium && t.Medium < t.High && t.High < t.Critical && t.Critical <= 1) {
		return fmt.Errorf("tier bounds must satisfy 0 < medium < high < critical <= 1")
	}
	if r.LargeAmount <= 0 || r.ReportingThreshold <= 0 || r.RoundUnit <= 0 {
		return fmt.Errorf("large_amount, reporting_threshold and round_unit must be positive")
	}
	if r.BurstThreshold < 2 {
		return fmt.Errorf("burst_threshold must be at least 2")
	}
	if r.StructuringBand <= 0 || r.StructuringBand >= 1 {
		return fmt.Errorf("structuring_band must be in (0, 1)")
	}
	if r.RapidFloor < 0 || r.RapidFloor > 1 {
		return fmt.Errorf("rapid_floor must be in [0, 1]")
	}
	return nil
}

// LoadRules reads a YAML rules file. Keys missing from the file keep
// their default values.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return Rules{}, fmt.Errorf("failed to parse rules file: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, fmt.Errorf("invalid rules file %s: %w", path, err)
	}
	return rules, nil
}
