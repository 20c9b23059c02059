// Package matcher implements fuzzy matching of incoming authoritative
// records (bank movements, XML invoices) against the pool of open ledger
// documents.
//
// A candidate qualifies when its amount is within tolerance of the
// document's AND the counterparty names are similar; the document date is
// deliberately not required, since a transfer may be issued before, with, or
// after the invoice date. A reference code found in the movement's causale
// preempts name similarity entirely and acts as the deterministic tie-break.
//
// The engine works in two stages:
//  1. Candidate selection using indexed lookups (reference, name token,
//     amount bucket)
//  2. Scoring and ranking: exact reference matches first, then descending
//     amount-closeness × name-similarity
package matcher

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MatchingConfig holds the tunable parameters of the matcher. Use the
// factory functions for common profiles; the defaults implement the
// engine's standard tolerances (max(€1, 1%) on amounts, 0.80 name
// similarity).
type MatchingConfig struct {
	// NameSimilarityThreshold is the minimum normalized name similarity for
	// a candidate to qualify without a reference hit (0.0 to 1.0).
	NameSimilarityThreshold float64 `json:"name_similarity_threshold"`

	// AmountTolerancePercent is the relative amount tolerance (1.0 = 1%).
	AmountTolerancePercent float64 `json:"amount_tolerance_percent"`

	// AmountToleranceFloor is the absolute floor of the amount tolerance in
	// euro.
	AmountToleranceFloor float64 `json:"amount_tolerance_floor"`

	// AmbiguityEpsilon is the composite-score distance under which two
	// candidates count as equally strong.
	AmbiguityEpsilon float64 `json:"ambiguity_epsilon"`

	// MinReferenceLength guards against trivial substring hits when scanning
	// causale text for reference codes.
	MinReferenceLength int `json:"min_reference_length"`

	// MaxCandidates limits the number of ranked candidates returned per
	// movement.
	MaxCandidates int `json:"max_candidates"`

	// Weights control the composite score. They should sum to about 1.0;
	// the equal 0.5/0.5 split makes the composite the plain product of the
	// two axis scores.
	Weights MatchingWeights `json:"weights"`
}

// MatchingWeights defines the relative importance of the two scoring axes.
// Each weight applies as an exponent on its axis score, so raising one
// sharpens the penalty for a weak score on that axis.
type MatchingWeights struct {
	AmountWeight float64 `json:"amount_weight"`
	NameWeight   float64 `json:"name_weight"`
}

// DefaultMatchingConfig returns the engine's standard matching profile.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		NameSimilarityThreshold: 0.80,
		AmountTolerancePercent:  1.0,
		AmountToleranceFloor:    1.0,
		AmbiguityEpsilon:        0.05,
		MinReferenceLength:      4,
		MaxCandidates:           10,
		Weights: MatchingWeights{
			AmountWeight: 0.5,
			NameWeight:   0.5,
		},
	}
}

// StrictMatchingConfig returns a profile with tight tolerances, useful when
// reconciling against clean data.
func StrictMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.NameSimilarityThreshold = 0.90
	config.AmountTolerancePercent = 0.0
	config.AmountToleranceFloor = 0.01
	config.MaxCandidates = 5
	return config
}

// RelaxedMatchingConfig returns a profile with loose tolerances for
// exploratory matching of messy statements.
func RelaxedMatchingConfig() *MatchingConfig {
	config := DefaultMatchingConfig()
	config.NameSimilarityThreshold = 0.65
	config.AmountTolerancePercent = 2.0
	config.AmountToleranceFloor = 2.0
	config.MaxCandidates = 20
	return config
}

// Validate checks if the matching configuration is valid
func (mc *MatchingConfig) Validate() error {
	if mc.NameSimilarityThreshold < 0.0 || mc.NameSimilarityThreshold > 1.0 {
		return fmt.Errorf("name similarity threshold must be between 0.0 and 1.0: %f", mc.NameSimilarityThreshold)
	}

	if mc.AmountTolerancePercent < 0.0 || mc.AmountTolerancePercent > 100.0 {
		return fmt.Errorf("amount tolerance percent must be between 0.0 and 100.0: %f", mc.AmountTolerancePercent)
	}

	if mc.AmountToleranceFloor < 0.0 {
		return fmt.Errorf("amount tolerance floor cannot be negative: %f", mc.AmountToleranceFloor)
	}

	if mc.AmbiguityEpsilon < 0.0 || mc.AmbiguityEpsilon > 1.0 {
		return fmt.Errorf("ambiguity epsilon must be between 0.0 and 1.0: %f", mc.AmbiguityEpsilon)
	}

	if mc.MinReferenceLength < 1 {
		return fmt.Errorf("min reference length must be positive: %d", mc.MinReferenceLength)
	}

	if mc.MaxCandidates <= 0 {
		return fmt.Errorf("max candidates must be positive: %d", mc.MaxCandidates)
	}

	if err := mc.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	return nil
}

// Validate checks if the matching weights are valid
func (mw *MatchingWeights) Validate() error {
	if mw.AmountWeight < 0.0 || mw.AmountWeight > 1.0 {
		return fmt.Errorf("amount weight must be between 0.0 and 1.0: %f", mw.AmountWeight)
	}

	if mw.NameWeight < 0.0 || mw.NameWeight > 1.0 {
		return fmt.Errorf("name weight must be between 0.0 and 1.0: %f", mw.NameWeight)
	}

	total := mw.AmountWeight + mw.NameWeight
	if total < 0.9 || total > 1.1 {
		return fmt.Errorf("weights should sum to approximately 1.0, got %f", total)
	}

	return nil
}

// Clone creates a copy of the matching configuration
func (mc *MatchingConfig) Clone() *MatchingConfig {
	if mc == nil {
		return nil
	}
	cp := *mc
	return &cp
}

// Tolerance returns the amount tolerance for a given document amount:
// max(floor, percent of the amount).
func (mc *MatchingConfig) Tolerance(amount decimal.Decimal) decimal.Decimal {
	floor := decimal.NewFromFloat(mc.AmountToleranceFloor)
	pct := amount.Abs().Mul(decimal.NewFromFloat(mc.AmountTolerancePercent / 100.0))
	if pct.LessThan(floor) {
		return floor
	}
	return pct
}

// WithinTolerance reports whether a movement amount matches a document
// amount under this configuration.
func (mc *MatchingConfig) WithinTolerance(docAmount, movementAmount decimal.Decimal) bool {
	diff := docAmount.Abs().Sub(movementAmount.Abs()).Abs()
	return diff.LessThanOrEqual(mc.Tolerance(docAmount))
}

// String returns a human-readable description of the configuration
func (mc *MatchingConfig) String() string {
	return fmt.Sprintf("MatchingConfig{NameThreshold: %.2f, AmountTolerance: max(€%.2f, %.1f%%), Epsilon: %.2f}",
		mc.NameSimilarityThreshold, mc.AmountToleranceFloor, mc.AmountTolerancePercent, mc.AmbiguityEpsilon)
}
