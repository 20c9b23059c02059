package matcher

import (
	"math"
	"sort"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/pkg/errors"
)

// Engine is the matching engine. It is built over a snapshot of the open
// document pool and is safe for concurrent Match calls.
type Engine struct {
	Config *MatchingConfig
	Index  *DocumentIndex
}

// MatchResult is one ranked candidate for a movement.
type MatchResult struct {
	Document     *models.LedgerDocument  `json:"document"`
	Confidence   float64                 `json:"confidence"`
	MatchedOn    []models.MatchCriterion `json:"matched_on"`
	AmountScore  float64                 `json:"amount_score"`
	NameScore    float64                 `json:"name_score"`
	ReferenceHit bool                    `json:"reference_hit"`
	AmountDelta  decimal.Decimal         `json:"amount_delta"`
}

// NewEngine creates a matching engine over a pool of open documents.
func NewEngine(config *MatchingConfig, pool []*models.LedgerDocument) *Engine {
	if config == nil {
		config = DefaultMatchingConfig()
	}

	return &Engine{
		Config: config,
		Index:  NewDocumentIndex(pool),
	}
}

// Match returns the ranked candidates for a movement: exact reference
// matches first, then descending composite score. An empty slice means the
// movement goes to the review queue.
func (e *Engine) Match(movement *models.LedgerDocument) []*MatchResult {
	candidates := e.Index.Candidates(movement, e.Config)

	var results []*MatchResult
	for _, doc := range candidates {
		if result := e.score(movement, doc); result != nil {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.ReferenceHit != b.ReferenceHit {
			return a.ReferenceHit
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		// Lowest id last resort, for reproducible ordering.
		return a.Document.ID < b.Document.ID
	})

	if len(results) > e.Config.MaxCandidates {
		results = results[:e.Config.MaxCandidates]
	}
	return results
}

// Best applies the deterministic selection rules to ranked results: a
// reference hit wins outright; otherwise the top candidate must beat the
// runner-up by more than the ambiguity epsilon. Equally strong candidates
// produce an AmbiguousMatch error, no candidates a NoMatch error.
func (e *Engine) Best(movement *models.LedgerDocument, results []*MatchResult) (*MatchResult, error) {
	if len(results) == 0 {
		return nil, errors.NoMatch(movement.ID)
	}

	top := results[0]
	if top.ReferenceHit {
		return top, nil
	}

	if len(results) > 1 {
		runnerUp := results[1]
		if !runnerUp.ReferenceHit && top.Confidence-runnerUp.Confidence < e.Config.AmbiguityEpsilon {
			ids := []string{}
			for _, r := range results {
				if top.Confidence-r.Confidence < e.Config.AmbiguityEpsilon {
					ids = append(ids, r.Document.ID)
				}
			}
			return nil, errors.AmbiguousMatch(movement.ID, ids)
		}
	}

	return top, nil
}

// score evaluates one candidate document against a movement. It returns nil
// when the candidate does not qualify: the amount must be within tolerance,
// and either the names must be similar or the causale must carry the
// document's reference code.
func (e *Engine) score(movement, doc *models.LedgerDocument) *MatchResult {
	if !e.Config.WithinTolerance(doc.Amount, movement.Amount) {
		return nil
	}

	nameScore := NameSimilarity(movement.Counterparty, doc.Counterparty)

	referenceHit := false
	if movement.Movement != nil {
		referenceHit = CausaleContainsReference(movement.Movement.Causale, doc.Reference, e.Config.MinReferenceLength)
	}

	if !referenceHit && nameScore < e.Config.NameSimilarityThreshold {
		return nil
	}

	amountScore := e.amountScore(doc.Amount, movement.Amount)

	result := &MatchResult{
		Document:     doc,
		AmountScore:  amountScore,
		NameScore:    nameScore,
		ReferenceHit: referenceHit,
		AmountDelta:  doc.Amount.Abs().Sub(movement.Amount.Abs()).Abs(),
		Confidence:   e.composite(amountScore, nameScore),
	}

	result.MatchedOn = append(result.MatchedOn, models.MatchedOnAmount)
	if nameScore >= e.Config.NameSimilarityThreshold {
		result.MatchedOn = append(result.MatchedOn, models.MatchedOnBeneficiary)
	}
	if referenceHit {
		result.MatchedOn = append(result.MatchedOn, models.MatchedOnReference)
	}
	if sameDay(movement, doc) {
		result.MatchedOn = append(result.MatchedOn, models.MatchedOnDate)
	}

	return result
}

// composite combines the two axes as the product amount-closeness ×
// name-similarity. The configured weights apply as exponents, scaled so that
// the neutral 0.5/0.5 split yields the plain product.
func (e *Engine) composite(amountScore, nameScore float64) float64 {
	return math.Pow(amountScore, 2*e.Config.Weights.AmountWeight) *
		math.Pow(nameScore, 2*e.Config.Weights.NameWeight)
}

// amountScore maps the amount delta to [0, 1] with linear decay across the
// tolerance band: exact match scores 1, the tolerance edge scores 0.
func (e *Engine) amountScore(docAmount, movementAmount decimal.Decimal) float64 {
	diff := docAmount.Abs().Sub(movementAmount.Abs()).Abs()
	if diff.IsZero() {
		return 1.0
	}

	tolerance := e.Config.Tolerance(docAmount)
	if tolerance.IsZero() {
		return 0.0
	}

	ratio, _ := diff.Div(tolerance).Float64()
	if ratio > 1.0 {
		return 0.0
	}
	return 1.0 - ratio
}

func sameDay(a, b *models.LedgerDocument) bool {
	return a.DocumentDate.Format("2006-01-02") == b.DocumentDate.Format("2006-01-02")
}
