package matcher

import (
	"sort"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
)

// DocumentIndex holds the open-document pool with lookup structures for
// candidate selection. The index is built from a store snapshot and is
// read-only afterwards, so concurrent scoring needs no locking.
type DocumentIndex struct {
	All []*models.LedgerDocument

	byID        map[string]*models.LedgerDocument
	byReference map[string][]*models.LedgerDocument

	// byAmount is sorted by absolute amount for tolerance-window scans.
	byAmount []*models.LedgerDocument
}

// NewDocumentIndex builds an index over the given pool of open documents.
func NewDocumentIndex(pool []*models.LedgerDocument) *DocumentIndex {
	idx := &DocumentIndex{
		All:         pool,
		byID:        make(map[string]*models.LedgerDocument, len(pool)),
		byReference: make(map[string][]*models.LedgerDocument),
		byAmount:    make([]*models.LedgerDocument, 0, len(pool)),
	}

	for _, doc := range pool {
		idx.byID[doc.ID] = doc

		if ref := NormalizeReference(doc.Reference); ref != "" {
			idx.byReference[ref] = append(idx.byReference[ref], doc)
		}

		idx.byAmount = append(idx.byAmount, doc)
	}

	sort.Slice(idx.byAmount, func(i, j int) bool {
		a := idx.byAmount[i].Amount.Abs()
		b := idx.byAmount[j].Amount.Abs()
		if a.Equal(b) {
			return idx.byAmount[i].ID < idx.byAmount[j].ID
		}
		return a.LessThan(b)
	})

	return idx
}

// ByID returns the indexed document with the given id.
func (idx *DocumentIndex) ByID(id string) (*models.LedgerDocument, bool) {
	doc, ok := idx.byID[id]
	return doc, ok
}

// ByReference returns documents whose reference code matches the normalized
// reference.
func (idx *DocumentIndex) ByReference(reference string) []*models.LedgerDocument {
	return idx.byReference[NormalizeReference(reference)]
}

// AmountWindow returns documents whose absolute amount lies within
// [amount-margin, amount+margin]. The margin must cover the largest possible
// tolerance for the window, so callers pass the config tolerance of the
// movement amount plus its percent share.
func (idx *DocumentIndex) AmountWindow(amount, margin decimal.Decimal) []*models.LedgerDocument {
	lo := amount.Abs().Sub(margin)
	hi := amount.Abs().Add(margin)

	first := sort.Search(len(idx.byAmount), func(i int) bool {
		return !idx.byAmount[i].Amount.Abs().LessThan(lo)
	})

	var out []*models.LedgerDocument
	for i := first; i < len(idx.byAmount); i++ {
		if idx.byAmount[i].Amount.Abs().GreaterThan(hi) {
			break
		}
		out = append(out, idx.byAmount[i])
	}
	return out
}

// Candidates returns the documents worth scoring against a movement: the
// union of reference hits from the causale and the amount tolerance window.
func (idx *DocumentIndex) Candidates(movement *models.LedgerDocument, config *MatchingConfig) []*models.LedgerDocument {
	seen := make(map[string]bool)
	var out []*models.LedgerDocument

	add := func(docs []*models.LedgerDocument) {
		for _, d := range docs {
			if d.ID == movement.ID || seen[d.ID] {
				continue
			}
			seen[d.ID] = true
			out = append(out, d)
		}
	}

	// Reference hits first. The causale may embed any open reference, so
	// scan the reference index against the causale text.
	if movement.Movement != nil && movement.Movement.Causale != "" {
		causale := NormalizeReference(movement.Movement.Causale)
		for ref, docs := range idx.byReference {
			if len(ref) >= config.MinReferenceLength && len(causale) >= len(ref) &&
				containsRef(causale, ref) {
				add(docs)
			}
		}
	}

	// Amount window: widen the margin so documents whose own (larger)
	// amount still tolerates the movement are included.
	margin := config.Tolerance(movement.Amount).Add(
		movement.Amount.Abs().Mul(decimal.NewFromFloat(config.AmountTolerancePercent / 100.0)))
	add(idx.AmountWindow(movement.Amount, margin))

	return out
}

func containsRef(causale, ref string) bool {
	for i := 0; i+len(ref) <= len(causale); i++ {
		if causale[i:i+len(ref)] == ref {
			return true
		}
	}
	return false
}

// IndexStats summarizes the index content.
type IndexStats struct {
	Documents  int `json:"documents"`
	References int `json:"references"`
}

// GetIndexStats returns statistics about the index.
func (idx *DocumentIndex) GetIndexStats() IndexStats {
	return IndexStats{
		Documents:  len(idx.All),
		References: len(idx.byReference),
	}
}
