package engine

import (
	"sort"

	"ledger-reconciliation-engine/internal/lifecycle"
	"ledger-reconciliation-engine/internal/matcher"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/pkg/errors"
)

// GetDiscrepancies returns recorded discrepancies, filtered by period in
// "YYYY-MM" form. An empty period returns everything.
func (e *Engine) GetDiscrepancies(period string) []*models.Discrepancy {
	return e.store.Discrepancies(period)
}

// GetDocumentState returns the lifecycle state of a document.
func (e *Engine) GetDocumentState(documentID string) (models.DocumentState, error) {
	doc, _, err := e.store.GetDocument(documentID)
	if err != nil {
		return "", err
	}
	return doc.State, nil
}

// GetDocument returns a copy of a document.
func (e *Engine) GetDocument(documentID string) (*models.LedgerDocument, error) {
	doc, _, err := e.store.GetDocument(documentID)
	return doc, err
}

// Reconcile settles one document on demand, scanning the stored bank
// movements for its settlement evidence. The same ambiguity rules as the
// batch pass apply: a single clear winner or nothing.
func (e *Engine) Reconcile(documentID string) (*models.ReconciliationRecord, error) {
	doc, _, err := e.store.GetDocument(documentID)
	if err != nil {
		return nil, err
	}
	if !doc.IsOpen() {
		return nil, errors.DocumentLocked(documentID)
	}

	movements := e.store.Snapshot(func(d *models.LedgerDocument) bool {
		return d.Kind == models.KindBankMovement
	})

	// Score each unused movement against a pool of just this document.
	single := matcher.NewEngine(e.config.Matching, []*models.LedgerDocument{doc})

	type pair struct {
		movement *models.LedgerDocument
		result   *matcher.MatchResult
	}
	var pairs []pair
	for _, movement := range movements {
		if e.store.HasSettlement(documentID, movement.ID) {
			continue
		}
		for _, r := range single.Match(movement) {
			pairs = append(pairs, pair{movement: movement, result: r})
		}
	}

	if len(pairs) == 0 {
		return nil, errors.NoMatch(documentID)
	}

	sort.Slice(pairs, func(i, j int) bool {
		a, b := pairs[i].result, pairs[j].result
		if a.ReferenceHit != b.ReferenceHit {
			return a.ReferenceHit
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return pairs[i].movement.ID < pairs[j].movement.ID
	})

	top := pairs[0]
	if !top.result.ReferenceHit && len(pairs) > 1 {
		runner := pairs[1]
		if top.result.Confidence-runner.result.Confidence < e.config.Matching.AmbiguityEpsilon {
			return nil, errors.AmbiguousMatch(documentID,
				[]string{top.movement.ID, runner.movement.ID})
		}
	}

	record, _, err := e.settle(top.movement, top.result)
	return record, err
}

// ForceEdit applies an audited override to a locked document.
func (e *Engine) ForceEdit(documentID, reason string, patch lifecycle.Patch) (*models.ReconciliationRecord, error) {
	return e.machine.ForceEdit(documentID, reason, patch)
}

// Storno reverses a posted ledger entry.
func (e *Engine) Storno(entryID string) (*models.LedgerEntry, error) {
	return e.validator.Storno(entryID)
}

// CheckCoherence runs the on-demand incoherence scan, records the findings
// and flags critically incoherent documents.
func (e *Engine) CheckCoherence() ([]*models.Discrepancy, error) {
	findings := e.detector.CheckAll()
	for _, f := range findings {
		e.store.AddDiscrepancy(f)
		if f.Severity == models.SeverityCritical {
			if err := e.machine.MarkIncoherent(f.DocumentID, true); err != nil {
				return nil, err
			}
		}
	}
	return findings, nil
}

// ReviewQueue returns the movements waiting for manual matching, oldest
// first.
func (e *Engine) ReviewQueue() []*ReviewItem {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]*ReviewItem, len(e.review))
	copy(out, e.review)
	return out
}
