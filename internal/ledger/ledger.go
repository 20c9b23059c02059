// Package ledger implements the double-entry validator: DARE and AVERE
// totals of every operation must balance within €0.01, entries carry the
// source document's date, operations post atomically, and corrections go
// through storno entries that reverse without deleting.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// Fixed account codes used by the engine's postings. This is a
// reconciliation ledger, not a chart-of-accounts engine.
const (
	AccountCash      = "CASSA"
	AccountBank      = "BANCA"
	AccountClients   = "CLIENTI"
	AccountSuppliers = "FORNITORI"
	AccountFines     = "SANZIONI"
)

// Operation is one atomic set of ledger entries. Either every entry commits
// or none does.
type Operation struct {
	Description string                `json:"description"`
	Entries     []*models.LedgerEntry `json:"entries"`
}

// Totals returns the DARE and AVERE sums of the operation.
func (op *Operation) Totals() (dare, avere decimal.Decimal) {
	for _, e := range op.Entries {
		switch e.Side {
		case models.SideDare:
			dare = dare.Add(e.Amount)
		case models.SideAvere:
			avere = avere.Add(e.Amount)
		}
	}
	return dare, avere
}

// Validator enforces double-entry invariants before anything reaches the
// immutable entry table.
type Validator struct {
	store *store.Store
	log   logger.Logger
}

// New creates a validator over the given store.
func New(st *store.Store, log logger.Logger) *Validator {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Validator{
		store: st,
		log:   log.WithComponent("ledger"),
	}
}

// Validate checks an operation without posting it: every entry must be
// well-formed, carry its source document's date, and the sides must balance
// within the tolerance.
func (v *Validator) Validate(op *Operation) error {
	if len(op.Entries) == 0 {
		return errors.ValidationError(errors.CodeMissingField, "entries", nil, nil).
			WithSuggestion("an operation needs at least one DARE and one AVERE entry")
	}

	for _, e := range op.Entries {
		if err := e.Validate(); err != nil {
			return errors.ValidationError(errors.CodeInvalidData, "ledger_entry", e.ID, err)
		}

		doc, _, err := v.store.GetDocument(e.SourceDocumentID)
		if err != nil {
			return err
		}

		// The document date is the accounting date. Using the ingestion
		// date would shift postings across periods on late imports.
		if !sameDay(e.DocumentDate, doc.DocumentDate) {
			return errors.New(errors.CategoryLedger, errors.CodeDateMismatch,
				"ledger entry "+e.ID+" date differs from its source document date").
				WithExpectedFound(doc.DocumentDate.Format("2006-01-02"), e.DocumentDate.Format("2006-01-02")).
				WithContext("document_id", doc.ID)
		}
	}

	dare, avere := op.Totals()
	if !models.CompareAmountsWithTolerance(dare, avere, models.BalanceTolerance) {
		return errors.ImbalancedOperation(dare.StringFixed(2), avere.StringFixed(2))
	}

	return nil
}

// Post validates and commits an operation atomically. A rejected operation
// posts nothing.
func (v *Validator) Post(op *Operation) error {
	if err := v.Validate(op); err != nil {
		return err
	}

	if err := v.store.AppendOperation(op.Entries); err != nil {
		return err
	}

	dare, _ := op.Totals()
	v.log.WithFields(logger.Fields{
		"description": op.Description,
		"entries":     len(op.Entries),
		"amount":      dare.StringFixed(2),
	}).Info("Operation posted")

	return nil
}

// Storno reverses a posted entry: a new entry with the opposite side and
// reversal_of_id set is posted, and the original is marked reversed. The
// original entry is never deleted; the net effect cancels while the audit
// trail stays complete.
func (v *Validator) Storno(entryID string) (*models.LedgerEntry, error) {
	original, err := v.store.EntryByID(entryID)
	if err != nil {
		return nil, err
	}

	if stornoID, reversed := v.store.ReversalOf(entryID); reversed {
		return nil, errors.New(errors.CategoryLedger, errors.CodeAlreadyReversed,
			"ledger entry "+entryID+" was already reversed").
			WithContext("storno_id", stornoID)
	}

	storno := &models.LedgerEntry{
		ID:               models.NewID(),
		AccountCode:      original.AccountCode,
		Side:             original.Side.Opposite(),
		Amount:           original.Amount,
		DocumentDate:     original.DocumentDate,
		SourceDocumentID: original.SourceDocumentID,
		ReversalOfID:     original.ID,
		CreatedAt:        time.Now(),
	}

	if err := storno.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "storno_entry", storno.ID, err)
	}

	if err := v.store.AppendOperation([]*models.LedgerEntry{storno}); err != nil {
		return nil, err
	}

	if err := v.store.MarkReversed(entryID, storno.ID); err != nil {
		return nil, err
	}

	v.log.WithFields(logger.Fields{
		"entry_id":  entryID,
		"storno_id": storno.ID,
		"account":   storno.AccountCode,
		"amount":    storno.Amount.StringFixed(2),
	}).Info("Entry reversed")

	return storno, nil
}

// SettlementOperation builds the balanced posting for a settled document:
// the settling ledger (CASSA or BANCA) against the counterpart account for
// the document kind.
func SettlementOperation(doc *models.LedgerDocument, side models.SettlementSide, amount decimal.Decimal) *Operation {
	settleAccount := AccountBank
	if side == models.SideCashLedger {
		settleAccount = AccountCash
	}

	counterpart := AccountSuppliers
	switch doc.Kind {
	case models.KindCorrispettivo:
		counterpart = AccountClients
	case models.KindTrafficFine:
		counterpart = AccountFines
	}

	now := time.Now()
	return &Operation{
		Description: "settlement of " + doc.ID,
		Entries: []*models.LedgerEntry{
			{
				ID:               models.NewID(),
				AccountCode:      counterpart,
				Side:             models.SideDare,
				Amount:           amount,
				DocumentDate:     doc.DocumentDate,
				SourceDocumentID: doc.ID,
				CreatedAt:        now,
			},
			{
				ID:               models.NewID(),
				AccountCode:      settleAccount,
				Side:             models.SideAvere,
				Amount:           amount,
				DocumentDate:     doc.DocumentDate,
				SourceDocumentID: doc.ID,
				CreatedAt:        now,
			},
		},
	}
}

func sameDay(a, b time.Time) bool {
	return a.Format("2006-01-02") == b.Format("2006-01-02")
}
