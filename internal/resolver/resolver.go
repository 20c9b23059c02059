// Package resolver implements source-priority merging: deciding, for any
// mutable field, which of two competing sources wins.
//
// Provenance ranking (high to low): bank_statement > xml > ai_extracted >
// email > manual. A higher-provenance incoming document overwrites every
// field of the existing one except a manually set payment method, which is
// sticky across merges. Merging an authoritative provenance clears the
// provisional flag.
package resolver

import (
	"fmt"
	"time"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// Resolver merges incoming documents into the store and owns the
// counterparty default payment-method registry.
type Resolver struct {
	store *store.Store
	log   logger.Logger
}

// New creates a resolver over the given store.
func New(st *store.Store, log logger.Logger) *Resolver {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Resolver{
		store: st,
		log:   log.WithComponent("resolver"),
	}
}

// MergeOutcome describes what a merge did.
type MergeOutcome struct {
	Document *models.LedgerDocument `json:"document"`
	Created  bool                   `json:"created"`
	Merged   bool                   `json:"merged"`

	// StickyFieldKept is set when a manually chosen payment method survived
	// a higher-provenance merge.
	StickyFieldKept bool `json:"sticky_field_kept,omitempty"`
}

// Apply routes an incoming document: if no stored document shares its merge
// key it is inserted as new, otherwise the two are merged field by field
// under source priority. Merging runs under the per-document lock.
func (r *Resolver) Apply(incoming *models.LedgerDocument) (*MergeOutcome, error) {
	if err := incoming.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "document", incoming.ID, err)
	}

	existing, found := r.store.FindByMergeKey(incoming.MergeKey())
	if !found {
		return r.insertNew(incoming)
	}

	var outcome *MergeOutcome
	err := r.store.WithDocument(existing.ID, func() error {
		var mergeErr error
		outcome, mergeErr = r.merge(existing.ID, incoming)
		return mergeErr
	})
	return outcome, err
}

// insertNew stores a first-seen document, consulting the method book for the
// counterparty's default payment method and registering new counterparties.
func (r *Resolver) insertNew(incoming *models.LedgerDocument) (*MergeOutcome, error) {
	doc := incoming.Clone()

	if doc.PaymentMethod == models.PaymentUnknown && !doc.PaymentMethodManuallySet {
		if def := r.store.MethodBook().DefaultMethod(doc.Counterparty); def != models.PaymentUnknown {
			doc.PaymentMethod = def
		}
	}

	if doc.PaymentMethod != models.PaymentUnknown {
		if _, known := r.store.MethodBook().Entry(doc.Counterparty); !known {
			writer, err := r.store.MethodBook().Writer(store.SourceCounterpartyCreation)
			if err != nil {
				return nil, err
			}
			if err := writer.SetDefault(doc.Counterparty, doc.PaymentMethod); err != nil {
				return nil, err
			}
		}
	}

	if err := r.store.PutDocument(doc); err != nil {
		return nil, err
	}

	r.log.WithFields(logger.Fields{
		"document_id": doc.ID,
		"kind":        doc.Kind.String(),
		"provenance":  doc.Provenance.String(),
	}).Info("Document created")

	return &MergeOutcome{Document: doc, Created: true}, nil
}

// merge computes the merged document and writes it back with an optimistic
// version check. Must run under the per-document lock.
func (r *Resolver) merge(existingID string, incoming *models.LedgerDocument) (*MergeOutcome, error) {
	existing, version, err := r.store.GetDocument(existingID)
	if err != nil {
		return nil, err
	}

	if existing.Locked {
		return nil, errors.DocumentLocked(existing.ID).
			WithContext("incoming_provenance", incoming.Provenance.String())
	}

	// Amount conflict beyond tolerance refuses the merge and records a
	// discrepancy instead of silently picking a side.
	if !models.WithinMatchTolerance(existing.Amount, incoming.Amount) {
		r.store.AddDiscrepancy(&models.Discrepancy{
			Category:      "merge_conflict",
			Subcategory:   "amount_mismatch",
			Severity:      models.SeverityWarning,
			DocumentID:    existing.ID,
			ExpectedValue: existing.Amount.StringFixed(2),
			FoundValue:    incoming.Amount.StringFixed(2),
			Period:        models.PeriodOf(existing.DocumentDate),
			SuggestedAction: fmt.Sprintf("verify whether %s or the %s import carries the correct amount",
				existing.ID, incoming.Provenance),
			DetectedAt: time.Now(),
		})
		return nil, errors.ToleranceExceeded(existing.ID,
			existing.Amount.StringFixed(2), incoming.Amount.StringFixed(2))
	}

	merged := existing.Clone()
	sticky := false

	if incoming.Provenance.Rank() > existing.Provenance.Rank() {
		sticky = r.overwriteFields(merged, incoming)
		merged.Provenance = incoming.Provenance
	} else {
		r.fillMissingFields(merged, incoming)
		if incoming.PaymentMethod != models.PaymentUnknown &&
			incoming.PaymentMethod != merged.PaymentMethod &&
			merged.PaymentMethodManuallySet {
			sticky = true
		}
	}

	if sticky {
		// Not an error: lower-trust data never displaces an explicit user
		// choice, but the attempt is logged for the audit trail.
		staleErr := errors.StaleSourceOverride(merged.ID, "payment_method", incoming.PaymentMethod.String())
		r.log.WithError(staleErr).WithFields(logger.Fields{
			"document_id":         merged.ID,
			"incoming_provenance": incoming.Provenance.String(),
		}).Warn("Sticky manual payment method kept")
	}

	if incoming.Provenance.IsAuthoritative() {
		merged.Provisional = false
	}

	if err := r.store.UpdateDocument(merged, version); err != nil {
		return nil, err
	}

	r.log.WithFields(logger.Fields{
		"document_id":         merged.ID,
		"incoming_provenance": incoming.Provenance.String(),
		"provisional":         merged.Provisional,
	}).Info("Document merged")

	return &MergeOutcome{Document: merged, Merged: true, StickyFieldKept: sticky}, nil
}

// overwriteFields applies the higher-provenance document's fields, honoring
// the sticky manual payment method. Reports whether stickiness suppressed a
// payment-method change.
func (r *Resolver) overwriteFields(merged, incoming *models.LedgerDocument) bool {
	merged.Amount = incoming.Amount
	if incoming.Counterparty != "" {
		merged.Counterparty = incoming.Counterparty
	}
	if incoming.TaxID != "" {
		merged.TaxID = incoming.TaxID
	}
	if !incoming.DocumentDate.IsZero() {
		merged.DocumentDate = incoming.DocumentDate
	}
	if incoming.Reference != "" {
		merged.Reference = incoming.Reference
	}

	if incoming.Invoice != nil {
		inv := *incoming.Invoice
		merged.Invoice = &inv
	}
	if incoming.Corrispettivo != nil {
		cor := *incoming.Corrispettivo
		merged.Corrispettivo = &cor
	}
	if incoming.Movement != nil {
		mov := *incoming.Movement
		merged.Movement = &mov
	}
	if incoming.Fine != nil {
		r.mergeFineFields(merged, incoming.Fine)
	}

	if incoming.PaymentMethod != models.PaymentUnknown {
		if merged.PaymentMethodManuallySet {
			return incoming.PaymentMethod != merged.PaymentMethod
		}
		merged.PaymentMethod = incoming.PaymentMethod
	}
	return false
}

// fillMissingFields takes only fields the stored document lacks from a
// lower-or-equal provenance source.
func (r *Resolver) fillMissingFields(merged, incoming *models.LedgerDocument) {
	if merged.TaxID == "" {
		merged.TaxID = incoming.TaxID
	}
	if merged.Reference == "" {
		merged.Reference = incoming.Reference
	}
	if merged.PaymentMethod == models.PaymentUnknown && !merged.PaymentMethodManuallySet {
		merged.PaymentMethod = incoming.PaymentMethod
	}
	if merged.Fine != nil && incoming.Fine != nil {
		r.mergeFineFields(merged, incoming.Fine)
	}
}

// mergeFineFields merges fine payload fields without losing links already
// resolved (vehicle, driver, notice invoice).
func (r *Resolver) mergeFineFields(merged *models.LedgerDocument, incoming *models.FineFields) {
	if merged.Fine == nil {
		fine := *incoming
		merged.Fine = &fine
		return
	}

	if incoming.Plate != "" {
		merged.Fine.Plate = incoming.Plate
	}
	if incoming.NoticeInvoiceID != "" {
		merged.Fine.NoticeInvoiceID = incoming.NoticeInvoiceID
	}
	if incoming.VehicleID != "" {
		merged.Fine.VehicleID = incoming.VehicleID
	}
	if incoming.DriverID != "" {
		merged.Fine.DriverID = incoming.DriverID
	}
}
