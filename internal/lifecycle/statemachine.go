// Package lifecycle implements the per-document reconciliation state
// machine: provisional → confirmed → reconciled, with reconciled documents
// locked and further changes only possible through an audited forced
// override. The incoherent flag is orthogonal and never displaces the
// primary state.
package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// Machine drives document state transitions. Every transition that creates
// or mutates settlement state runs under the store's per-document lock with
// an optimistic version check, so concurrent imports cannot double-settle a
// document.
type Machine struct {
	store *store.Store
	log   logger.Logger
}

// New creates a state machine over the given store.
func New(st *store.Store, log logger.Logger) *Machine {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Machine{
		store: st,
		log:   log.WithComponent("lifecycle"),
	}
}

// Patch is a partial update applied by Edit or ForceEdit. Nil fields are
// left untouched.
type Patch struct {
	Amount        *decimal.Decimal      `json:"amount,omitempty"`
	PaymentMethod *models.PaymentMethod `json:"payment_method,omitempty"`
	Counterparty  *string               `json:"counterparty,omitempty"`
	Reference     *string               `json:"reference,omitempty"`
}

func (p *Patch) describe() string {
	var parts []string
	if p.Amount != nil {
		parts = append(parts, "amount="+p.Amount.StringFixed(2))
	}
	if p.PaymentMethod != nil {
		parts = append(parts, "payment_method="+p.PaymentMethod.String())
	}
	if p.Counterparty != nil {
		parts = append(parts, "counterparty="+*p.Counterparty)
	}
	if p.Reference != nil {
		parts = append(parts, "reference="+*p.Reference)
	}
	if len(parts) == 0 {
		return "no changes"
	}
	return strings.Join(parts, ", ")
}

func (p *Patch) apply(doc *models.LedgerDocument, manual bool) {
	if p.Amount != nil {
		doc.Amount = *p.Amount
	}
	if p.PaymentMethod != nil {
		doc.PaymentMethod = *p.PaymentMethod
		if manual {
			doc.PaymentMethodManuallySet = true
		}
	}
	if p.Counterparty != nil {
		doc.Counterparty = *p.Counterparty
	}
	if p.Reference != nil {
		doc.Reference = *p.Reference
	}
}

// Confirm moves a provisional document to confirmed: the user accepted or
// changed the auto-assigned payment method before any bank evidence exists.
// Re-entrant: repeated confirms while provisional or confirmed just update
// the method.
func (m *Machine) Confirm(documentID string, method models.PaymentMethod, manuallyChosen bool) (*models.LedgerDocument, error) {
	var confirmed *models.LedgerDocument

	err := m.store.WithDocument(documentID, func() error {
		doc, version, err := m.store.GetDocument(documentID)
		if err != nil {
			return err
		}

		if doc.Locked {
			return errors.DocumentLocked(documentID).
				WithExpectedFound("unlocked", "locked")
		}

		if method != models.PaymentUnknown {
			doc.PaymentMethod = method
			if manuallyChosen {
				doc.PaymentMethodManuallySet = true
			}
		}
		doc.State = models.StateConfirmed

		if err := m.store.UpdateDocument(doc, version); err != nil {
			return err
		}
		confirmed = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{
		"document_id": documentID,
		"method":      confirmed.PaymentMethod.String(),
		"manual":      manuallyChosen,
	}).Info("Document confirmed")

	return confirmed, nil
}

// Edit applies a patch to an unlocked document. Editing a locked document
// without forcing fails with DocumentLocked; use ForceEdit instead.
func (m *Machine) Edit(documentID string, patch Patch) (*models.LedgerDocument, error) {
	var edited *models.LedgerDocument

	err := m.store.WithDocument(documentID, func() error {
		doc, version, err := m.store.GetDocument(documentID)
		if err != nil {
			return err
		}

		if doc.Locked {
			return errors.DocumentLocked(documentID).
				WithContext("attempted_change", patch.describe())
		}

		patch.apply(doc, true)
		if err := m.store.UpdateDocument(doc, version); err != nil {
			return err
		}
		edited = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	return edited, nil
}

// Settlement describes the evidence for a Reconcile call.
type Settlement struct {
	MovementID string                  `json:"movement_id"`
	Side       models.SettlementSide   `json:"side"`
	Amount     decimal.Decimal         `json:"amount"`
	SettledOn  time.Time               `json:"settled_on"`
	MatchedOn  []models.MatchCriterion `json:"matched_on"`
	Confidence float64                 `json:"confidence"`
}

// Reconcile moves a document to reconciled: the matcher found consistent
// settlement evidence. The settlement link is created, the document becomes
// locked, and a reconciliation record is appended.
//
// Idempotent: if the document+movement pair is already settled the call
// returns a DuplicateSettlement error that callers treat as a no-op; the
// existing link is never duplicated.
func (m *Machine) Reconcile(documentID string, settlement Settlement) (*models.ReconciliationRecord, error) {
	var record *models.ReconciliationRecord

	err := m.store.WithDocument(documentID, func() error {
		doc, version, err := m.store.GetDocument(documentID)
		if err != nil {
			return err
		}

		if m.store.HasSettlement(documentID, settlement.MovementID) {
			return errors.DuplicateSettlement(documentID, settlement.MovementID)
		}

		if doc.Locked {
			return errors.DocumentLocked(documentID).
				WithContext("movement_id", settlement.MovementID)
		}

		link := &models.SettlementLink{
			ID:         models.NewID(),
			DocumentID: documentID,
			MovementID: settlement.MovementID,
			Side:       settlement.Side,
			Amount:     settlement.Amount,
			SettledOn:  settlement.SettledOn,
			CreatedAt:  time.Now(),
		}
		if err := m.store.AddSettlement(link); err != nil {
			return err
		}

		doc.State = models.StateReconciled
		doc.Locked = true
		doc.Provisional = false
		if err := m.store.UpdateDocument(doc, version); err != nil {
			return err
		}

		record = &models.ReconciliationRecord{
			ID:                    models.NewID(),
			DocumentID:            documentID,
			CounterpartMovementID: settlement.MovementID,
			MatchedOn:             settlement.MatchedOn,
			Confidence:            settlement.Confidence,
			State:                 models.StateReconciled,
			Timestamp:             time.Now(),
		}
		return m.store.AppendReconciliation(record)
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{
		"document_id": documentID,
		"movement_id": settlement.MovementID,
		"side":        settlement.Side.String(),
		"confidence":  fmt.Sprintf("%.3f", settlement.Confidence),
	}).Info("Document reconciled")

	return record, nil
}

// ForceEdit modifies a locked document. It always succeeds but always
// produces an audit entry and a forced reconciliation record; history is
// append-only and never rewritten.
func (m *Machine) ForceEdit(documentID, reason string, patch Patch) (*models.ReconciliationRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "forced_reason", reason, nil).
			WithSuggestion("a forced override requires a non-empty reason for the audit log")
	}

	var record *models.ReconciliationRecord

	err := m.store.WithDocument(documentID, func() error {
		doc, version, err := m.store.GetDocument(documentID)
		if err != nil {
			return err
		}

		change := patch.describe()
		patch.apply(doc, true)

		if err := m.store.UpdateDocument(doc, version); err != nil {
			return err
		}

		m.store.AppendAudit(&models.AuditEntry{
			ID:         models.NewID(),
			DocumentID: documentID,
			Reason:     reason,
			Change:     change,
			Timestamp:  time.Now(),
		})

		record = &models.ReconciliationRecord{
			ID:           models.NewID(),
			DocumentID:   documentID,
			State:        doc.State,
			Forced:       true,
			ForcedReason: reason,
			Timestamp:    time.Now(),
		}
		return m.store.AppendReconciliation(record)
	})
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logger.Fields{
		"document_id": documentID,
		"reason":      reason,
	}).Warn("Forced override applied")

	return record, nil
}

// MarkIncoherent sets or clears the orthogonal incoherent flag without
// touching the primary state. Used by the incoherence detector's callers;
// the detector itself never writes.
func (m *Machine) MarkIncoherent(documentID string, incoherent bool) error {
	return m.store.WithDocument(documentID, func() error {
		doc, version, err := m.store.GetDocument(documentID)
		if err != nil {
			return err
		}

		if doc.Incoherent == incoherent {
			return nil
		}

		doc.Incoherent = incoherent
		return m.store.UpdateDocument(doc, version)
	})
}
