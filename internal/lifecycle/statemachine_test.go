package lifecycle

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
)

func createTestMachine(t *testing.T) (*Machine, *store.Store) {
	t.Helper()
	st := store.New()
	return New(st, nil), st
}

func createStoredInvoice(t *testing.T, st *store.Store) *models.LedgerDocument {
	t.Helper()
	doc := models.NewDocument(models.KindInvoice, decimal.NewFromFloat(1000.00), "Acme S.r.l.",
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), models.ProvenanceXML)
	doc.TaxID = "IT01234567890"
	doc.Reference = "FT-2026-001"
	doc.Invoice = &models.InvoiceFields{}
	if err := st.PutDocument(doc); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}
	return doc
}

func createTestSettlement(movementID string) Settlement {
	return Settlement{
		MovementID: movementID,
		Side:       models.SideBankLedger,
		Amount:     decimal.NewFromFloat(1000.00),
		SettledOn:  time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC),
		MatchedOn:  []models.MatchCriterion{models.MatchedOnAmount, models.MatchedOnBeneficiary},
		Confidence: 0.975,
	}
}

func TestConfirm(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	confirmed, err := m.Confirm(doc.ID, models.PaymentBankTransfer, false)
	if err != nil {
		t.Fatalf("Confirm failed: %v", err)
	}
	if confirmed.State != models.StateConfirmed {
		t.Errorf("expected confirmed state, got %s", confirmed.State)
	}
	if confirmed.PaymentMethod != models.PaymentBankTransfer {
		t.Errorf("expected bank transfer, got %s", confirmed.PaymentMethod)
	}
	if confirmed.PaymentMethodManuallySet {
		t.Error("auto-assigned method must not set the manual flag")
	}

	// Re-entrant: confirming again with a user choice updates the method.
	again, err := m.Confirm(doc.ID, models.PaymentCash, true)
	if err != nil {
		t.Fatalf("repeated Confirm failed: %v", err)
	}
	if again.PaymentMethod != models.PaymentCash || !again.PaymentMethodManuallySet {
		t.Error("expected user-chosen method with the manual flag set")
	}
}

func TestReconcileLocksDocument(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	record, err := m.Reconcile(doc.ID, createTestSettlement("mov-1"))
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if record.State != models.StateReconciled {
		t.Errorf("expected reconciled record, got %s", record.State)
	}
	if record.CounterpartMovementID != "mov-1" {
		t.Errorf("expected movement link, got %s", record.CounterpartMovementID)
	}

	stored, _, _ := st.GetDocument(doc.ID)
	if stored.State != models.StateReconciled || !stored.Locked {
		t.Error("expected document reconciled and locked")
	}
	if stored.Provisional {
		t.Error("reconciling must clear the provisional flag")
	}

	links := st.SettlementsFor(doc.ID)
	if len(links) != 1 || links[0].MovementID != "mov-1" {
		t.Fatalf("expected a single settlement link to mov-1, got %v", links)
	}
}

func TestReconcileDuplicateSettlementIsRefused(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	if _, err := m.Reconcile(doc.ID, createTestSettlement("mov-1")); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}

	_, err := m.Reconcile(doc.ID, createTestSettlement("mov-1"))
	if !errors.HasCode(err, errors.CodeDuplicateSettlement) {
		t.Fatalf("expected DuplicateSettlement, got %v", err)
	}

	if links := st.SettlementsFor(doc.ID); len(links) != 1 {
		t.Errorf("expected the settlement link to stay unique, got %d", len(links))
	}
}

func TestReconcileLockedDocumentWithDifferentMovement(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	if _, err := m.Reconcile(doc.ID, createTestSettlement("mov-1")); err != nil {
		t.Fatalf("first Reconcile failed: %v", err)
	}

	_, err := m.Reconcile(doc.ID, createTestSettlement("mov-2"))
	if !errors.HasCode(err, errors.CodeDocumentLocked) {
		t.Fatalf("expected DocumentLocked, got %v", err)
	}
}

func TestEditUnlockedDocument(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	method := models.PaymentCash
	edited, err := m.Edit(doc.ID, Patch{PaymentMethod: &method})
	if err != nil {
		t.Fatalf("Edit failed: %v", err)
	}
	if edited.PaymentMethod != models.PaymentCash || !edited.PaymentMethodManuallySet {
		t.Error("expected edit to set the method and the manual flag")
	}

	stored, _, _ := st.GetDocument(doc.ID)
	if stored.PaymentMethod != models.PaymentCash {
		t.Error("edit must persist")
	}
}

func TestEditLockedDocumentIsRefused(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	if _, err := m.Reconcile(doc.ID, createTestSettlement("mov-1")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	amount := decimal.NewFromFloat(900.00)
	_, err := m.Edit(doc.ID, Patch{Amount: &amount})
	if !errors.HasCode(err, errors.CodeDocumentLocked) {
		t.Fatalf("expected DocumentLocked, got %v", err)
	}
}

func TestForceEditRequiresReason(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	amount := decimal.NewFromFloat(900.00)
	if _, err := m.ForceEdit(doc.ID, "   ", Patch{Amount: &amount}); err == nil {
		t.Fatal("expected empty reason to be rejected")
	}
}

func TestForceEditLockedDocument(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	if _, err := m.Reconcile(doc.ID, createTestSettlement("mov-1")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	amount := decimal.NewFromFloat(999.50)
	record, err := m.ForceEdit(doc.ID, "bank charged a 0.50 commission", Patch{Amount: &amount})
	if err != nil {
		t.Fatalf("ForceEdit failed: %v", err)
	}
	if !record.Forced || record.ForcedReason == "" {
		t.Error("expected a forced record carrying the reason")
	}

	stored, _, _ := st.GetDocument(doc.ID)
	if !stored.Amount.Equal(amount) {
		t.Errorf("expected amount updated, got %s", stored.Amount)
	}
	if !stored.Locked {
		t.Error("forced edit must not unlock the document")
	}

	audits := st.AuditFor(doc.ID)
	if len(audits) != 1 {
		t.Fatalf("expected one audit entry, got %d", len(audits))
	}
	if audits[0].Reason != "bank charged a 0.50 commission" {
		t.Errorf("unexpected audit reason %q", audits[0].Reason)
	}

	// History is append-only: the original reconciliation record plus the
	// forced one.
	records := st.ReconciliationsFor(doc.ID)
	if len(records) != 2 {
		t.Errorf("expected two reconciliation records, got %d", len(records))
	}
}

func TestMarkIncoherentIsOrthogonal(t *testing.T) {
	m, st := createTestMachine(t)
	doc := createStoredInvoice(t, st)

	if _, err := m.Reconcile(doc.ID, createTestSettlement("mov-1")); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if err := m.MarkIncoherent(doc.ID, true); err != nil {
		t.Fatalf("MarkIncoherent failed: %v", err)
	}

	stored, _, _ := st.GetDocument(doc.ID)
	if !stored.Incoherent {
		t.Error("expected the incoherent flag set")
	}
	if stored.State != models.StateReconciled || !stored.Locked {
		t.Error("the incoherent flag must not touch the primary state")
	}

	// Clearing is also allowed, and idempotent.
	if err := m.MarkIncoherent(doc.ID, false); err != nil {
		t.Fatalf("clearing failed: %v", err)
	}
	if err := m.MarkIncoherent(doc.ID, false); err != nil {
		t.Fatalf("idempotent clear failed: %v", err)
	}
}
