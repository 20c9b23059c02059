package resolver

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
)

func createTestResolver(t *testing.T) (*Resolver, *store.Store) {
	t.Helper()
	st := store.New()
	return New(st, nil), st
}

func createTestInvoice(provenance models.Provenance) *models.LedgerDocument {
	doc := models.NewDocument(models.KindInvoice, decimal.NewFromFloat(1000.00), "Acme S.r.l.",
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), provenance)
	doc.TaxID = "IT01234567890"
	doc.Reference = "FT-2026-001"
	doc.Invoice = &models.InvoiceFields{Serial: "2026/001"}
	return doc
}

func TestApplyInsertsNewDocument(t *testing.T) {
	r, st := createTestResolver(t)

	outcome, err := r.Apply(createTestInvoice(models.ProvenanceEmail))
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if !outcome.Created || outcome.Merged {
		t.Error("expected a create outcome")
	}
	if !outcome.Document.Provisional {
		t.Error("email-sourced documents stay provisional")
	}

	stored, _, err := st.GetDocument(outcome.Document.ID)
	if err != nil {
		t.Fatalf("stored document not found: %v", err)
	}
	if stored.Reference != "FT-2026-001" {
		t.Errorf("unexpected stored reference %s", stored.Reference)
	}
}

func TestApplyMergesHigherProvenance(t *testing.T) {
	r, _ := createTestResolver(t)

	email := createTestInvoice(models.ProvenanceEmail)
	email.Amount = decimal.NewFromFloat(999.00)
	first, err := r.Apply(email)
	if err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	xml := createTestInvoice(models.ProvenanceXML)
	outcome, err := r.Apply(xml)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if !outcome.Merged || outcome.Created {
		t.Error("expected a merge outcome")
	}
	if outcome.Document.ID != first.Document.ID {
		t.Error("merge must keep the stored document's identity")
	}
	if !outcome.Document.Amount.Equal(decimal.NewFromFloat(1000.00)) {
		t.Errorf("expected xml amount to win, got %s", outcome.Document.Amount)
	}
	if outcome.Document.Provenance != models.ProvenanceXML {
		t.Errorf("expected provenance upgrade, got %s", outcome.Document.Provenance)
	}
	if outcome.Document.Provisional {
		t.Error("authoritative merge must clear the provisional flag")
	}
}

func TestApplyLowerProvenanceFillsMissingOnly(t *testing.T) {
	r, _ := createTestResolver(t)

	xml := createTestInvoice(models.ProvenanceXML)
	xml.TaxID = ""
	if _, err := r.Apply(xml); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	email := createTestInvoice(models.ProvenanceEmail)
	email.Counterparty = "Acme Something Else"
	outcome, err := r.Apply(email)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if outcome.Document.Counterparty != "Acme S.r.l." {
		t.Errorf("lower provenance must not overwrite, got %s", outcome.Document.Counterparty)
	}
	if outcome.Document.TaxID != "IT01234567890" {
		t.Errorf("expected missing tax id to be filled, got %s", outcome.Document.TaxID)
	}
	if outcome.Document.Provenance != models.ProvenanceXML {
		t.Errorf("expected provenance to stay xml, got %s", outcome.Document.Provenance)
	}
}

func TestApplyStickyManualPaymentMethod(t *testing.T) {
	r, _ := createTestResolver(t)

	manual := createTestInvoice(models.ProvenanceManual)
	manual.PaymentMethod = models.PaymentCash
	manual.PaymentMethodManuallySet = true
	if _, err := r.Apply(manual); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	xml := createTestInvoice(models.ProvenanceXML)
	xml.PaymentMethod = models.PaymentBankTransfer
	outcome, err := r.Apply(xml)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if outcome.Document.PaymentMethod != models.PaymentCash {
		t.Errorf("expected manual payment method to survive, got %s", outcome.Document.PaymentMethod)
	}
	if !outcome.Document.PaymentMethodManuallySet {
		t.Error("expected the manually-set flag to survive the merge")
	}
	if !outcome.StickyFieldKept {
		t.Error("expected the sticky outcome to be reported")
	}
	if outcome.Document.Amount.StringFixed(2) != "1000.00" {
		t.Error("stickiness covers only the payment method, other fields merge normally")
	}
}

func TestApplyAmountConflictRefusesMerge(t *testing.T) {
	r, st := createTestResolver(t)

	if _, err := r.Apply(createTestInvoice(models.ProvenanceEmail)); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	conflicting := createTestInvoice(models.ProvenanceXML)
	conflicting.Amount = decimal.NewFromFloat(1500.00)
	_, err := r.Apply(conflicting)
	if !errors.HasCode(err, errors.CodeToleranceExceeded) {
		t.Fatalf("expected ToleranceExceeded, got %v", err)
	}

	found := st.Discrepancies("2026-03")
	if len(found) != 1 {
		t.Fatalf("expected one recorded discrepancy, got %d", len(found))
	}
	if found[0].Subcategory != "amount_mismatch" {
		t.Errorf("unexpected discrepancy subcategory %s", found[0].Subcategory)
	}

	stored, _, _ := st.GetDocument(r.mustFind(t).ID)
	if !stored.Amount.Equal(decimal.NewFromFloat(1000.00)) {
		t.Errorf("refused merge must leave the stored amount untouched, got %s", stored.Amount)
	}
}

// mustFind returns the single stored invoice for assertions after a merge.
func (r *Resolver) mustFind(t *testing.T) *models.LedgerDocument {
	t.Helper()
	doc, found := r.store.FindByMergeKey(createTestInvoice(models.ProvenanceEmail).MergeKey())
	if !found {
		t.Fatal("stored invoice not found")
	}
	return doc
}

func TestApplyLockedDocumentRefusesMerge(t *testing.T) {
	r, st := createTestResolver(t)

	outcome, err := r.Apply(createTestInvoice(models.ProvenanceXML))
	if err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	doc, version, _ := st.GetDocument(outcome.Document.ID)
	locked := doc.Clone()
	locked.Locked = true
	locked.State = models.StateReconciled
	if err := st.UpdateDocument(locked, version); err != nil {
		t.Fatalf("locking failed: %v", err)
	}

	_, err = r.Apply(createTestInvoice(models.ProvenanceBankStatement))
	if !errors.HasCode(err, errors.CodeDocumentLocked) {
		t.Fatalf("expected DocumentLocked, got %v", err)
	}
}

func TestApplyCorrispettiviMergeByDate(t *testing.T) {
	r, _ := createTestResolver(t)

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	manual := models.NewDocument(models.KindCorrispettivo, decimal.NewFromFloat(320.00), "Cassa 1", day, models.ProvenanceManual)
	manual.Corrispettivo = &models.CorrispettivoFields{RegisterID: "RT-01"}
	if _, err := r.Apply(manual); err != nil {
		t.Fatalf("initial apply failed: %v", err)
	}

	extracted := models.NewDocument(models.KindCorrispettivo, decimal.NewFromFloat(320.50), "Cassa 1", day.Add(8*time.Hour), models.ProvenanceAIExtracted)
	extracted.Corrispettivo = &models.CorrispettivoFields{RegisterID: "RT-01"}
	outcome, err := r.Apply(extracted)
	if err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if !outcome.Merged {
		t.Error("same-day corrispettivi must merge, not duplicate")
	}
}

func TestApplyRegistersCounterpartyDefaultMethod(t *testing.T) {
	r, st := createTestResolver(t)

	invoice := createTestInvoice(models.ProvenanceXML)
	invoice.PaymentMethod = models.PaymentDirectDebit
	if _, err := r.Apply(invoice); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	if got := st.MethodBook().DefaultMethod("Acme S.r.l."); got != models.PaymentDirectDebit {
		t.Errorf("expected counterparty default to be registered, got %s", got)
	}

	// A later invoice from the same counterparty with no method picks up
	// the registered default.
	second := createTestInvoice(models.ProvenanceXML)
	second.Reference = "FT-2026-002"
	outcome, err := r.Apply(second)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if outcome.Document.PaymentMethod != models.PaymentDirectDebit {
		t.Errorf("expected default method to apply, got %s", outcome.Document.PaymentMethod)
	}
}
