package engine

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/fines"
	"ledger-reconciliation-engine/internal/lifecycle"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
)

func patchAmount(amount *decimal.Decimal) lifecycle.Patch {
	return lifecycle.Patch{Amount: amount}
}

func createTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st := store.New()
	e, err := New(st, fines.NewRegistry(), nil, nil)
	if err != nil {
		t.Fatalf("engine creation failed: %v", err)
	}
	return e, st
}

func batchInvoice(counterparty, reference string, amount float64) *BatchDocument {
	doc := models.NewDocument(models.KindInvoice, decimal.NewFromFloat(amount), counterparty,
		time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), models.ProvenanceXML)
	doc.TaxID = "IT01234567890"
	doc.Reference = reference
	doc.Invoice = &models.InvoiceFields{}
	return &BatchDocument{Document: doc}
}

func batchMovement(counterparty, causale string, amount float64) *models.LedgerDocument {
	doc := models.NewDocument(models.KindBankMovement, decimal.NewFromFloat(amount), counterparty,
		time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), models.ProvenanceBankStatement)
	doc.Movement = &models.MovementFields{Causale: causale, Account: "IT60X0542811101000000123456"}
	return doc
}

func TestImportBatchReconcilesMatchingMovement(t *testing.T) {
	e, st := createTestEngine(t)

	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)
	result, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Documents: []*BatchDocument{invoice},
		Movements: []*models.LedgerDocument{batchMovement("ACME SRL", "SALDO FT-2026-001", 999.50)},
	})
	if err != nil {
		t.Fatalf("ImportBatch failed: %v", err)
	}

	s := result.Summary
	if s.DocumentsCreated != 1 {
		t.Errorf("expected 1 created document, got %d", s.DocumentsCreated)
	}
	if s.Reconciled != 1 {
		t.Fatalf("expected 1 reconciliation, got %d (unmatched=%d ambiguous=%d)", s.Reconciled, s.Unmatched, s.Ambiguous)
	}
	if s.Unmatched != 0 || s.Ambiguous != 0 {
		t.Errorf("unexpected review outcomes: unmatched=%d ambiguous=%d", s.Unmatched, s.Ambiguous)
	}
	if s.LedgerEntriesPosted != 2 {
		t.Errorf("expected 2 ledger entries posted, got %d", s.LedgerEntriesPosted)
	}
	if !s.TotalSettledAmount.Equal(decimal.NewFromFloat(999.50)) {
		t.Errorf("expected settled total 999.50, got %s", s.TotalSettledAmount)
	}

	stored, _, _ := st.GetDocument(invoice.Document.ID)
	if stored.State != models.StateReconciled || !stored.Locked {
		t.Error("expected the invoice reconciled and locked")
	}
	if stored.PaymentMethod != models.PaymentBankTransfer {
		t.Errorf("expected the method to default to bank transfer, got %s", stored.PaymentMethod)
	}

	entries := st.EntriesForDocument(invoice.Document.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 ledger entries, got %d", len(entries))
	}

	// The counterparty's default method was learned from the settlement.
	if got := st.MethodBook().DefaultMethod("Acme S.r.l."); got != models.PaymentBankTransfer {
		t.Errorf("expected learned default method, got %s", got)
	}
}

func TestImportBatchIdempotentReimport(t *testing.T) {
	e, _ := createTestEngine(t)

	makeBatch := func() *Batch {
		return &Batch{
			Name:      "march",
			Documents: []*BatchDocument{batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)},
			Movements: []*models.LedgerDocument{batchMovement("ACME SRL", "SALDO FT-2026-001", 999.50)},
		}
	}

	first, err := e.ImportBatch(context.Background(), makeBatch())
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if first.Summary.Reconciled != 1 {
		t.Fatalf("expected 1 reconciliation, got %d", first.Summary.Reconciled)
	}

	second, err := e.ImportBatch(context.Background(), makeBatch())
	if err != nil {
		t.Fatalf("re-import failed: %v", err)
	}
	if second.Summary.Reconciled != 0 {
		t.Errorf("re-import must not settle again, got %d", second.Summary.Reconciled)
	}
	if second.Summary.AlreadySettled != 1 {
		t.Errorf("expected 1 already-settled movement, got %d", second.Summary.AlreadySettled)
	}
	if second.Summary.DocumentsCreated != 0 {
		t.Errorf("re-imported invoice must merge, not duplicate, got %d created", second.Summary.DocumentsCreated)
	}
}

func TestImportBatchCompetingMovementsDoNotAbort(t *testing.T) {
	e, st := createTestEngine(t)

	// Two statement lines both plausibly settle the same invoice. Whichever
	// commits first wins; the loser must land in the review queue instead of
	// aborting the batch after the winner's settlement already committed.
	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 500.00)
	result, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Documents: []*BatchDocument{invoice},
		Movements: []*models.LedgerDocument{
			batchMovement("ACME SRL", "SALDO MARZO", 500.00),
			batchMovement("ACME SRL", "SALDO MARZO BIS", 499.80),
		},
	})
	if err != nil {
		t.Fatalf("ImportBatch failed: %v", err)
	}

	s := result.Summary
	if s.Reconciled != 1 {
		t.Fatalf("expected exactly 1 reconciliation, got %d", s.Reconciled)
	}
	if s.Unmatched != 1 {
		t.Errorf("expected the losing movement counted as unmatched, got %d", s.Unmatched)
	}
	if s.LedgerEntriesPosted != 2 {
		t.Errorf("expected 2 ledger entries for the single settlement, got %d", s.LedgerEntriesPosted)
	}

	queue := e.ReviewQueue()
	if len(queue) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(queue))
	}
	if queue[0].Reason != "candidate document was settled by a competing movement" {
		t.Errorf("unexpected review reason %q", queue[0].Reason)
	}

	stored, _, _ := st.GetDocument(invoice.Document.ID)
	if stored.State != models.StateReconciled || !stored.Locked {
		t.Error("expected the invoice reconciled and locked by the winning movement")
	}
}

func TestImportBatchUnmatchedGoesToReview(t *testing.T) {
	e, _ := createTestEngine(t)

	result, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Movements: []*models.LedgerDocument{batchMovement("UNKNOWN SNC", "BONIFICO", 777.00)},
	})
	if err != nil {
		t.Fatalf("ImportBatch failed: %v", err)
	}

	if result.Summary.Unmatched != 1 {
		t.Fatalf("expected 1 unmatched movement, got %d", result.Summary.Unmatched)
	}

	queue := e.ReviewQueue()
	if len(queue) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(queue))
	}
	if queue[0].Movement.Counterparty != "UNKNOWN SNC" {
		t.Errorf("unexpected review movement %s", queue[0].Movement.Counterparty)
	}
}

func TestImportBatchAmbiguousGoesToReviewWithCandidates(t *testing.T) {
	e, _ := createTestEngine(t)

	a := batchInvoice("Acme S.r.l.", "FT-2026-010", 500.00)
	b := batchInvoice("Acme S.r.l.", "FT-2026-011", 500.00)
	result, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Documents: []*BatchDocument{a, b},
		Movements: []*models.LedgerDocument{batchMovement("ACME SRL", "SALDO FATTURA", 500.00)},
	})
	if err != nil {
		t.Fatalf("ImportBatch failed: %v", err)
	}

	if result.Summary.Ambiguous != 1 {
		t.Fatalf("expected 1 ambiguous movement, got %d", result.Summary.Ambiguous)
	}

	queue := e.ReviewQueue()
	if len(queue) != 1 {
		t.Fatalf("expected 1 review item, got %d", len(queue))
	}
	if len(queue[0].CandidateIDs) != 2 {
		t.Errorf("expected both candidate ids in the review item, got %v", queue[0].CandidateIDs)
	}

	// Neither invoice was settled.
	for _, bd := range []*BatchDocument{a, b} {
		state, err := e.GetDocumentState(bd.Document.ID)
		if err != nil {
			t.Fatalf("GetDocumentState failed: %v", err)
		}
		if state == models.StateReconciled {
			t.Error("ambiguous movements must not settle anything")
		}
	}
}

func TestImportBatchMergeConflictIsCounted(t *testing.T) {
	e, _ := createTestEngine(t)

	first, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "one",
		Documents: []*BatchDocument{batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)},
	})
	if err != nil {
		t.Fatalf("first import failed: %v", err)
	}
	if first.Summary.DocumentsCreated != 1 {
		t.Fatalf("expected 1 created, got %d", first.Summary.DocumentsCreated)
	}

	conflicting := batchInvoice("Acme S.r.l.", "FT-2026-001", 1500.00)
	second, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "two",
		Documents: []*BatchDocument{conflicting},
	})
	if err != nil {
		t.Fatalf("second import failed: %v", err)
	}
	if second.Summary.MergeConflicts != 1 {
		t.Errorf("expected 1 merge conflict, got %d", second.Summary.MergeConflicts)
	}

	// The refused merge recorded a discrepancy.
	if found := e.GetDiscrepancies("2026-03"); len(found) == 0 {
		t.Error("expected a recorded amount-mismatch discrepancy")
	}
}

func TestImportBatchValidation(t *testing.T) {
	e, _ := createTestEngine(t)

	if _, err := e.ImportBatch(context.Background(), &Batch{Name: "empty"}); err == nil {
		t.Error("expected an empty batch to be rejected")
	}

	misplaced := &Batch{
		Name:      "bad",
		Documents: []*BatchDocument{{Document: batchMovement("X", "Y", 1.00)}},
	}
	if _, err := e.ImportBatch(context.Background(), misplaced); err == nil {
		t.Error("expected a movement in Documents to be rejected")
	}
}

func TestImportBatchFineSettlement(t *testing.T) {
	e, st := createTestEngine(t)

	fine := models.NewDocument(models.KindTrafficFine, decimal.NewFromFloat(90.00), "Comune di Milano",
		time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC), models.ProvenanceManual)
	fine.Reference = "A25111540620"
	fine.Fine = &models.FineFields{Verbale: "A25111540620", Plate: "GA123BC", Stage: models.FineSalvato}

	result, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "fines",
		Documents: []*BatchDocument{{Document: fine}},
		Movements: []*models.LedgerDocument{batchMovement("COMUNE DI MILANO", "PAGAMENTO VERBALE A25111540620", 90.00)},
	})
	if err != nil {
		t.Fatalf("ImportBatch failed: %v", err)
	}
	if result.Summary.Reconciled != 1 {
		t.Fatalf("expected the fine settled, got %d reconciliations", result.Summary.Reconciled)
	}

	stored, _, _ := st.GetDocument(fine.ID)
	if stored.Fine.Stage != models.FinePagato {
		t.Errorf("expected pagato after payment, got %s", stored.Fine.Stage)
	}
	if !stored.Locked {
		t.Error("expected the fine document locked")
	}

	// The fine posting goes against SANZIONI.
	for _, entry := range st.EntriesForDocument(fine.ID) {
		if entry.Side == models.SideDare && entry.AccountCode != "SANZIONI" {
			t.Errorf("expected SANZIONI, got %s", entry.AccountCode)
		}
	}
}

func TestReconcileOnDemand(t *testing.T) {
	e, st := createTestEngine(t)

	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)
	if _, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "documents-only",
		Documents: []*BatchDocument{invoice},
	}); err != nil {
		t.Fatalf("document import failed: %v", err)
	}

	// The movement is already in the store from an earlier session; only
	// the on-demand path sees it.
	movement := batchMovement("ACME SRL", "SALDO", 999.50)
	if err := st.PutDocument(movement); err != nil {
		t.Fatalf("seeding movement failed: %v", err)
	}

	record, err := e.Reconcile(invoice.Document.ID)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if record.State != models.StateReconciled {
		t.Errorf("expected a reconciled record, got %s", record.State)
	}

	// A second on-demand call finds the document closed.
	if _, err := e.Reconcile(invoice.Document.ID); !errors.HasCode(err, errors.CodeDocumentLocked) {
		t.Errorf("expected DocumentLocked on a settled document, got %v", err)
	}
}

func TestReconcileOnDemandNoEvidence(t *testing.T) {
	e, _ := createTestEngine(t)

	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)
	if _, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "documents-only",
		Documents: []*BatchDocument{invoice},
	}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	if _, err := e.Reconcile(invoice.Document.ID); !errors.HasCode(err, errors.CodeNoMatch) {
		t.Errorf("expected NoMatch without stored movements, got %v", err)
	}
}

func TestCheckCoherenceFlagsCriticalFindings(t *testing.T) {
	e, st := createTestEngine(t)

	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)
	if _, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Documents: []*BatchDocument{invoice},
		Movements: []*models.LedgerDocument{batchMovement("ACME SRL", "SALDO FT-2026-001", 1000.00)},
	}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	// Rewrite the settled amount far off through a forced override so the
	// on-demand check trips the critical threshold.
	amount := decimal.NewFromFloat(1200.00)
	if _, err := e.ForceEdit(invoice.Document.ID, "correcting a data entry error", patchAmount(&amount)); err != nil {
		t.Fatalf("ForceEdit failed: %v", err)
	}

	findings, err := e.CheckCoherence()
	if err != nil {
		t.Fatalf("CheckCoherence failed: %v", err)
	}
	if len(findings) == 0 {
		t.Fatal("expected at least one coherence finding")
	}

	critical := false
	for _, f := range findings {
		if f.Severity == models.SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Fatal("expected a critical amount finding")
	}

	stored, _, _ := st.GetDocument(invoice.Document.ID)
	if !stored.Incoherent {
		t.Error("expected the document flagged incoherent")
	}
	if stored.State != models.StateReconciled {
		t.Error("the incoherent flag must not displace the primary state")
	}
}

func TestForceEditRequiresReason(t *testing.T) {
	e, _ := createTestEngine(t)

	invoice := batchInvoice("Acme S.r.l.", "FT-2026-001", 1000.00)
	if _, err := e.ImportBatch(context.Background(), &Batch{
		Name:      "march",
		Documents: []*BatchDocument{invoice},
	}); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	amount := decimal.NewFromFloat(900.00)
	if _, err := e.ForceEdit(invoice.Document.ID, "", patchAmount(&amount)); err == nil {
		t.Error("expected an empty reason to be rejected")
	}
}
