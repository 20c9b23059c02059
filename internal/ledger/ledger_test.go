package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
)

var testDate = time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)

func createTestValidator(t *testing.T) (*Validator, *store.Store, *models.LedgerDocument) {
	t.Helper()
	st := store.New()

	doc := models.NewDocument(models.KindInvoice, decimal.NewFromFloat(1000.00), "Acme S.r.l.",
		testDate, models.ProvenanceXML)
	doc.Reference = "FT-2026-001"
	doc.Invoice = &models.InvoiceFields{}
	if err := st.PutDocument(doc); err != nil {
		t.Fatalf("seeding store failed: %v", err)
	}

	return New(st, nil), st, doc
}

func createTestEntry(docID, account string, side models.EntrySide, amount float64) *models.LedgerEntry {
	return &models.LedgerEntry{
		ID:               models.NewID(),
		AccountCode:      account,
		Side:             side,
		Amount:           decimal.NewFromFloat(amount),
		DocumentDate:     testDate,
		SourceDocumentID: docID,
		CreatedAt:        time.Now(),
	}
}

func TestPostBalancedOperation(t *testing.T) {
	v, st, doc := createTestValidator(t)

	op := &Operation{
		Description: "settlement",
		Entries: []*models.LedgerEntry{
			createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00),
			createTestEntry(doc.ID, AccountBank, models.SideAvere, 1000.00),
		},
	}

	if err := v.Post(op); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	entries := st.EntriesForDocument(doc.ID)
	if len(entries) != 2 {
		t.Fatalf("expected 2 posted entries, got %d", len(entries))
	}
}

func TestPostWithinBalanceTolerance(t *testing.T) {
	v, _, doc := createTestValidator(t)

	// One cent of rounding drift is tolerated.
	op := &Operation{
		Entries: []*models.LedgerEntry{
			createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00),
			createTestEntry(doc.ID, AccountBank, models.SideAvere, 999.99),
		},
	}
	if err := v.Post(op); err != nil {
		t.Fatalf("expected a 0.01 imbalance to be tolerated: %v", err)
	}
}

func TestPostImbalancedOperationRejectedAtomically(t *testing.T) {
	v, st, doc := createTestValidator(t)

	op := &Operation{
		Entries: []*models.LedgerEntry{
			createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00),
			createTestEntry(doc.ID, AccountBank, models.SideAvere, 999.00),
		},
	}

	err := v.Post(op)
	if !errors.HasCode(err, errors.CodeImbalancedOperation) {
		t.Fatalf("expected ImbalancedOperation, got %v", err)
	}

	if entries := st.EntriesForDocument(doc.ID); len(entries) != 0 {
		t.Errorf("rejected operation must post nothing, got %d entries", len(entries))
	}
}

func TestPostRejectsWrongDocumentDate(t *testing.T) {
	v, st, doc := createTestValidator(t)

	wrong := createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00)
	wrong.DocumentDate = testDate.AddDate(0, 0, 3)
	op := &Operation{
		Entries: []*models.LedgerEntry{
			wrong,
			createTestEntry(doc.ID, AccountBank, models.SideAvere, 1000.00),
		},
	}

	err := v.Post(op)
	if !errors.HasCode(err, errors.CodeDateMismatch) {
		t.Fatalf("expected DateMismatch, got %v", err)
	}

	if entries := st.EntriesForDocument(doc.ID); len(entries) != 0 {
		t.Error("rejected operation must post nothing")
	}
}

func TestPostEmptyOperationRejected(t *testing.T) {
	v, _, _ := createTestValidator(t)
	if err := v.Post(&Operation{}); err == nil {
		t.Fatal("expected an empty operation to be rejected")
	}
}

func TestStorno(t *testing.T) {
	v, st, doc := createTestValidator(t)

	dare := createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00)
	avere := createTestEntry(doc.ID, AccountBank, models.SideAvere, 1000.00)
	if err := v.Post(&Operation{Entries: []*models.LedgerEntry{dare, avere}}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	storno, err := v.Storno(avere.ID)
	if err != nil {
		t.Fatalf("Storno failed: %v", err)
	}

	if storno.Side != models.SideDare {
		t.Errorf("expected the storno to swap AVERE to DARE, got %s", storno.Side)
	}
	if !storno.Amount.Equal(avere.Amount) {
		t.Errorf("expected the storno amount to equal the original, got %s", storno.Amount)
	}
	if storno.ReversalOfID != avere.ID {
		t.Errorf("expected reversal link to %s, got %s", avere.ID, storno.ReversalOfID)
	}
	if storno.AccountCode != AccountBank {
		t.Errorf("expected the storno on the same account, got %s", storno.AccountCode)
	}

	// The original is preserved, never deleted.
	original, err := st.EntryByID(avere.ID)
	if err != nil {
		t.Fatalf("original entry lost: %v", err)
	}
	if original.Side != models.SideAvere {
		t.Error("original entry must stay untouched")
	}
}

func TestStornoTwiceRefused(t *testing.T) {
	v, _, doc := createTestValidator(t)

	dare := createTestEntry(doc.ID, AccountSuppliers, models.SideDare, 1000.00)
	avere := createTestEntry(doc.ID, AccountBank, models.SideAvere, 1000.00)
	if err := v.Post(&Operation{Entries: []*models.LedgerEntry{dare, avere}}); err != nil {
		t.Fatalf("Post failed: %v", err)
	}

	if _, err := v.Storno(avere.ID); err != nil {
		t.Fatalf("first Storno failed: %v", err)
	}

	_, err := v.Storno(avere.ID)
	if !errors.HasCode(err, errors.CodeAlreadyReversed) {
		t.Fatalf("expected AlreadyReversed, got %v", err)
	}
}

func TestStornoUnknownEntry(t *testing.T) {
	v, _, _ := createTestValidator(t)
	if _, err := v.Storno("missing"); !errors.HasCode(err, errors.CodeEntryNotFound) {
		t.Fatalf("expected EntryNotFound, got %v", err)
	}
}

func TestSettlementOperationAccounts(t *testing.T) {
	_, _, invoice := createTestValidator(t)

	op := SettlementOperation(invoice, models.SideBankLedger, invoice.Amount)
	dare, avere := op.Totals()
	if !dare.Equal(avere) {
		t.Fatalf("settlement operation must balance, got %s vs %s", dare, avere)
	}

	accounts := map[models.EntrySide]string{}
	for _, e := range op.Entries {
		accounts[e.Side] = e.AccountCode
		if !e.DocumentDate.Equal(invoice.DocumentDate) {
			t.Error("entries must carry the document date")
		}
	}
	if accounts[models.SideDare] != AccountSuppliers || accounts[models.SideAvere] != AccountBank {
		t.Errorf("expected FORNITORI against BANCA, got %v", accounts)
	}

	fine := models.NewDocument(models.KindTrafficFine, decimal.NewFromFloat(90.00), "Comune", testDate, models.ProvenanceManual)
	fine.Fine = &models.FineFields{Verbale: "A25111540620", Stage: models.FinePagato}
	fineOp := SettlementOperation(fine, models.SideCashLedger, fine.Amount)
	for _, e := range fineOp.Entries {
		if e.Side == models.SideDare && e.AccountCode != AccountFines {
			t.Errorf("expected SANZIONI for fines, got %s", e.AccountCode)
		}
		if e.Side == models.SideAvere && e.AccountCode != AccountCash {
			t.Errorf("expected CASSA for cash settlement, got %s", e.AccountCode)
		}
	}
}
