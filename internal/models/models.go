// Package models defines the domain types shared by every component of the
// reconciliation engine: ledger documents and their kind-specific payloads,
// settlement links, reconciliation records, discrepancies, and double-entry
// ledger lines.
//
// Documents are modeled as a tagged union: a LedgerDocument carries the
// header fields common to all kinds (amount, counterparty, provenance, state)
// and exactly one kind-specific payload. Monetary values are always
// decimal.Decimal with two-decimal currency semantics.
package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DocumentKind identifies the concrete variant of a LedgerDocument.
type DocumentKind string

const (
	KindInvoice       DocumentKind = "invoice"
	KindCorrispettivo DocumentKind = "corrispettivo"
	KindBankMovement  DocumentKind = "bank_movement"
	KindTrafficFine   DocumentKind = "traffic_fine"
)

// String returns the string representation of DocumentKind
func (k DocumentKind) String() string {
	return string(k)
}

// IsValid checks if the document kind is valid
func (k DocumentKind) IsValid() bool {
	switch k {
	case KindInvoice, KindCorrispettivo, KindBankMovement, KindTrafficFine:
		return true
	}
	return false
}

// Provenance identifies the origin and trust level of a document's data.
type Provenance string

const (
	ProvenanceManual        Provenance = "manual"
	ProvenanceEmail         Provenance = "email"
	ProvenanceAIExtracted   Provenance = "ai_extracted"
	ProvenanceXML           Provenance = "xml"
	ProvenanceBankStatement Provenance = "bank_statement"
)

// String returns the string representation of Provenance
func (p Provenance) String() string {
	return string(p)
}

// IsValid checks if the provenance is valid
func (p Provenance) IsValid() bool {
	switch p {
	case ProvenanceManual, ProvenanceEmail, ProvenanceAIExtracted, ProvenanceXML, ProvenanceBankStatement:
		return true
	}
	return false
}

// Rank returns the confidence ranking of the provenance. Higher values win
// field merges: bank_statement > xml > ai_extracted > email > manual.
func (p Provenance) Rank() int {
	switch p {
	case ProvenanceBankStatement:
		return 4
	case ProvenanceXML:
		return 3
	case ProvenanceAIExtracted:
		return 2
	case ProvenanceEmail:
		return 1
	case ProvenanceManual:
		return 0
	default:
		return -1
	}
}

// IsAuthoritative reports whether documents of this provenance clear the
// provisional flag when merged.
func (p Provenance) IsAuthoritative() bool {
	return p == ProvenanceXML || p == ProvenanceBankStatement
}

// PaymentMethod identifies how a document was (or is expected to be) settled.
type PaymentMethod string

const (
	PaymentCash         PaymentMethod = "cash"
	PaymentBankTransfer PaymentMethod = "bank_transfer"
	PaymentDirectDebit  PaymentMethod = "direct_debit"
	PaymentCheck        PaymentMethod = "check"
	PaymentUnknown      PaymentMethod = "unknown"
)

// String returns the string representation of PaymentMethod
func (pm PaymentMethod) String() string {
	return string(pm)
}

// IsValid checks if the payment method is valid
func (pm PaymentMethod) IsValid() bool {
	switch pm {
	case PaymentCash, PaymentBankTransfer, PaymentDirectDebit, PaymentCheck, PaymentUnknown:
		return true
	}
	return false
}

// ParsePaymentMethod parses a payment method from string, accepting the
// Italian labels that appear in XML invoices and bank exports.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cash", "cassa", "contanti", "mp01":
		return PaymentCash, nil
	case "bank_transfer", "bonifico", "mp05":
		return PaymentBankTransfer, nil
	case "direct_debit", "rid", "riba", "sdd", "mp12", "mp19":
		return PaymentDirectDebit, nil
	case "check", "assegno", "mp02":
		return PaymentCheck, nil
	case "", "unknown":
		return PaymentUnknown, nil
	default:
		return "", fmt.Errorf("invalid payment method '%s'", s)
	}
}

// SettlementSide identifies which ledger actually settled a document.
type SettlementSide string

const (
	SideCashLedger SettlementSide = "cash"
	SideBankLedger SettlementSide = "bank"
)

// String returns the string representation of SettlementSide
func (s SettlementSide) String() string {
	return string(s)
}

// SideForMethod maps a payment method to the ledger side it settles on.
func SideForMethod(pm PaymentMethod) SettlementSide {
	if pm == PaymentCash {
		return SideCashLedger
	}
	return SideBankLedger
}

// DocumentState is the primary lifecycle state of a ledger document.
type DocumentState string

const (
	StateProvisional DocumentState = "provisional"
	StateConfirmed   DocumentState = "confirmed"
	StateReconciled  DocumentState = "reconciled"
)

// String returns the string representation of DocumentState
func (ds DocumentState) String() string {
	return string(ds)
}

// IsValid checks if the document state is valid
func (ds DocumentState) IsValid() bool {
	return ds == StateProvisional || ds == StateConfirmed || ds == StateReconciled
}

// FineState is the lifecycle state of a traffic fine, which follows its own
// five-step chain on top of the document lifecycle.
type FineState string

const (
	FineDaScaricare     FineState = "da_scaricare"
	FineSalvato         FineState = "salvato"
	FineFatturaRicevuta FineState = "fattura_ricevuta"
	FinePagato          FineState = "pagato"
	FineRiconciliato    FineState = "riconciliato"
)

// String returns the string representation of FineState
func (fs FineState) String() string {
	return string(fs)
}

// IsValid checks if the fine state is valid
func (fs FineState) IsValid() bool {
	switch fs {
	case FineDaScaricare, FineSalvato, FineFatturaRicevuta, FinePagato, FineRiconciliato:
		return true
	}
	return false
}

// InvoiceFields holds the invoice-specific payload of a LedgerDocument.
type InvoiceFields struct {
	Serial string `json:"serial,omitempty"`
}

// CorrispettivoFields holds the daily-cash-register payload. Corrispettivi
// have no serial number; manual entries are keyed by date alone.
type CorrispettivoFields struct {
	RegisterID string `json:"register_id,omitempty"`
}

// MovementFields holds the bank-movement payload.
type MovementFields struct {
	Causale string `json:"causale,omitempty"`
	Account string `json:"account,omitempty"`
}

// FineFields holds the traffic-fine payload. The document header amount is
// the fine amount; the rental company's notice-handling fee is a separate
// invoice document and must never be conflated with it.
type FineFields struct {
	Verbale         string    `json:"verbale"`
	Plate           string    `json:"plate,omitempty"`
	NoticeInvoiceID string    `json:"notice_invoice_id,omitempty"`
	VehicleID       string    `json:"vehicle_id,omitempty"`
	DriverID        string    `json:"driver_id,omitempty"`
	Stage           FineState `json:"stage"`
}

// LedgerDocument is the tagged union shared by invoices, corrispettivi, bank
// movements and traffic fines. Exactly one of the kind payloads is non-nil,
// matching Kind.
type LedgerDocument struct {
	ID           string          `json:"id"`
	Kind         DocumentKind    `json:"kind"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty"`
	TaxID        string          `json:"tax_id,omitempty"`
	DocumentDate time.Time       `json:"document_date"`
	Reference    string          `json:"reference,omitempty"`
	Provenance   Provenance      `json:"provenance"`
	Provisional  bool            `json:"provisional"`
	Locked       bool            `json:"locked"`
	State        DocumentState   `json:"state"`
	Incoherent   bool            `json:"incoherent"`

	PaymentMethod            PaymentMethod `json:"payment_method"`
	PaymentMethodManuallySet bool          `json:"payment_method_manually_set"`

	Invoice       *InvoiceFields       `json:"invoice,omitempty"`
	Corrispettivo *CorrispettivoFields `json:"corrispettivo,omitempty"`
	Movement      *MovementFields      `json:"movement,omitempty"`
	Fine          *FineFields          `json:"fine,omitempty"`
}

// NewDocument creates a LedgerDocument with a generated id, provisional state
// and the provisional flag set according to provenance.
func NewDocument(kind DocumentKind, amount decimal.Decimal, counterparty string, date time.Time, provenance Provenance) *LedgerDocument {
	return &LedgerDocument{
		ID:            NewID(),
		Kind:          kind,
		Amount:        amount,
		Counterparty:  counterparty,
		DocumentDate:  date,
		Provenance:    provenance,
		Provisional:   !provenance.IsAuthoritative(),
		State:         StateProvisional,
		PaymentMethod: PaymentUnknown,
	}
}

// Validate performs basic validation on the LedgerDocument
func (d *LedgerDocument) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("document id cannot be empty")
	}

	if !d.Kind.IsValid() {
		return fmt.Errorf("invalid document kind: %s", d.Kind)
	}

	if !d.Provenance.IsValid() {
		return fmt.Errorf("invalid provenance: %s", d.Provenance)
	}

	if !d.State.IsValid() {
		return fmt.Errorf("invalid document state: %s", d.State)
	}

	if d.Amount.IsNegative() && d.Kind != KindBankMovement {
		return fmt.Errorf("amount cannot be negative for %s documents", d.Kind)
	}

	if d.DocumentDate.IsZero() {
		return fmt.Errorf("document date cannot be zero")
	}

	switch d.Kind {
	case KindBankMovement:
		if d.Movement == nil {
			return fmt.Errorf("bank movement payload is required")
		}
	case KindTrafficFine:
		if d.Fine == nil {
			return fmt.Errorf("traffic fine payload is required")
		}
		if strings.TrimSpace(d.Fine.Verbale) == "" {
			return fmt.Errorf("traffic fine verbale number cannot be empty")
		}
		if !d.Fine.Stage.IsValid() {
			return fmt.Errorf("invalid fine stage: %s", d.Fine.Stage)
		}
	}

	return nil
}

// String returns a string representation of the LedgerDocument
func (d *LedgerDocument) String() string {
	return fmt.Sprintf("LedgerDocument{ID: %s, Kind: %s, Amount: %s, Counterparty: %s, State: %s, Provenance: %s}",
		d.ID, d.Kind, d.Amount.StringFixed(2), d.Counterparty, d.State, d.Provenance)
}

// Clone returns a deep copy of the document.
func (d *LedgerDocument) Clone() *LedgerDocument {
	if d == nil {
		return nil
	}

	cp := *d
	if d.Invoice != nil {
		inv := *d.Invoice
		cp.Invoice = &inv
	}
	if d.Corrispettivo != nil {
		cor := *d.Corrispettivo
		cp.Corrispettivo = &cor
	}
	if d.Movement != nil {
		mov := *d.Movement
		cp.Movement = &mov
	}
	if d.Fine != nil {
		fine := *d.Fine
		cp.Fine = &fine
	}
	return &cp
}

// MergeKey returns the identity key used to decide whether two documents
// describe the same real-world record: (tax id, reference) for invoices,
// date only for corrispettivi, and the verbale number for fines.
func (d *LedgerDocument) MergeKey() string {
	switch d.Kind {
	case KindInvoice:
		return fmt.Sprintf("invoice|%s|%s", strings.ToUpper(strings.TrimSpace(d.TaxID)), strings.ToUpper(strings.TrimSpace(d.Reference)))
	case KindCorrispettivo:
		return fmt.Sprintf("corrispettivo|%s", d.DocumentDate.Format("2006-01-02"))
	case KindTrafficFine:
		return fmt.Sprintf("fine|%s", strings.ToUpper(strings.TrimSpace(d.Fine.Verbale)))
	default:
		return fmt.Sprintf("%s|%s|%s|%s", d.Kind, strings.ToUpper(strings.TrimSpace(d.Reference)),
			d.Amount.StringFixed(2), d.DocumentDate.Format("2006-01-02"))
	}
}

// IsOpen reports whether the document is still awaiting settlement evidence
// and therefore belongs in the matcher's candidate pool.
func (d *LedgerDocument) IsOpen() bool {
	return d.State != StateReconciled && d.Kind != KindBankMovement
}

// SettlementSide returns the ledger side implied by the document's current
// payment method.
func (d *LedgerDocument) SettlementSide() SettlementSide {
	return SideForMethod(d.PaymentMethod)
}

// MatchCriterion names one of the fields a reconciliation was matched on.
type MatchCriterion string

const (
	MatchedOnAmount      MatchCriterion = "amount"
	MatchedOnBeneficiary MatchCriterion = "beneficiary"
	MatchedOnReference   MatchCriterion = "reference"
	MatchedOnDate        MatchCriterion = "date"
)

// SettlementLink records which cash- or bank-ledger entry settled a document.
// When present it is the authoritative source for the settlement method; the
// document's payment_method field is the fallback for unsettled records.
// A link is never silently deleted: undoing one requires a storno entry.
type SettlementLink struct {
	ID         string          `json:"id"`
	DocumentID string          `json:"document_id"`
	MovementID string          `json:"movement_id"`
	EntryID    string          `json:"entry_id,omitempty"`
	Side       SettlementSide  `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	SettledOn  time.Time       `json:"settled_on"`
	CreatedAt  time.Time       `json:"created_at"`
}

// DedupKey identifies a settlement for idempotent re-imports.
func (sl *SettlementLink) DedupKey() string {
	return sl.DocumentID + "|" + sl.MovementID
}

// ReconciliationRecord is the append-only join entity between a document and
// the counterpart movement that settled it.
type ReconciliationRecord struct {
	ID                    string           `json:"id"`
	DocumentID            string           `json:"document_id"`
	CounterpartMovementID string           `json:"counterpart_movement_id,omitempty"`
	MatchedOn             []MatchCriterion `json:"matched_on,omitempty"`
	Confidence            float64          `json:"confidence"`
	State                 DocumentState    `json:"state"`
	Forced                bool             `json:"forced"`
	ForcedReason          string           `json:"forced_reason,omitempty"`
	Timestamp             time.Time        `json:"timestamp"`
}

// Validate performs basic validation on the ReconciliationRecord
func (rr *ReconciliationRecord) Validate() error {
	if strings.TrimSpace(rr.DocumentID) == "" {
		return fmt.Errorf("reconciliation record document id cannot be empty")
	}

	if !rr.State.IsValid() {
		return fmt.Errorf("invalid reconciliation record state: %s", rr.State)
	}

	if rr.Forced && strings.TrimSpace(rr.ForcedReason) == "" {
		return fmt.Errorf("forced reconciliation record requires a reason")
	}

	return nil
}

// Severity grades a detected discrepancy.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// String returns the string representation of Severity
func (s Severity) String() string {
	return string(s)
}

// Discrepancy is a categorized finding produced by the incoherence detector
// or by a refused merge. It reports, never corrects.
type Discrepancy struct {
	Category        string    `json:"category"`
	Subcategory     string    `json:"subcategory,omitempty"`
	Severity        Severity  `json:"severity"`
	DocumentID      string    `json:"document_id,omitempty"`
	ExpectedValue   string    `json:"expected_value"`
	FoundValue      string    `json:"found_value"`
	Period          string    `json:"period"`
	SuggestedAction string    `json:"suggested_action"`
	DetectedAt      time.Time `json:"detected_at"`
}

// String returns a string representation of the Discrepancy
func (d *Discrepancy) String() string {
	return fmt.Sprintf("Discrepancy{%s/%s %s doc=%s expected=%s found=%s}",
		d.Category, d.Subcategory, d.Severity, d.DocumentID, d.ExpectedValue, d.FoundValue)
}

// EntrySide is the double-entry side of a ledger line.
type EntrySide string

const (
	SideDare  EntrySide = "DARE"
	SideAvere EntrySide = "AVERE"
)

// String returns the string representation of EntrySide
func (es EntrySide) String() string {
	return string(es)
}

// IsValid checks if the entry side is valid
func (es EntrySide) IsValid() bool {
	return es == SideDare || es == SideAvere
}

// Opposite returns the opposing side, used for storno entries.
func (es EntrySide) Opposite() EntrySide {
	if es == SideDare {
		return SideAvere
	}
	return SideDare
}

// LedgerEntry is one immutable double-entry line. DocumentDate is always the
// source document's date, never the ingestion date.
type LedgerEntry struct {
	ID               string          `json:"id"`
	AccountCode      string          `json:"account_code"`
	Side             EntrySide       `json:"side"`
	Amount           decimal.Decimal `json:"amount"`
	DocumentDate     time.Time       `json:"document_date"`
	SourceDocumentID string          `json:"source_document_id"`
	ReversalOfID     string          `json:"reversal_of_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Validate performs basic validation on the LedgerEntry
func (le *LedgerEntry) Validate() error {
	if strings.TrimSpace(le.AccountCode) == "" {
		return fmt.Errorf("ledger entry account code cannot be empty")
	}

	if !le.Side.IsValid() {
		return fmt.Errorf("invalid ledger entry side: %s", le.Side)
	}

	if le.Amount.IsNegative() || le.Amount.IsZero() {
		return fmt.Errorf("ledger entry amount must be positive, got %s", le.Amount.StringFixed(2))
	}

	if le.DocumentDate.IsZero() {
		return fmt.Errorf("ledger entry document date cannot be zero")
	}

	if strings.TrimSpace(le.SourceDocumentID) == "" {
		return fmt.Errorf("ledger entry source document id cannot be empty")
	}

	return nil
}

// String returns a string representation of the LedgerEntry
func (le *LedgerEntry) String() string {
	return fmt.Sprintf("LedgerEntry{ID: %s, Account: %s, Side: %s, Amount: %s, Date: %s}",
		le.ID, le.AccountCode, le.Side, le.Amount.StringFixed(2), le.DocumentDate.Format("2006-01-02"))
}

// AuditEntry records a forced override against a locked document.
type AuditEntry struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Reason     string    `json:"reason"`
	Actor      string    `json:"actor,omitempty"`
	Change     string    `json:"change"`
	Timestamp  time.Time `json:"timestamp"`
}

// BalanceTolerance is the permitted DARE/AVERE imbalance on any committed
// operation.
var BalanceTolerance = decimal.NewFromFloat(0.01)

// minMatchTolerance is the absolute floor of the amount matching tolerance.
var minMatchTolerance = decimal.NewFromInt(1)

// MatchTolerance returns the amount matching tolerance for a given amount:
// max(€1, 1% of the amount).
func MatchTolerance(amount decimal.Decimal) decimal.Decimal {
	pct := amount.Abs().Mul(decimal.NewFromFloat(0.01))
	if pct.LessThan(minMatchTolerance) {
		return minMatchTolerance
	}
	return pct
}

// WithinMatchTolerance reports whether two amounts match within the
// tolerance derived from the first.
func WithinMatchTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(MatchTolerance(a))
}

// CompareAmountsWithTolerance compares two decimal amounts with an explicit
// tolerance.
func CompareAmountsWithTolerance(a, b, tolerance decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tolerance)
}

// PeriodOf formats a date as the month period used by discrepancy queries.
func PeriodOf(t time.Time) string {
	return t.Format("2006-01")
}

// NewID generates a unique identifier for records created by the engine.
func NewID() string {
	return uuid.NewString()
}
