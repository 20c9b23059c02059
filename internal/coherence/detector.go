// Package coherence implements the incoherence detector: cross-checking
// reconciled state against the authoritative bank statement on every import
// and on demand. The detector is strictly read-only; it reports categorized
// discrepancies and never corrects anything itself.
package coherence

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/matcher"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/logger"
)

// Discrepancy categories reported by the detector.
const (
	CategoryMetodo  = "INCOERENZA_METODO"
	CategoryImporto = "INCOERENZA_IMPORTO"
	CategoryStato   = "INCOERENZA_STATO"
)

// DetectorConfig holds the detector's thresholds.
type DetectorConfig struct {
	// CriticalDeltaPercent is the amount delta (relative to the document
	// amount) above which an amount incoherence is critical.
	CriticalDeltaPercent float64 `json:"critical_delta_percent"`

	// Matching is the profile used to decide whether a statement movement
	// refers to a document.
	Matching *matcher.MatchingConfig `json:"matching"`
}

// DefaultDetectorConfig returns the standard thresholds: 5% for critical
// amount deltas, default matching profile.
func DefaultDetectorConfig() *DetectorConfig {
	return &DetectorConfig{
		CriticalDeltaPercent: 5.0,
		Matching:             matcher.DefaultMatchingConfig(),
	}
}

// Validate checks if the detector configuration is valid
func (dc *DetectorConfig) Validate() error {
	if dc.CriticalDeltaPercent <= 0.0 {
		return fmt.Errorf("critical delta percent must be positive: %f", dc.CriticalDeltaPercent)
	}
	return dc.Matching.Validate()
}

// Detector cross-checks documents against statement evidence.
type Detector struct {
	store  *store.Store
	config *DetectorConfig
	log    logger.Logger
}

// New creates a detector over the given store.
func New(st *store.Store, config *DetectorConfig, log logger.Logger) *Detector {
	if config == nil {
		config = DefaultDetectorConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Detector{
		store:  st,
		config: config,
		log:    log.WithComponent("coherence"),
	}
}

// CheckStatement runs the detector against a freshly imported batch of bank
// movements. Findings are returned; recording them is the caller's choice.
func (d *Detector) CheckStatement(movements []*models.LedgerDocument) []*models.Discrepancy {
	pool := d.store.Snapshot(func(doc *models.LedgerDocument) bool {
		return doc.Kind != models.KindBankMovement &&
			(doc.State == models.StateConfirmed || doc.State == models.StateReconciled)
	})

	engine := matcher.NewEngine(d.config.Matching, pool)

	var findings []*models.Discrepancy
	for _, movement := range movements {
		for _, result := range engine.Match(movement) {
			findings = append(findings, d.checkPair(movement, result.Document)...)
		}
	}

	d.log.WithFields(logger.Fields{
		"movements": len(movements),
		"findings":  len(findings),
	}).Info("Statement coherence check completed")

	return findings
}

// CheckAll runs the on-demand scan over every settled document, comparing
// settlement links against document state without new statement input.
func (d *Detector) CheckAll() []*models.Discrepancy {
	settled := d.store.Snapshot(func(doc *models.LedgerDocument) bool {
		return doc.State == models.StateReconciled
	})

	var findings []*models.Discrepancy
	for _, doc := range settled {
		for _, link := range d.store.SettlementsFor(doc.ID) {
			findings = append(findings, d.checkSettledAmount(doc, link)...)
			findings = append(findings, d.checkSettledMethod(doc, link)...)
		}
	}

	d.log.WithField("findings", len(findings)).Info("Full coherence check completed")
	return findings
}

// checkPair inspects one (statement movement, document) match.
func (d *Detector) checkPair(movement, doc *models.LedgerDocument) []*models.Discrepancy {
	var findings []*models.Discrepancy

	if doc.State != models.StateReconciled {
		// Document is marked unpaid yet the authoritative statement shows
		// a matching payment. Report-only: the flip to confirmed stays a
		// human decision.
		findings = append(findings, d.finding(CategoryStato, "unpaid_with_movement", models.SeverityWarning, doc,
			models.StateReconciled.String(), doc.State.String(),
			fmt.Sprintf("movement %s appears to settle this document; confirm and reconcile it", movement.ID)))
		return findings
	}

	links := d.store.SettlementsFor(doc.ID)
	for _, link := range links {
		if link.MovementID == movement.ID {
			continue // this very movement settled it, nothing to check
		}

		if link.Side == models.SideCashLedger {
			// Settled through the cash ledger, yet the bank statement
			// carries the payment.
			severity := models.SeverityWarning
			if doc.Locked {
				severity = models.SeverityCritical
			}
			findings = append(findings, d.finding(CategoryMetodo, "cash_settled_bank_paid", severity, doc,
				models.SideBankLedger.String(), link.Side.String(),
				"the bank statement shows this payment; review the settlement method and correct via forced override"))
			continue
		}

		// Settled from the bank ledger but by a different movement: the
		// beneficiary was paid from another account.
		severity := models.SeverityWarning
		if doc.Locked {
			severity = models.SeverityCritical
		}
		findings = append(findings, d.finding(CategoryMetodo, "different_account", severity, doc,
			link.MovementID, movement.ID,
			"a newly imported statement shows this beneficiary paid from a different account; verify which movement is the real settlement"))
	}

	return findings
}

// checkSettledAmount compares a settlement link amount to its document.
func (d *Detector) checkSettledAmount(doc *models.LedgerDocument, link *models.SettlementLink) []*models.Discrepancy {
	if models.WithinMatchTolerance(doc.Amount, link.Amount) {
		return nil
	}

	delta := doc.Amount.Abs().Sub(link.Amount.Abs()).Abs()
	return []*models.Discrepancy{d.finding(CategoryImporto, "settled_amount_differs",
		d.amountSeverity(doc.Amount, delta), doc,
		doc.Amount.StringFixed(2), link.Amount.StringFixed(2),
		"the settled amount differs from the document amount; check for partial payment or data entry error")}
}

// checkSettledMethod compares the document's recorded method to the side the
// settlement actually went through.
func (d *Detector) checkSettledMethod(doc *models.LedgerDocument, link *models.SettlementLink) []*models.Discrepancy {
	if doc.PaymentMethod == models.PaymentUnknown {
		return nil
	}
	if doc.SettlementSide() == link.Side {
		return nil
	}

	severity := models.SeverityWarning
	if doc.Locked {
		severity = models.SeverityCritical
	}
	return []*models.Discrepancy{d.finding(CategoryMetodo, "method_side_mismatch", severity, doc,
		doc.SettlementSide().String(), link.Side.String(),
		fmt.Sprintf("document says %s but the settlement went through the %s ledger; correct the method via forced override",
			doc.PaymentMethod, link.Side))}
}

func (d *Detector) amountSeverity(amount, delta decimal.Decimal) models.Severity {
	if amount.IsZero() {
		return models.SeverityCritical
	}

	threshold := amount.Abs().Mul(decimal.NewFromFloat(d.config.CriticalDeltaPercent / 100.0))
	if delta.GreaterThan(threshold) {
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

func (d *Detector) finding(category, subcategory string, severity models.Severity, doc *models.LedgerDocument, expected, found, action string) *models.Discrepancy {
	return &models.Discrepancy{
		Category:        category,
		Subcategory:     subcategory,
		Severity:        severity,
		DocumentID:      doc.ID,
		ExpectedValue:   expected,
		FoundValue:      found,
		Period:          models.PeriodOf(doc.DocumentDate),
		SuggestedAction: action,
		DetectedAt:      time.Now(),
	}
}
