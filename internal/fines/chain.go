// Package fines implements the traffic-fine reconciliation chain: a
// five-stage lifecycle layered on top of the document state machine, linking
// the fine notice, the rental company's notice-fee invoice, the vehicle and
// the driver. The fine amount and the notice fee stay separate monetary
// facts throughout.
package fines

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/lifecycle"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// stageOrder fixes the forward direction of the chain. Payment may arrive
// before the notice invoice, so fattura_ricevuta is skippable on the way to
// pagato; riconciliato is never skippable.
var stageOrder = map[models.FineState]int{
	models.FineDaScaricare:     0,
	models.FineSalvato:         1,
	models.FineFatturaRicevuta: 2,
	models.FinePagato:          3,
	models.FineRiconciliato:    4,
}

// Chain drives fine documents through the five stages.
type Chain struct {
	store    *store.Store
	registry *Registry
	machine  *lifecycle.Machine
	log      logger.Logger
}

// NewChain creates a chain over the given store and vehicle registry.
func NewChain(st *store.Store, registry *Registry, machine *lifecycle.Machine, log logger.Logger) *Chain {
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Chain{
		store:    st,
		registry: registry,
		machine:  machine,
		log:      log.WithComponent("fines"),
	}
}

// AttributionResult describes a driver-attribution attempt. When NeedsManualLink
// is set, the chain stops at pagato and waits for LinkDriver to be called.
type AttributionResult struct {
	Fine            *models.LedgerDocument `json:"fine"`
	VehicleID       string                 `json:"vehicle_id,omitempty"`
	DriverID        string                 `json:"driver_id,omitempty"`
	NeedsManualLink bool                   `json:"needs_manual_link"`
	Reason          string                 `json:"reason,omitempty"`
}

// FineByVerbale returns the fine document carrying the given verbale number.
func (c *Chain) FineByVerbale(verbale string) (*models.LedgerDocument, bool) {
	probe := &models.LedgerDocument{
		Kind: models.KindTrafficFine,
		Fine: &models.FineFields{Verbale: verbale},
	}
	return c.store.FindByMergeKey(probe.MergeKey())
}

// MarkDownloaded records that the fine's full record was retrieved from the
// issuing authority: da_scaricare becomes salvato.
func (c *Chain) MarkDownloaded(fineID string) (*models.LedgerDocument, error) {
	return c.advance(fineID, models.FineSalvato, "fine record downloaded")
}

// AttachNotice links a rental company notice-fee invoice to its fine (the
// invoice-first path). The fine's identifiers are extracted from the invoice
// free text; if no fine with that verbale exists yet, a placeholder in stage
// da_scaricare is created so the original notice can be retrieved later. The
// invoice keeps its own amount, which is the handling fee, not the fine.
func (c *Chain) AttachNotice(invoice *models.LedgerDocument, noticeText string) (*models.LedgerDocument, error) {
	if invoice.Kind != models.KindInvoice {
		return nil, errors.ValidationError(errors.CodeInvalidData, "kind", string(invoice.Kind),
			fmt.Errorf("only invoices can be attached as fine notices"))
	}

	ref := ExtractNoticeReference(noticeText)
	if ref.Verbale == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "verbale", noticeText,
			fmt.Errorf("no verbale number found in notice text"))
	}

	log := c.log.WithFields(logger.Fields{
		"invoice_id": invoice.ID,
		"verbale":    ref.Verbale,
	})

	fine, found := c.FineByVerbale(ref.Verbale)
	if !found {
		// The fine amount is unknown until the original notice is pulled;
		// the invoice amount is the handling fee and must not leak in.
		fine = models.NewDocument(models.KindTrafficFine, decimal.Zero,
			invoice.Counterparty, invoice.DocumentDate, invoice.Provenance)
		fine.Reference = ref.Verbale
		fine.Fine = &models.FineFields{
			Verbale: ref.Verbale,
			Plate:   ref.Plate,
			Stage:   models.FineDaScaricare,
		}
		if err := c.store.PutDocument(fine); err != nil {
			return nil, err
		}
		log.WithField("fine_id", fine.ID).Info("Created placeholder fine from notice invoice")
	}

	err := c.store.WithDocument(fine.ID, func() error {
		doc, version, err := c.store.GetDocument(fine.ID)
		if err != nil {
			return err
		}

		doc.Fine.NoticeInvoiceID = invoice.ID
		if doc.Fine.Plate == "" && ref.Plate != "" {
			doc.Fine.Plate = ref.Plate
		}
		// Payment-first path: the notice arriving after payment does not
		// move the stage backwards.
		if stageOrder[doc.Fine.Stage] < stageOrder[models.FineFatturaRicevuta] {
			doc.Fine.Stage = models.FineFatturaRicevuta
		}

		if err := c.store.UpdateDocument(doc, version); err != nil {
			return err
		}

		// Payment-first path: the document is already reconciled and locked,
		// so the late notice link leaves an audit trail like any other
		// post-lock mutation.
		if doc.Locked {
			c.store.AppendAudit(&models.AuditEntry{
				ID:         models.NewID(),
				DocumentID: doc.ID,
				Reason:     "notice invoice linked after payment",
				Change:     fmt.Sprintf("notice_invoice=%s, plate=%s", invoice.ID, doc.Fine.Plate),
				Timestamp:  time.Now(),
			})
		}

		fine = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.WithFields(logger.Fields{
		"fine_id": fine.ID,
		"stage":   fine.Fine.Stage.String(),
		"plate":   fine.Fine.Plate,
	}).Info("Notice invoice attached to fine")

	return fine, nil
}

// RecordPayment settles the fine against its payment evidence. The document
// is reconciled and locked; the chain stage becomes pagato. Full chain
// reconciliation still requires Resolve.
func (c *Chain) RecordPayment(fineID string, settlement lifecycle.Settlement) (*models.LedgerDocument, error) {
	fine, _, err := c.store.GetDocument(fineID)
	if err != nil {
		return nil, err
	}
	if fine.Kind != models.KindTrafficFine {
		return nil, errors.ValidationError(errors.CodeInvalidData, "kind", string(fine.Kind),
			fmt.Errorf("document %s is not a traffic fine", fineID))
	}
	if fine.Fine.Stage == models.FineRiconciliato {
		return nil, errors.IllegalTransition(fineID, fine.Fine.Stage.String(), models.FinePagato.String())
	}

	if _, err := c.machine.Reconcile(fineID, settlement); err != nil {
		return nil, err
	}

	return c.advance(fineID, models.FinePagato, "fine payment recorded")
}

// Resolve attempts full reconciliation: verbale and plate resolved, vehicle
// looked up by plate, driver taken from the assignment active at the fine's
// date. Exactly one active driver is required; anything else is surfaced for
// manual linking instead of guessed.
func (c *Chain) Resolve(fineID string) (*AttributionResult, error) {
	fine, _, err := c.store.GetDocument(fineID)
	if err != nil {
		return nil, err
	}
	if fine.Kind != models.KindTrafficFine {
		return nil, errors.ValidationError(errors.CodeInvalidData, "kind", string(fine.Kind),
			fmt.Errorf("document %s is not a traffic fine", fineID))
	}

	if fine.Fine.Stage != models.FinePagato {
		return nil, errors.IllegalTransition(fineID, fine.Fine.Stage.String(), models.FineRiconciliato.String())
	}
	if fine.Fine.NoticeInvoiceID == "" {
		return c.manual(fine, "", "no notice invoice linked yet"), nil
	}
	if fine.Fine.Plate == "" {
		return c.manual(fine, "", "no plate could be extracted from the notice"), nil
	}

	vehicle, ok := c.registry.VehicleByPlate(fine.Fine.Plate)
	if !ok {
		return c.manual(fine, "", fmt.Sprintf("plate %s is not in the vehicle registry", fine.Fine.Plate)), nil
	}

	drivers := c.registry.DriversAt(vehicle.ID, fine.DocumentDate)
	switch len(drivers) {
	case 0:
		return c.manual(fine, vehicle.ID,
			fmt.Sprintf("no driver assigned to vehicle %s on %s", vehicle.ID, fine.DocumentDate.Format("2006-01-02"))), nil
	case 1:
	default:
		return c.manual(fine, vehicle.ID,
			fmt.Sprintf("%d drivers assigned to vehicle %s on %s", len(drivers), vehicle.ID, fine.DocumentDate.Format("2006-01-02"))), nil
	}

	updated, err := c.complete(fineID, vehicle.ID, drivers[0], "driver attribution resolved from assignment records")
	if err != nil {
		return nil, err
	}

	return &AttributionResult{
		Fine:      updated,
		VehicleID: vehicle.ID,
		DriverID:  drivers[0],
	}, nil
}

// LinkDriver manually completes an attribution the registry could not decide.
func (c *Chain) LinkDriver(fineID, vehicleID, driverID string) (*models.LedgerDocument, error) {
	if driverID == "" {
		return nil, errors.ValidationError(errors.CodeMissingField, "driver_id", driverID, nil)
	}

	fine, _, err := c.store.GetDocument(fineID)
	if err != nil {
		return nil, err
	}
	if fine.Kind != models.KindTrafficFine || fine.Fine.Stage != models.FinePagato {
		return nil, errors.IllegalTransition(fineID, fine.Fine.Stage.String(), models.FineRiconciliato.String())
	}

	return c.complete(fineID, vehicleID, driverID, "driver linked manually")
}

// complete writes the attribution and moves the fine to riconciliato.
func (c *Chain) complete(fineID, vehicleID, driverID, reason string) (*models.LedgerDocument, error) {
	var updated *models.LedgerDocument

	err := c.store.WithDocument(fineID, func() error {
		doc, version, err := c.store.GetDocument(fineID)
		if err != nil {
			return err
		}

		doc.Fine.VehicleID = vehicleID
		doc.Fine.DriverID = driverID
		doc.Fine.Stage = models.FineRiconciliato

		if err := c.store.UpdateDocument(doc, version); err != nil {
			return err
		}

		c.store.AppendAudit(&models.AuditEntry{
			ID:         models.NewID(),
			DocumentID: fineID,
			Reason:     reason,
			Change:     fmt.Sprintf("stage %s -> %s, vehicle=%s, driver=%s", models.FinePagato, models.FineRiconciliato, vehicleID, driverID),
			Timestamp:  time.Now(),
		})

		updated = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logger.Fields{
		"fine_id":   fineID,
		"vehicle":   vehicleID,
		"driver":    driverID,
		"new_stage": models.FineRiconciliato.String(),
	}).Info("Fine fully reconciled")

	return updated, nil
}

// advance moves a fine forward to the target stage, rejecting backward moves
// and jumps past riconciliato.
func (c *Chain) advance(fineID string, to models.FineState, note string) (*models.LedgerDocument, error) {
	var updated *models.LedgerDocument

	err := c.store.WithDocument(fineID, func() error {
		doc, version, err := c.store.GetDocument(fineID)
		if err != nil {
			return err
		}
		if doc.Kind != models.KindTrafficFine {
			return errors.ValidationError(errors.CodeInvalidData, "kind", string(doc.Kind),
				fmt.Errorf("document %s is not a traffic fine", fineID))
		}

		from := doc.Fine.Stage
		if from == to {
			updated = doc
			return nil
		}
		if stageOrder[to] < stageOrder[from] || to == models.FineRiconciliato {
			return errors.IllegalTransition(fineID, from.String(), to.String())
		}

		doc.Fine.Stage = to
		if err := c.store.UpdateDocument(doc, version); err != nil {
			return err
		}

		c.store.AppendAudit(&models.AuditEntry{
			ID:         models.NewID(),
			DocumentID: fineID,
			Reason:     note,
			Change:     fmt.Sprintf("stage %s -> %s", from, to),
			Timestamp:  time.Now(),
		})

		updated = doc
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.WithFields(logger.Fields{
		"fine_id":   fineID,
		"new_stage": to.String(),
	}).Debug("Fine stage advanced")

	return updated, nil
}

// manual records the pending-attribution outcome so it shows up in review.
func (c *Chain) manual(fine *models.LedgerDocument, vehicleID, reason string) *AttributionResult {
	c.log.WithFields(logger.Fields{
		"fine_id": fine.ID,
		"verbale": fine.Fine.Verbale,
		"reason":  reason,
	}).Warn("Driver attribution needs manual linking")

	return &AttributionResult{
		Fine:            fine,
		VehicleID:       vehicleID,
		NeedsManualLink: true,
		Reason:          reason,
	}
}
