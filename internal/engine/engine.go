// Package engine orchestrates the full reconciliation pass over an import
// batch: merge incoming documents through the source-priority resolver, score
// bank movements against the open-document pool, commit settlements through
// the state machine and the double-entry validator, then run the incoherence
// detector. Scoring runs in parallel over a snapshot; commits are serialized
// per document.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/coherence"
	"ledger-reconciliation-engine/internal/fines"
	"ledger-reconciliation-engine/internal/ledger"
	"ledger-reconciliation-engine/internal/lifecycle"
	"ledger-reconciliation-engine/internal/matcher"
	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/internal/resolver"
	"ledger-reconciliation-engine/internal/store"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// Engine wires the reconciliation components over a shared store.
type Engine struct {
	store     *store.Store
	resolver  *resolver.Resolver
	machine   *lifecycle.Machine
	validator *ledger.Validator
	detector  *coherence.Detector
	chain     *fines.Chain
	config    *Config
	log       logger.Logger

	mu     sync.Mutex
	review []*ReviewItem
}

// Config holds configuration options for the engine
type Config struct {
	// Matching is the profile used to score movements against documents.
	Matching *matcher.MatchingConfig

	// MatchWorkers bounds the parallel scoring goroutines.
	MatchWorkers int

	// PostLedgerEntries controls whether each committed settlement also
	// posts a balanced DARE/AVERE operation.
	PostLedgerEntries bool

	// LearnMethods controls whether reconciliation updates the
	// counterparty default payment-method book.
	LearnMethods bool

	// ProgressReporting enables the periodic batch progress log.
	ProgressReporting bool
}

// DefaultConfig returns a default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Matching:          matcher.DefaultMatchingConfig(),
		MatchWorkers:      4,
		PostLedgerEntries: true,
		LearnMethods:      true,
		ProgressReporting: false,
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.MatchWorkers <= 0 {
		return fmt.Errorf("match workers must be positive, got %d", c.MatchWorkers)
	}
	if c.Matching == nil {
		return fmt.Errorf("matching configuration is required")
	}
	return c.Matching.Validate()
}

// New creates an engine over the given store and vehicle registry.
func New(st *store.Store, registry *fines.Registry, config *Config, log logger.Logger) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "engine", fmt.Sprintf("%v", err), err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	machine := lifecycle.New(st, log)

	return &Engine{
		store:     st,
		resolver:  resolver.New(st, log),
		machine:   machine,
		validator: ledger.New(st, log),
		detector: coherence.New(st, &coherence.DetectorConfig{
			CriticalDeltaPercent: 5.0,
			Matching:             config.Matching,
		}, log),
		chain:  fines.NewChain(st, registry, machine, log),
		config: config,
		log:    log.WithComponent("engine"),
	}, nil
}

// Store exposes the underlying document store.
func (e *Engine) Store() *store.Store { return e.store }

// Fines exposes the traffic-fine chain for manual linking operations.
func (e *Engine) Fines() *fines.Chain { return e.chain }

// BatchDocument pairs a typed document with the free text it was parsed
// from. The text is what fine-notice extraction runs over.
type BatchDocument struct {
	Document *models.LedgerDocument `json:"document"`
	RawText  string                 `json:"raw_text,omitempty"`
}

// Batch is the unit of work: one statement import, one XML drop, one email
// scan. Documents and movements may both be empty but not together.
type Batch struct {
	Name      string
	Documents []*BatchDocument
	Movements []*models.LedgerDocument
}

// Validate validates the batch
func (b *Batch) Validate() error {
	if len(b.Documents) == 0 && len(b.Movements) == 0 {
		return fmt.Errorf("batch is empty")
	}
	for i, bd := range b.Documents {
		if bd.Document == nil {
			return fmt.Errorf("batch document %d has no document", i)
		}
		if bd.Document.Kind == models.KindBankMovement {
			return fmt.Errorf("batch document %d is a bank movement, pass it in Movements", i)
		}
	}
	for i, m := range b.Movements {
		if m.Kind != models.KindBankMovement {
			return fmt.Errorf("batch movement %d is a %s, not a bank movement", i, m.Kind)
		}
	}
	return nil
}

// ReviewItem is a movement the matcher could not settle automatically.
type ReviewItem struct {
	Movement     *models.LedgerDocument `json:"movement"`
	Reason       string                 `json:"reason"`
	CandidateIDs []string               `json:"candidate_ids,omitempty"`
	QueuedAt     time.Time              `json:"queued_at"`
}

// BatchResult summarizes one import pass.
type BatchResult struct {
	Summary       *ResultSummary         `json:"summary"`
	Reconciled    []*models.ReconciliationRecord `json:"reconciled,omitempty"`
	Review        []*ReviewItem          `json:"review,omitempty"`
	Discrepancies []*models.Discrepancy  `json:"discrepancies,omitempty"`
	ProcessedAt   time.Time              `json:"processed_at"`
}

// ResultSummary provides a high-level overview of a batch import.
type ResultSummary struct {
	DocumentsCreated int `json:"documents_created"`
	DocumentsMerged  int `json:"documents_merged"`
	MergeConflicts   int `json:"merge_conflicts"`

	TotalMovements   int `json:"total_movements"`
	Reconciled       int `json:"reconciled"`
	AlreadySettled   int `json:"already_settled"`
	Unmatched        int `json:"unmatched"`
	Ambiguous        int `json:"ambiguous"`

	TotalSettledAmount decimal.Decimal `json:"total_settled_amount"`
	LedgerEntriesPosted int            `json:"ledger_entries_posted"`
	CoherenceFindings   int            `json:"coherence_findings"`

	ProcessingDuration time.Duration `json:"processing_duration"`
}

// scoredMovement is one worker's output: the movement with its match verdict.
type scoredMovement struct {
	movement *models.LedgerDocument
	best     *matcher.MatchResult
	err      error
}

// ImportBatch runs the complete pass over a batch. The returned result
// contains the batch summary, the new review items and the coherence
// findings recorded during this pass.
func (e *Engine) ImportBatch(ctx context.Context, batch *Batch) (*BatchResult, error) {
	if err := batch.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "batch", batch.Name, err)
	}

	startTime := time.Now()
	result := &BatchResult{
		Summary:     &ResultSummary{TotalMovements: len(batch.Movements)},
		ProcessedAt: startTime,
	}

	log := e.log.WithField("batch", batch.Name)
	log.WithFields(logger.Fields{
		"documents": len(batch.Documents),
		"movements": len(batch.Movements),
	}).Info("Starting batch import")

	if err := e.mergeDocuments(ctx, batch, result); err != nil {
		return nil, err
	}

	movements, err := e.mergeMovements(ctx, batch, result)
	if err != nil {
		return nil, err
	}

	if len(movements) > 0 {
		if err := e.settleMovements(ctx, batch.Name, movements, result); err != nil {
			return nil, err
		}

		findings := e.detector.CheckStatement(movements)
		for _, f := range findings {
			e.store.AddDiscrepancy(f)
			if f.Severity == models.SeverityCritical {
				if err := e.machine.MarkIncoherent(f.DocumentID, true); err != nil {
					log.WithError(err).WithField("document_id", f.DocumentID).
						Warn("Could not flag incoherent document")
				}
			}
		}
		result.Discrepancies = findings
		result.Summary.CoherenceFindings = len(findings)
	}

	result.Summary.ProcessingDuration = time.Since(startTime)

	log.WithFields(logger.Fields{
		"created":    result.Summary.DocumentsCreated,
		"merged":     result.Summary.DocumentsMerged,
		"reconciled": result.Summary.Reconciled,
		"unmatched":  result.Summary.Unmatched,
		"ambiguous":  result.Summary.Ambiguous,
		"duration":   result.Summary.ProcessingDuration.String(),
	}).Info("Batch import completed")

	return result, nil
}

// mergeDocuments pushes the batch's non-movement documents through the
// source-priority resolver and links fine notices.
func (e *Engine) mergeDocuments(ctx context.Context, batch *Batch, result *BatchResult) error {
	for _, bd := range batch.Documents {
		if err := ctx.Err(); err != nil {
			return errors.InternalError("batch import", err)
		}

		outcome, err := e.resolver.Apply(bd.Document)
		if err != nil {
			if errors.HasCode(err, errors.CodeToleranceExceeded) || errors.HasCode(err, errors.CodeDocumentLocked) {
				result.Summary.MergeConflicts++
				continue
			}
			return err
		}

		if outcome.Created {
			result.Summary.DocumentsCreated++
		} else {
			result.Summary.DocumentsMerged++
		}

		e.linkFineNotice(outcome.Document, bd.RawText)
	}
	return nil
}

// linkFineNotice attaches an invoice to its fine when the invoice text
// carries a verbale number.
func (e *Engine) linkFineNotice(doc *models.LedgerDocument, rawText string) {
	if doc.Kind != models.KindInvoice || rawText == "" {
		return
	}
	if fines.ExtractNoticeReference(rawText).Verbale == "" {
		return
	}

	fine, err := e.chain.AttachNotice(doc, rawText)
	if err != nil {
		e.log.WithError(err).WithField("invoice_id", doc.ID).Warn("Could not attach fine notice")
		return
	}

	// Payment-first path: the notice was the last missing piece, try to
	// finish the chain right away.
	if fine.Fine.Stage == models.FinePagato {
		if _, err := e.chain.Resolve(fine.ID); err != nil {
			e.log.WithError(err).WithField("fine_id", fine.ID).Warn("Fine attribution failed")
		}
	}
}

// mergeMovements stores the batch's bank movements, deduplicating re-imports
// through the merge key.
func (e *Engine) mergeMovements(ctx context.Context, batch *Batch, result *BatchResult) ([]*models.LedgerDocument, error) {
	movements := make([]*models.LedgerDocument, 0, len(batch.Movements))
	for _, m := range batch.Movements {
		if err := ctx.Err(); err != nil {
			return nil, errors.InternalError("batch import", err)
		}

		outcome, err := e.resolver.Apply(m)
		if err != nil {
			return nil, err
		}
		movements = append(movements, outcome.Document)
	}
	return movements, nil
}

// settleMovements scores movements in parallel over a pool snapshot, then
// commits the verdicts serially.
func (e *Engine) settleMovements(ctx context.Context, batchName string, movements []*models.LedgerDocument, result *BatchResult) error {
	// Re-imported statement lines already consumed by a settlement are
	// recognized up front; their documents left the open pool when they
	// were reconciled, so scoring them again would only produce review
	// noise.
	pending := movements[:0:0]
	for _, m := range movements {
		if _, settled := e.store.SettlementForMovement(m.ID); settled {
			result.Summary.AlreadySettled++
			continue
		}
		pending = append(pending, m)
	}
	movements = pending
	if len(movements) == 0 {
		return nil
	}

	pool := e.store.OpenDocuments()
	engine := matcher.NewEngine(e.config.Matching, pool)

	var tracker *logger.BatchTracker
	if e.config.ProgressReporting {
		tracker = logger.NewBatchTracker(batchName, int64(len(movements)), e.log)
	}

	jobs := make(chan *models.LedgerDocument)
	scored := make(chan scoredMovement, len(movements))

	var wg sync.WaitGroup
	for i := 0; i < e.config.MatchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for movement := range jobs {
				results := engine.Match(movement)
				best, err := engine.Best(movement, results)
				scored <- scoredMovement{movement: movement, best: best, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, m := range movements {
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(scored)
	}()

	for sm := range scored {
		if err := e.commitVerdict(sm, result, tracker); err != nil {
			return err
		}
	}

	if tracker != nil {
		tracker.Complete()
	}
	return ctx.Err()
}

// commitVerdict applies one scored movement: settle, queue for review, or
// skip an already-settled pair.
func (e *Engine) commitVerdict(sm scoredMovement, result *BatchResult, tracker *logger.BatchTracker) error {
	if sm.err != nil {
		engineErr, ok := errors.AsEngineError(sm.err)
		if !ok {
			return sm.err
		}

		switch engineErr.Code {
		case errors.CodeNoMatch:
			result.Summary.Unmatched++
			e.queueReview(sm.movement, "no matching open document", nil)
			if tracker != nil {
				tracker.Unmatched()
			}
			return nil
		case errors.CodeAmbiguousMatch:
			result.Summary.Ambiguous++
			e.queueReview(sm.movement, "multiple documents match with equal strength", candidateIDs(engineErr))
			if tracker != nil {
				tracker.Ambiguous()
			}
			return nil
		default:
			return sm.err
		}
	}

	record, posted, err := e.settle(sm.movement, sm.best)
	if err != nil {
		switch {
		case errors.HasCode(err, errors.CodeDuplicateSettlement):
			// Re-imported statement line: the pair is already settled.
			result.Summary.AlreadySettled++
			if tracker != nil {
				tracker.Matched()
			}
			return nil
		case errors.HasCode(err, errors.CodeDocumentLocked), errors.HasCode(err, errors.CodeStaleVersion):
			// The candidate was settled by a competing movement between
			// scoring and commit. The loser goes to the review queue and
			// the rest of the batch keeps going.
			result.Summary.Unmatched++
			e.queueReview(sm.movement, "candidate document was settled by a competing movement", nil)
			if tracker != nil {
				tracker.Unmatched()
			}
			return nil
		default:
			return err
		}
	}

	result.Summary.Reconciled++
	result.Reconciled = append(result.Reconciled, record)
	result.Summary.TotalSettledAmount = result.Summary.TotalSettledAmount.Add(sm.movement.Amount.Abs())
	if posted {
		result.Summary.LedgerEntriesPosted += 2
	}
	if tracker != nil {
		tracker.Matched()
	}
	return nil
}

// settle commits one matched pair through the state machine and, when
// enabled, posts the balanced ledger operation and learns the method. The
// second return reports whether ledger entries were posted: an imbalanced
// operation is rejected atomically without undoing the settlement.
func (e *Engine) settle(movement *models.LedgerDocument, best *matcher.MatchResult) (*models.ReconciliationRecord, bool, error) {
	doc := best.Document
	method := movement.PaymentMethod
	if method == models.PaymentUnknown {
		method = models.PaymentBankTransfer
	}
	side := models.SideForMethod(method)
	amount := movement.Amount.Abs()

	settlement := lifecycle.Settlement{
		MovementID: movement.ID,
		Side:       side,
		Amount:     amount,
		SettledOn:  movement.DocumentDate,
		MatchedOn:  best.MatchedOn,
		Confidence: best.Confidence,
	}

	var record *models.ReconciliationRecord
	if doc.Kind == models.KindTrafficFine {
		updated, err := e.chain.RecordPayment(doc.ID, settlement)
		if err != nil {
			return nil, false, err
		}
		if _, err := e.chain.Resolve(updated.ID); err != nil && !errors.HasCode(err, errors.CodeIllegalTransition) {
			return nil, false, err
		}
		records := e.store.ReconciliationsFor(doc.ID)
		if len(records) > 0 {
			record = records[len(records)-1]
		}
	} else {
		if _, err := e.machine.Confirm(doc.ID, method, false); err != nil {
			return nil, false, err
		}
		var err error
		record, err = e.machine.Reconcile(doc.ID, settlement)
		if err != nil {
			return nil, false, err
		}
	}

	posted := false
	if e.config.PostLedgerEntries {
		if err := e.validator.Post(ledger.SettlementOperation(doc, side, amount)); err != nil {
			if !errors.HasCode(err, errors.CodeImbalancedOperation) {
				return nil, false, err
			}
			// The posting was rejected atomically; the settlement stands
			// and the rest of the batch keeps going.
			e.log.WithError(err).WithField("document_id", doc.ID).Error("Ledger posting rejected")
		} else {
			posted = true
		}
	}

	if e.config.LearnMethods {
		writer, err := e.store.MethodBook().Writer(store.SourceReconciliation)
		if err == nil {
			if err := writer.SetDefault(doc.Counterparty, method); err != nil {
				e.log.WithError(err).WithField("counterparty", doc.Counterparty).
					Debug("Method book update skipped")
			}
		}
	}

	return record, posted, nil
}

func (e *Engine) queueReview(movement *models.LedgerDocument, reason string, candidates []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.review = append(e.review, &ReviewItem{
		Movement:     movement,
		Reason:       reason,
		CandidateIDs: candidates,
		QueuedAt:     time.Now(),
	})
}

// candidateIDs recovers the candidate list from an ambiguous-match error.
func candidateIDs(err *errors.EngineError) []string {
	raw, ok := err.Context["candidate_ids"]
	if !ok {
		return nil
	}
	ids, _ := raw.([]string)
	return ids
}
