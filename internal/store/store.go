// Package store implements the document store adapter: typed in-memory
// access to ledger documents and the append-only reconciliation, ledger and
// audit logs.
//
// Concurrency model: reads hand out deep copies taken under a read lock, so
// an in-flight matcher scan never observes a write that started after it.
// State transitions for a given document are serialized through WithDocument
// (a per-id mutex) combined with an optimistic version check on update.
package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/pkg/errors"
)

// Store is the in-memory document store adapter. A persistent implementation
// would sit behind the same method set; the engine only ever talks to this
// surface.
type Store struct {
	mu         sync.RWMutex
	documents  map[string]*models.LedgerDocument
	versions   map[string]int64
	byMergeKey map[string]string

	reconciliations []*models.ReconciliationRecord
	settlements     map[string]*models.SettlementLink
	settlementByDoc map[string][]*models.SettlementLink
	settlementByMov map[string]*models.SettlementLink

	entries    []*models.LedgerEntry
	entryByID  map[string]*models.LedgerEntry
	reversedBy map[string]string

	audit         []*models.AuditEntry
	discrepancies []*models.Discrepancy

	lockMu   sync.Mutex
	docLocks map[string]*sync.Mutex

	methodBook *MethodBook
}

// New creates an empty store.
func New() *Store {
	return &Store{
		documents:       make(map[string]*models.LedgerDocument),
		versions:        make(map[string]int64),
		byMergeKey:      make(map[string]string),
		settlements:     make(map[string]*models.SettlementLink),
		settlementByDoc: make(map[string][]*models.SettlementLink),
		settlementByMov: make(map[string]*models.SettlementLink),
		entryByID:       make(map[string]*models.LedgerEntry),
		reversedBy:      make(map[string]string),
		docLocks:        make(map[string]*sync.Mutex),
		methodBook:      NewMethodBook(),
	}
}

// MethodBook returns the counterparty default payment-method registry.
func (s *Store) MethodBook() *MethodBook {
	return s.methodBook
}

// PutDocument inserts a new document. The merge-key index is updated so the
// resolver can find competing versions of the same real-world record.
func (s *Store) PutDocument(doc *models.LedgerDocument) error {
	if err := doc.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "document", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.documents[doc.ID]; exists {
		return errors.New(errors.CategoryValidation, errors.CodeInvalidData,
			"document "+doc.ID+" already exists")
	}

	s.documents[doc.ID] = doc.Clone()
	s.versions[doc.ID] = 1
	s.byMergeKey[doc.MergeKey()] = doc.ID
	return nil
}

// GetDocument returns a copy of the document and its current version.
func (s *Store) GetDocument(id string) (*models.LedgerDocument, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.documents[id]
	if !ok {
		return nil, 0, errors.DocumentNotFound(id)
	}
	return doc.Clone(), s.versions[id], nil
}

// FindByMergeKey returns the stored document sharing the given merge key, if
// any.
func (s *Store) FindByMergeKey(key string) (*models.LedgerDocument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byMergeKey[key]
	if !ok {
		return nil, false
	}
	return s.documents[id].Clone(), true
}

// UpdateDocument replaces a document's content if the caller still holds the
// current version. Lock enforcement lives in the lifecycle state machine;
// the store only guards against concurrent lost updates.
func (s *Store) UpdateDocument(doc *models.LedgerDocument, expectedVersion int64) error {
	if err := doc.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "document", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.documents[doc.ID]
	if !ok {
		return errors.DocumentNotFound(doc.ID)
	}

	if s.versions[doc.ID] != expectedVersion {
		return errors.StaleVersion(doc.ID, expectedVersion, s.versions[doc.ID])
	}

	delete(s.byMergeKey, current.MergeKey())
	s.documents[doc.ID] = doc.Clone()
	s.versions[doc.ID]++
	s.byMergeKey[doc.MergeKey()] = doc.ID
	return nil
}

// Snapshot returns copies of all documents passing the filter, taken under a
// single read lock. Matcher scans run against a snapshot so concurrent
// transitions never become visible mid-scan.
func (s *Store) Snapshot(filter func(*models.LedgerDocument) bool) []*models.LedgerDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerDocument
	for _, doc := range s.documents {
		if filter == nil || filter(doc) {
			out = append(out, doc.Clone())
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OpenDocuments returns the matcher's candidate pool: documents still
// awaiting settlement evidence.
func (s *Store) OpenDocuments() []*models.LedgerDocument {
	return s.Snapshot(func(d *models.LedgerDocument) bool { return d.IsOpen() })
}

// WithDocument runs fn while holding the per-document mutex for id. All
// settlement-creating transitions go through here so that concurrent imports
// cannot produce two reconciliations for the same document.
func (s *Store) WithDocument(id string, fn func() error) error {
	s.lockMu.Lock()
	lock, ok := s.docLocks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.docLocks[id] = lock
	}
	s.lockMu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// AppendReconciliation appends to the reconciliation record log. The log is
// append-only; history is never mutated in place.
func (s *Store) AppendReconciliation(record *models.ReconciliationRecord) error {
	if err := record.Validate(); err != nil {
		return errors.ValidationError(errors.CodeInvalidData, "reconciliation_record", record.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciliations = append(s.reconciliations, record)
	return nil
}

// ReconciliationsFor returns the reconciliation history of a document, oldest
// first.
func (s *Store) ReconciliationsFor(documentID string) []*models.ReconciliationRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.ReconciliationRecord
	for _, r := range s.reconciliations {
		if r.DocumentID == documentID {
			out = append(out, r)
		}
	}
	return out
}

// AddSettlement records a settlement link. The pair (document id, movement
// id) is the dedup key: re-importing an already reconciled statement returns
// a DuplicateSettlement error that callers treat as a no-op.
func (s *Store) AddSettlement(link *models.SettlementLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := link.DedupKey()
	if _, exists := s.settlements[key]; exists {
		return errors.DuplicateSettlement(link.DocumentID, link.MovementID)
	}

	s.settlements[key] = link
	s.settlementByDoc[link.DocumentID] = append(s.settlementByDoc[link.DocumentID], link)
	s.settlementByMov[link.MovementID] = link
	return nil
}

// SettlementForMovement returns the link a movement already settled, if any.
// Re-imported statement lines are recognized through this lookup.
func (s *Store) SettlementForMovement(movementID string) (*models.SettlementLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.settlementByMov[movementID]
	return link, ok
}

// HasSettlement reports whether the document+movement pair is already
// settled.
func (s *Store) HasSettlement(documentID, movementID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.settlements[documentID+"|"+movementID]
	return ok
}

// SettlementsFor returns the settlement links of a document.
func (s *Store) SettlementsFor(documentID string) []*models.SettlementLink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*models.SettlementLink(nil), s.settlementByDoc[documentID]...)
}

// AppendOperation appends a validated set of ledger entries atomically.
// Validation (balance, dates) is the double-entry validator's job; the store
// guarantees the set commits together or not at all.
func (s *Store) AppendOperation(entries []*models.LedgerEntry) error {
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return errors.ValidationError(errors.CodeInvalidData, "ledger_entry", e.ID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if _, exists := s.entryByID[e.ID]; exists {
			return errors.New(errors.CategoryLedger, errors.CodeInvalidData,
				"ledger entry "+e.ID+" already exists")
		}
	}

	for _, e := range entries {
		s.entries = append(s.entries, e)
		s.entryByID[e.ID] = e
	}
	return nil
}

// EntryByID returns a ledger entry by id.
func (s *Store) EntryByID(id string) (*models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entryByID[id]
	if !ok {
		return nil, errors.New(errors.CategoryLedger, errors.CodeEntryNotFound,
			"ledger entry "+id+" does not exist")
	}
	cp := *e
	return &cp, nil
}

// EntriesForDocument returns all ledger entries posted from a document.
func (s *Store) EntriesForDocument(documentID string) []*models.LedgerEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.LedgerEntry
	for _, e := range s.entries {
		if e.SourceDocumentID == documentID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

// MarkReversed records that entryID was reversed by stornoID.
func (s *Store) MarkReversed(entryID, stornoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entryByID[entryID]; !ok {
		return errors.New(errors.CategoryLedger, errors.CodeEntryNotFound,
			"ledger entry "+entryID+" does not exist")
	}
	if existing, ok := s.reversedBy[entryID]; ok {
		return errors.New(errors.CategoryLedger, errors.CodeAlreadyReversed,
			"ledger entry "+entryID+" was already reversed by "+existing)
	}
	s.reversedBy[entryID] = stornoID
	return nil
}

// ReversalOf returns the storno entry id that reversed entryID, if any.
func (s *Store) ReversalOf(entryID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.reversedBy[entryID]
	return id, ok
}

// AppendAudit appends a forced-override audit entry.
func (s *Store) AppendAudit(entry *models.AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, entry)
}

// AuditFor returns the audit trail of a document.
func (s *Store) AuditFor(documentID string) []*models.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.AuditEntry
	for _, a := range s.audit {
		if a.DocumentID == documentID {
			out = append(out, a)
		}
	}
	return out
}

// AddDiscrepancy records a detector or merge finding.
func (s *Store) AddDiscrepancy(d *models.Discrepancy) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.DetectedAt.IsZero() {
		d.DetectedAt = time.Now()
	}
	s.discrepancies = append(s.discrepancies, d)
}

// Discrepancies returns recorded discrepancies, optionally filtered by
// period ("2006-01"). An empty period returns everything.
func (s *Store) Discrepancies(period string) []*models.Discrepancy {
	s.mu.RLock()
	defer s.mu.RUnlock()

	period = strings.TrimSpace(period)
	var out []*models.Discrepancy
	for _, d := range s.discrepancies {
		if period == "" || d.Period == period {
			out = append(out, d)
		}
	}
	return out
}

// Stats summarizes the store's content for batch reporting.
type Stats struct {
	Documents       int `json:"documents"`
	OpenDocuments   int `json:"open_documents"`
	Reconciliations int `json:"reconciliations"`
	Settlements     int `json:"settlements"`
	LedgerEntries   int `json:"ledger_entries"`
	AuditEntries    int `json:"audit_entries"`
	Discrepancies   int `json:"discrepancies"`
}

// GetStats returns counts over the stored collections.
func (s *Store) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	open := 0
	for _, d := range s.documents {
		if d.IsOpen() {
			open++
		}
	}

	return Stats{
		Documents:       len(s.documents),
		OpenDocuments:   open,
		Reconciliations: len(s.reconciliations),
		Settlements:     len(s.settlements),
		LedgerEntries:   len(s.entries),
		AuditEntries:    len(s.audit),
		Discrepancies:   len(s.discrepancies),
	}
}
