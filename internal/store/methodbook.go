package store

import (
	"strings"
	"sync"
	"time"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/pkg/errors"
)

// WriteSource names an operation allowed to update the method book. Single
// document edits are deliberately not on this list: the default method for a
// counterparty only moves through the designated flows.
type WriteSource string

const (
	SourceCounterpartyCreation WriteSource = "counterparty_creation"
	SourceReconciliation       WriteSource = "reconciliation"
	SourceStatementImport      WriteSource = "statement_import"
)

// IsValid checks if the write source is one of the designated operations
func (ws WriteSource) IsValid() bool {
	switch ws {
	case SourceCounterpartyCreation, SourceReconciliation, SourceStatementImport:
		return true
	}
	return false
}

// MethodEntry is one versioned default-payment-method record.
type MethodEntry struct {
	Counterparty string               `json:"counterparty"`
	Method       models.PaymentMethod `json:"method"`
	Version      int64                `json:"version"`
	UpdatedBy    WriteSource          `json:"updated_by"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

// MethodBook is the explicit, versioned replacement for the shared mutable
// lookup table of default payment methods per counterparty. Reads are open;
// writes require a Writer capability bound to a designated source.
type MethodBook struct {
	mu      sync.RWMutex
	entries map[string]*MethodEntry
}

// NewMethodBook creates an empty method book.
func NewMethodBook() *MethodBook {
	return &MethodBook{entries: make(map[string]*MethodEntry)}
}

// DefaultMethod returns the default payment method recorded for a
// counterparty, or PaymentUnknown when none is known.
func (mb *MethodBook) DefaultMethod(counterparty string) models.PaymentMethod {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	entry, ok := mb.entries[bookKey(counterparty)]
	if !ok {
		return models.PaymentUnknown
	}
	return entry.Method
}

// Entry returns the full versioned record for a counterparty.
func (mb *MethodBook) Entry(counterparty string) (*MethodEntry, bool) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()

	entry, ok := mb.entries[bookKey(counterparty)]
	if !ok {
		return nil, false
	}
	cp := *entry
	return &cp, true
}

// Writer returns a write capability bound to one designated source.
func (mb *MethodBook) Writer(source WriteSource) (*MethodBookWriter, error) {
	if !source.IsValid() {
		return nil, errors.New(errors.CategoryConfiguration, errors.CodeInvalidConfig,
			"write source '"+string(source)+"' may not update the method book")
	}
	return &MethodBookWriter{book: mb, source: source}, nil
}

// MethodBookWriter is the capability handle through which designated
// operations update counterparty defaults.
type MethodBookWriter struct {
	book   *MethodBook
	source WriteSource
}

// SetDefault records the default payment method for a counterparty, bumping
// the entry version.
func (w *MethodBookWriter) SetDefault(counterparty string, method models.PaymentMethod) error {
	if !method.IsValid() || method == models.PaymentUnknown {
		return errors.ValidationError(errors.CodeInvalidData, "payment_method", method, nil)
	}

	key := bookKey(counterparty)
	if key == "" {
		return errors.ValidationError(errors.CodeMissingField, "counterparty", counterparty, nil)
	}

	w.book.mu.Lock()
	defer w.book.mu.Unlock()

	entry, ok := w.book.entries[key]
	if !ok {
		w.book.entries[key] = &MethodEntry{
			Counterparty: counterparty,
			Method:       method,
			Version:      1,
			UpdatedBy:    w.source,
			UpdatedAt:    time.Now(),
		}
		return nil
	}

	entry.Method = method
	entry.Version++
	entry.UpdatedBy = w.source
	entry.UpdatedAt = time.Now()
	return nil
}

func bookKey(counterparty string) string {
	return strings.ToLower(strings.Join(strings.Fields(counterparty), " "))
}
