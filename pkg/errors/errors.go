// Package errors defines the categorized error type used across the engine.
// Every rejection carries a structured reason plus the specific conflicting
// values (expected vs found) so the operator can self-correct.
package errors

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// ErrorCategory represents different categories of errors
type ErrorCategory string

const (
	CategoryMatching      ErrorCategory = "matching"
	CategoryLifecycle     ErrorCategory = "lifecycle"
	CategoryLedger        ErrorCategory = "ledger"
	CategoryMerge         ErrorCategory = "merge"
	CategoryValidation    ErrorCategory = "validation"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryFile          ErrorCategory = "file"
	CategoryInternal      ErrorCategory = "internal"
)

// ErrorCode represents specific error codes within categories
type ErrorCode string

const (
	// Matching errors
	CodeAmbiguousMatch ErrorCode = "ambiguous_match"
	CodeNoMatch        ErrorCode = "no_match"

	// Lifecycle errors
	CodeDocumentLocked      ErrorCode = "document_locked"
	CodeIllegalTransition   ErrorCode = "illegal_transition"
	CodeDocumentNotFound    ErrorCode = "document_not_found"
	CodeStaleVersion        ErrorCode = "stale_version"
	CodeDuplicateSettlement ErrorCode = "duplicate_settlement"

	// Ledger errors
	CodeImbalancedOperation ErrorCode = "imbalanced_operation"
	CodeEntryNotFound       ErrorCode = "entry_not_found"
	CodeAlreadyReversed     ErrorCode = "already_reversed"
	CodeDateMismatch        ErrorCode = "date_mismatch"

	// Merge errors
	CodeStaleSourceOverride ErrorCode = "stale_source_override"
	CodeToleranceExceeded   ErrorCode = "tolerance_exceeded"
	CodeKeyMismatch         ErrorCode = "key_mismatch"

	// Validation errors
	CodeInvalidAmount ErrorCode = "invalid_amount"
	CodeInvalidDate   ErrorCode = "invalid_date"
	CodeMissingField  ErrorCode = "missing_field"
	CodeInvalidData   ErrorCode = "invalid_data"

	// Configuration errors
	CodeInvalidConfig ErrorCode = "invalid_config"
	CodeMissingConfig ErrorCode = "missing_config"

	// File errors
	CodeFileNotFound  ErrorCode = "file_not_found"
	CodeInvalidFormat ErrorCode = "invalid_format"

	// Internal errors
	CodeUnexpectedError ErrorCode = "unexpected_error"
)

// EngineError is the base error type for all engine errors
type EngineError struct {
	Category   ErrorCategory     `json:"category"`
	Code       ErrorCode         `json:"code"`
	Message    string            `json:"message"`
	Suggestion string            `json:"suggestion,omitempty"`
	Context    Context           `json:"context,omitempty"`
	Cause      error             `json:"-"`
	StackTrace errors.StackTrace `json:"-"`
}

// Context provides additional information about the error
type Context map[string]interface{}

// Error implements the error interface
func (e *EngineError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("%s (suggestion: %s)", e.Message, e.Suggestion)
	}
	return e.Message
}

// Unwrap returns the underlying cause error
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// GetExitCode returns an appropriate exit code for the error
func (e *EngineError) GetExitCode() int {
	switch e.Category {
	case CategoryFile:
		return 2
	case CategoryValidation:
		return 3
	case CategoryConfiguration:
		return 4
	case CategoryMatching, CategoryMerge:
		return 5
	case CategoryLifecycle, CategoryLedger:
		return 6
	case CategoryInternal:
		return 7
	default:
		return 1
	}
}

// IsRecoverable reports whether the error should leave the rest of a batch
// running. Ambiguous and missing matches go to the review queue; an
// imbalanced operation is fatal only to its own posting.
func (e *EngineError) IsRecoverable() bool {
	switch e.Code {
	case CodeAmbiguousMatch, CodeNoMatch, CodeStaleSourceOverride, CodeDuplicateSettlement:
		return true
	}
	return false
}

// WithContext adds context information to the error
func (e *EngineError) WithContext(key string, value interface{}) *EngineError {
	if e.Context == nil {
		e.Context = make(Context)
	}
	e.Context[key] = value
	return e
}

// WithSuggestion adds a suggestion for fixing the error
func (e *EngineError) WithSuggestion(suggestion string) *EngineError {
	e.Suggestion = suggestion
	return e
}

// WithExpectedFound records the conflicting values behind a rejection.
func (e *EngineError) WithExpectedFound(expected, found interface{}) *EngineError {
	return e.WithContext("expected", expected).WithContext("found", found)
}

// New creates a new EngineError
func New(category ErrorCategory, code ErrorCode, message string) *EngineError {
	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		StackTrace: errors.New("").(stackTracer).StackTrace(),
	}
}

// Wrap wraps an existing error with EngineError context
func Wrap(err error, category ErrorCategory, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	return &EngineError{
		Category:   category,
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: errors.WithStack(err).(stackTracer).StackTrace(),
	}
}

// stackTracer interface for extracting stack traces
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Taxonomy constructors

// AmbiguousMatch reports multiple equally ranked candidates for a movement.
func AmbiguousMatch(movementID string, candidateIDs []string) *EngineError {
	return New(CategoryMatching, CodeAmbiguousMatch,
		fmt.Sprintf("movement %s matches %d documents with equal strength", movementID, len(candidateIDs))).
		WithSuggestion("review the candidates and link the correct document manually").
		WithContext("movement_id", movementID).
		WithContext("candidate_ids", candidateIDs)
}

// NoMatch reports that a movement found no qualifying candidate.
func NoMatch(movementID string) *EngineError {
	return New(CategoryMatching, CodeNoMatch,
		fmt.Sprintf("no open document matches movement %s", movementID)).
		WithSuggestion("the movement stays in the review queue; match it manually or wait for the document to arrive").
		WithContext("movement_id", movementID)
}

// DocumentLocked reports an edit attempted on a reconciled document without
// forcing.
func DocumentLocked(documentID string) *EngineError {
	return New(CategoryLifecycle, CodeDocumentLocked,
		fmt.Sprintf("document %s is reconciled and locked", documentID)).
		WithSuggestion("repeat the edit with forced=true and a reason to create an audited override").
		WithContext("document_id", documentID)
}

// ImbalancedOperation reports a double-entry operation whose sides do not
// balance within tolerance.
func ImbalancedOperation(totalDare, totalAvere string) *EngineError {
	return New(CategoryLedger, CodeImbalancedOperation,
		fmt.Sprintf("operation does not balance: DARE %s, AVERE %s", totalDare, totalAvere)).
		WithSuggestion("correct the entry amounts; the whole operation was rejected, nothing was posted").
		WithExpectedFound(totalDare, totalAvere)
}

// StaleSourceOverride reports a lower-priority provenance trying to override
// a sticky manual field. Not a failure: the caller logs it and keeps going.
func StaleSourceOverride(documentID, field string, incoming interface{}) *EngineError {
	return New(CategoryMerge, CodeStaleSourceOverride,
		fmt.Sprintf("field %s of document %s is manually set and was not overridden", field, documentID)).
		WithContext("document_id", documentID).
		WithContext("field", field).
		WithContext("incoming", incoming)
}

// ToleranceExceeded reports an amount delta beyond the matching tolerance.
func ToleranceExceeded(documentID string, expected, found string) *EngineError {
	return New(CategoryMerge, CodeToleranceExceeded,
		fmt.Sprintf("document %s amounts differ beyond tolerance: expected %s, found %s", documentID, expected, found)).
		WithSuggestion("verify which amount is correct before merging; a discrepancy was recorded").
		WithContext("document_id", documentID).
		WithExpectedFound(expected, found)
}

// DuplicateSettlement reports an already reconciled document+movement pair.
// Re-imports treat this as a no-op.
func DuplicateSettlement(documentID, movementID string) *EngineError {
	return New(CategoryLifecycle, CodeDuplicateSettlement,
		fmt.Sprintf("document %s is already settled by movement %s", documentID, movementID)).
		WithContext("document_id", documentID).
		WithContext("movement_id", movementID)
}

// IllegalTransition reports a lifecycle transition the state machine forbids.
func IllegalTransition(documentID string, from, to string) *EngineError {
	return New(CategoryLifecycle, CodeIllegalTransition,
		fmt.Sprintf("document %s cannot move from %s to %s", documentID, from, to)).
		WithContext("document_id", documentID).
		WithExpectedFound(from, to)
}

// DocumentNotFound reports a lookup miss.
func DocumentNotFound(documentID string) *EngineError {
	return New(CategoryLifecycle, CodeDocumentNotFound,
		fmt.Sprintf("document %s does not exist", documentID)).
		WithContext("document_id", documentID)
}

// StaleVersion reports an optimistic concurrency conflict on a document.
func StaleVersion(documentID string, expected, found int64) *EngineError {
	return New(CategoryLifecycle, CodeStaleVersion,
		fmt.Sprintf("document %s was modified concurrently", documentID)).
		WithSuggestion("reload the document and retry the transition").
		WithContext("document_id", documentID).
		WithExpectedFound(expected, found)
}

// ValidationError creates a validation-related error
func ValidationError(code ErrorCode, field string, value interface{}, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidAmount:
		message = fmt.Sprintf("invalid amount in field '%s': %v", field, value)
		suggestion = "ensure amounts are valid decimal numbers (e.g. '12.34')"
	case CodeInvalidDate:
		message = fmt.Sprintf("invalid date in field '%s': %v", field, value)
		suggestion = "use date format YYYY-MM-DD"
	case CodeMissingField:
		message = fmt.Sprintf("required field '%s' is missing or empty", field)
		suggestion = "provide a value for this required field"
	default:
		message = fmt.Sprintf("validation error in field '%s': %v", field, value)
		suggestion = "check the field value and format"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryValidation, code, message)
	} else {
		result = New(CategoryValidation, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("field", field).
		WithContext("value", value)
}

// ConfigurationError creates a configuration-related error
func ConfigurationError(code ErrorCode, setting string, value interface{}, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeInvalidConfig:
		message = fmt.Sprintf("invalid configuration for '%s': %v", setting, value)
		suggestion = "check the configuration documentation for valid values"
	case CodeMissingConfig:
		message = fmt.Sprintf("missing required configuration: %s", setting)
		suggestion = "provide this configuration setting or use a config file"
	default:
		message = fmt.Sprintf("configuration error: %s", setting)
		suggestion = "check your configuration and try again"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryConfiguration, code, message)
	} else {
		result = New(CategoryConfiguration, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("setting", setting).
		WithContext("value", value)
}

// FileError creates a file-related error
func FileError(code ErrorCode, path string, err error) *EngineError {
	var message string
	var suggestion string

	switch code {
	case CodeFileNotFound:
		message = fmt.Sprintf("file not found: %s", path)
		suggestion = "check if the file path is correct and the file exists"
	case CodeInvalidFormat:
		message = fmt.Sprintf("file has an invalid format: %s", path)
		suggestion = "check the data format and ensure it matches the expected structure"
	default:
		message = fmt.Sprintf("file error: %s", path)
		suggestion = "check the file and try again"
	}

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryFile, code, message)
	} else {
		result = New(CategoryFile, code, message)
	}

	return result.
		WithSuggestion(suggestion).
		WithContext("file_path", path)
}

// InternalError creates an internal error
func InternalError(operation string, err error) *EngineError {
	message := fmt.Sprintf("unexpected error during %s", operation)

	var result *EngineError
	if err != nil {
		result = Wrap(err, CategoryInternal, CodeUnexpectedError, message)
	} else {
		result = New(CategoryInternal, CodeUnexpectedError, message)
	}

	return result.
		WithSuggestion("this is likely a bug - please report it with the error details").
		WithContext("operation", operation)
}

// ErrorSummary provides a summary of multiple errors
type ErrorSummary struct {
	Total        int                   `json:"total"`
	ByCategory   map[ErrorCategory]int `json:"by_category"`
	ByCode       map[ErrorCode]int     `json:"by_code"`
	Errors       []*EngineError        `json:"errors"`
	SampleErrors []*EngineError        `json:"sample_errors,omitempty"`
}

// NewErrorSummary creates a new error summary
func NewErrorSummary(errs []*EngineError) *ErrorSummary {
	summary := &ErrorSummary{
		Total:      len(errs),
		ByCategory: make(map[ErrorCategory]int),
		ByCode:     make(map[ErrorCode]int),
		Errors:     errs,
	}

	if len(errs) == 0 {
		summary.Errors = []*EngineError{}
		return summary
	}

	for _, err := range errs {
		summary.ByCategory[err.Category]++
		summary.ByCode[err.Code]++
	}

	maxSamples := 5
	if len(errs) > maxSamples {
		summary.SampleErrors = errs[:maxSamples]
	} else {
		summary.SampleErrors = errs
	}

	return summary
}

// Error returns a formatted error message for the summary
func (es *ErrorSummary) Error() string {
	if es.Total == 0 {
		return "no errors"
	}

	if es.Total == 1 {
		return es.Errors[0].Error()
	}

	var categories []string
	for category, count := range es.ByCategory {
		categories = append(categories, fmt.Sprintf("%s: %d", category, count))
	}

	return fmt.Sprintf("%d errors occurred (%s)", es.Total, strings.Join(categories, ", "))
}

// HasCategory checks if the summary contains errors of the given category
func (es *ErrorSummary) HasCategory(category ErrorCategory) bool {
	count, exists := es.ByCategory[category]
	return exists && count > 0
}

// HasCode checks if the summary contains errors with the given code
func (es *ErrorSummary) HasCode(code ErrorCode) bool {
	count, exists := es.ByCode[code]
	return exists && count > 0
}

// GetExitCode returns the highest priority exit code from all errors
func (es *ErrorSummary) GetExitCode() int {
	if es.Total == 0 {
		return 0
	}

	maxCode := 1
	for _, err := range es.Errors {
		if code := err.GetExitCode(); code > maxCode {
			maxCode = code
		}
	}

	return maxCode
}

// IsEngineError checks if an error is an EngineError
func IsEngineError(err error) bool {
	_, ok := err.(*EngineError)
	return ok
}

// AsEngineError extracts an EngineError from an error chain
func AsEngineError(err error) (*EngineError, bool) {
	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr, true
	}
	return nil, false
}

// HasCode checks whether err is an EngineError with the given code.
func HasCode(err error, code ErrorCode) bool {
	if engineErr, ok := AsEngineError(err); ok {
		return engineErr.Code == code
	}
	return false
}

// WrapIfNeeded wraps an error if it's not already an EngineError
func WrapIfNeeded(err error, category ErrorCategory, code ErrorCode, message string) *EngineError {
	if err == nil {
		return nil
	}

	if engineErr, ok := AsEngineError(err); ok {
		return engineErr
	}

	return Wrap(err, category, code, message)
}
