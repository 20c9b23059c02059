// Package feed is the ingestion boundary: it turns the collaborator-pushed
// `(provenance, parsed_fields, raw_reference)` records into typed ledger
// documents. Email scanners, XML parsers and statement downloaders live
// outside this module; only their output format is consumed here.
package feed

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"ledger-reconciliation-engine/internal/models"
	"ledger-reconciliation-engine/pkg/errors"
	"ledger-reconciliation-engine/pkg/logger"
)

// Record is one pushed ingestion record, still untyped.
type Record struct {
	Provenance   string            `json:"provenance"`
	Kind         string            `json:"kind"`
	ParsedFields map[string]string `json:"parsed_fields"`
	RawReference string            `json:"raw_reference,omitempty"`
}

// ParsedRecord pairs the typed document with the record it came from.
type ParsedRecord struct {
	Document *models.LedgerDocument
	Raw      *Record
}

// Stats collects per-file read statistics.
type Stats struct {
	Rows    int      `json:"rows"`
	Parsed  int      `json:"parsed"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// AddError records a row failure, keeping a bounded sample.
func (s *Stats) AddError(row int, err error) {
	s.Skipped++
	if len(s.Errors) < 10 {
		s.Errors = append(s.Errors, fmt.Sprintf("row %d: %v", row, err))
	}
}

// Reader parses feed files into typed documents.
type Reader struct {
	config *Config
	log    logger.Logger
}

// NewReader creates a feed reader.
func NewReader(config *Config, log logger.Logger) (*Reader, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, errors.ConfigurationError(errors.CodeInvalidConfig, "feed", fmt.Sprintf("%v", err), err)
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	return &Reader{config: config, log: log.WithComponent("feed")}, nil
}

// ReadFile parses a feed file, choosing the codec from the extension:
// .json for record arrays, anything else is read as CSV.
func (r *Reader) ReadFile(path string) ([]*ParsedRecord, *Stats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.FileError(errors.CodeFileNotFound, path, err)
	}
	defer file.Close()

	if strings.HasSuffix(strings.ToLower(path), ".json") {
		return r.readJSON(file, path)
	}
	return r.readCSV(file, path)
}

func (r *Reader) readJSON(file io.Reader, path string) ([]*ParsedRecord, *Stats, error) {
	var records []*Record
	if err := json.NewDecoder(file).Decode(&records); err != nil {
		return nil, nil, errors.FileError(errors.CodeInvalidFormat, path, err)
	}

	stats := &Stats{Rows: len(records)}
	parsed := make([]*ParsedRecord, 0, len(records))
	for i, record := range records {
		doc, err := r.ToDocument(record)
		if err != nil {
			if !r.config.SkipInvalidRows {
				return nil, stats, err
			}
			stats.AddError(i+1, err)
			if r.config.MaxErrors > 0 && stats.Skipped >= r.config.MaxErrors {
				return nil, stats, errors.FileError(errors.CodeInvalidFormat, path,
					fmt.Errorf("aborted after %d invalid records", stats.Skipped))
			}
			continue
		}
		stats.Parsed++
		parsed = append(parsed, &ParsedRecord{Document: doc, Raw: record})
	}

	r.logStats(path, stats)
	return parsed, stats, nil
}

func (r *Reader) readCSV(file io.Reader, path string) ([]*ParsedRecord, *Stats, error) {
	reader := csv.NewReader(file)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	headers, err := reader.Read()
	if err != nil {
		return nil, nil, errors.FileError(errors.CodeInvalidFormat, path, err)
	}
	for i, h := range headers {
		headers[i] = normalizeHeader(h)
	}

	stats := &Stats{}
	var parsed []*ParsedRecord
	for row := 2; ; row++ {
		line, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !r.config.SkipInvalidRows {
				return nil, stats, errors.FileError(errors.CodeInvalidFormat, path, err)
			}
			stats.Rows++
			stats.AddError(row, err)
			continue
		}

		stats.Rows++
		record := r.rowToRecord(headers, line)
		doc, err := r.ToDocument(record)
		if err != nil {
			if !r.config.SkipInvalidRows {
				return nil, stats, err
			}
			stats.AddError(row, err)
			if r.config.MaxErrors > 0 && stats.Skipped >= r.config.MaxErrors {
				return nil, stats, errors.FileError(errors.CodeInvalidFormat, path,
					fmt.Errorf("aborted after %d invalid rows", stats.Skipped))
			}
			continue
		}
		stats.Parsed++
		parsed = append(parsed, &ParsedRecord{Document: doc, Raw: record})
	}

	r.logStats(path, stats)
	return parsed, stats, nil
}

// rowToRecord maps a CSV row into a Record through the column aliases.
func (r *Reader) rowToRecord(headers, line []string) *Record {
	fields := make(map[string]string, len(headers))
	for i, h := range headers {
		if i >= len(line) {
			break
		}
		fields[h] = strings.TrimSpace(line[i])
	}

	record := &Record{
		Provenance:   r.field(fields, "provenance"),
		Kind:         r.field(fields, "kind"),
		RawReference: r.field(fields, "raw_reference"),
		ParsedFields: fields,
	}
	return record
}

func (r *Reader) field(fields map[string]string, standardName string) string {
	return fields[normalizeHeader(r.config.GetColumnName(standardName))]
}

// ToDocument builds the typed document for a record.
func (r *Reader) ToDocument(record *Record) (*models.LedgerDocument, error) {
	kind := models.DocumentKind(strings.ToLower(strings.TrimSpace(record.Kind)))
	if !kind.IsValid() {
		return nil, errors.ValidationError(errors.CodeInvalidData, "kind", record.Kind,
			fmt.Errorf("unknown document kind"))
	}

	provenance := models.Provenance(strings.ToLower(strings.TrimSpace(record.Provenance)))
	if !provenance.IsValid() {
		return nil, errors.ValidationError(errors.CodeInvalidData, "provenance", record.Provenance,
			fmt.Errorf("unknown provenance"))
	}

	amount, err := r.parseAmount(r.field(record.ParsedFields, "amount"))
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "amount",
			r.field(record.ParsedFields, "amount"), err)
	}

	date, err := r.parseDate(r.field(record.ParsedFields, "date"))
	if err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "date",
			r.field(record.ParsedFields, "date"), err)
	}

	doc := models.NewDocument(kind, amount, r.field(record.ParsedFields, "counterparty"), date, provenance)
	doc.TaxID = r.field(record.ParsedFields, "tax_id")
	doc.Reference = r.field(record.ParsedFields, "reference")

	if methodRaw := r.field(record.ParsedFields, "payment_method"); methodRaw != "" {
		method, err := models.ParsePaymentMethod(methodRaw)
		if err != nil {
			return nil, errors.ValidationError(errors.CodeInvalidData, "payment_method", methodRaw, err)
		}
		doc.PaymentMethod = method
	}

	switch kind {
	case models.KindInvoice:
		doc.Invoice = &models.InvoiceFields{
			Serial: r.field(record.ParsedFields, "serial"),
		}
	case models.KindCorrispettivo:
		doc.Corrispettivo = &models.CorrispettivoFields{
			RegisterID: r.field(record.ParsedFields, "register_id"),
		}
	case models.KindBankMovement:
		doc.Movement = &models.MovementFields{
			Causale: r.field(record.ParsedFields, "causale"),
			Account: r.field(record.ParsedFields, "account"),
		}
		if doc.Movement.Causale == "" {
			doc.Movement.Causale = record.RawReference
		}
	case models.KindTrafficFine:
		doc.Fine = &models.FineFields{
			Verbale: r.field(record.ParsedFields, "verbale"),
			Plate:   r.field(record.ParsedFields, "plate"),
			Stage:   models.FineDaScaricare,
		}
		if stage := r.field(record.ParsedFields, "stage"); stage != "" {
			doc.Fine.Stage = models.FineState(stage)
		}
	}

	if err := doc.Validate(); err != nil {
		return nil, errors.ValidationError(errors.CodeInvalidData, "document", doc.ID, err)
	}
	return doc, nil
}

// parseAmount parses an amount, accepting Italian decimal-comma formatting
// and a leading euro sign.
func (r *Reader) parseAmount(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(raw), "€"))
	if raw == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}

	if r.config.DecimalComma && strings.Contains(raw, ",") {
		// "1.234,56" -> "1234.56"
		raw = strings.ReplaceAll(raw, ".", "")
		raw = strings.ReplaceAll(raw, ",", ".")
	}

	return decimal.NewFromString(raw)
}

// parseDate tries the configured formats in order.
func (r *Reader) parseDate(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}

	for _, format := range r.config.DateFormats {
		if t, err := time.Parse(format, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("date %q matches none of the accepted formats", raw)
}

func (r *Reader) logStats(path string, stats *Stats) {
	r.log.WithFields(logger.Fields{
		"file":    path,
		"rows":    stats.Rows,
		"parsed":  stats.Parsed,
		"skipped": stats.Skipped,
	}).Info("Feed file read")
}
