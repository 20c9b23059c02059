package feed

import (
	"fmt"
	"strings"
)

// Config controls how feed files are interpreted.
type Config struct {
	// DateFormats are tried in order when parsing date fields.
	DateFormats []string `json:"date_formats"`

	// DecimalComma accepts "1.234,56" style amounts alongside "1234.56".
	DecimalComma bool `json:"decimal_comma"`

	// ColumnAliases maps standard field names to the column names actually
	// present in the file.
	ColumnAliases map[string]string `json:"column_aliases,omitempty"`

	// SkipInvalidRows keeps going past rows that fail to parse, collecting
	// them in the stats instead of aborting.
	SkipInvalidRows bool `json:"skip_invalid_rows"`

	// MaxErrors aborts the read once that many rows failed. Zero means
	// no limit.
	MaxErrors int `json:"max_errors"`
}

// DefaultConfig returns a configuration accepting the formats the ingestion
// collaborators actually emit: ISO dates, Italian dates and amounts.
func DefaultConfig() *Config {
	return &Config{
		DateFormats: []string{
			"2006-01-02",
			"02/01/2006",
			"02-01-2006",
			"2006-01-02T15:04:05Z07:00",
		},
		DecimalComma:    true,
		ColumnAliases:   make(map[string]string),
		SkipInvalidRows: true,
		MaxErrors:       100,
	}
}

// Validate checks if the feed configuration is valid
func (c *Config) Validate() error {
	if len(c.DateFormats) == 0 {
		return fmt.Errorf("at least one date format is required")
	}
	if c.MaxErrors < 0 {
		return fmt.Errorf("max errors cannot be negative: %d", c.MaxErrors)
	}
	return nil
}

// GetColumnName returns the file's column name for a standard field.
func (c *Config) GetColumnName(standardName string) string {
	if alias, exists := c.ColumnAliases[standardName]; exists {
		return alias
	}
	return standardName
}

// normalizeHeader lowercases a header and collapses separators, so that
// "Data Documento", "data_documento" and "DATA-DOCUMENTO" all agree.
func normalizeHeader(header string) string {
	header = strings.ToLower(strings.TrimSpace(header))
	header = strings.ReplaceAll(header, " ", "_")
	header = strings.ReplaceAll(header, "-", "_")
	return header
}
