package fines

import (
	"regexp"
	"strings"
)

// Notice invoices carry the fine's identifiers only in free text, so they
// are recovered by pattern matching over the invoice description.
var (
	// Verbale numbers as printed by municipal police departments: a letter
	// prefix followed by a long digit run, e.g. A25111540620.
	verbalePattern = regexp.MustCompile(`\b[A-Z]{1,2}\d{8,12}\b`)

	// Italian plates, current format AB123CD, with optional separators.
	platePattern = regexp.MustCompile(`\b[A-Z]{2}[\s-]?\d{3}[\s-]?[A-Z]{2}\b`)
)

// NoticeReference is what could be extracted from a notice invoice's text.
type NoticeReference struct {
	Verbale string `json:"verbale"`
	Plate   string `json:"plate,omitempty"`
}

// ExtractNoticeReference scans free text for a verbale number and a plate.
// An empty Verbale means the text carries no usable fine reference.
func ExtractNoticeReference(text string) NoticeReference {
	upper := strings.ToUpper(text)

	ref := NoticeReference{
		Verbale: verbalePattern.FindString(upper),
	}

	for _, candidate := range platePattern.FindAllString(upper, -1) {
		plate := NormalizePlate(candidate)
		// A verbale prefix can look plate-shaped once separators are
		// stripped; skip anything that is part of the verbale itself.
		if ref.Verbale != "" && strings.Contains(ref.Verbale, plate) {
			continue
		}
		ref.Plate = plate
		break
	}

	return ref
}
