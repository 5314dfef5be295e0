package util

import "strings"

// NormalizeDocumentNumber strips the separators borrowers type into identity
// document numbers (Malaysian NRIC "900101-10-1234" and passport numbers with
// spaces) so the same document always hashes and matches consistently.
func NormalizeDocumentNumber(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// MaskDocumentNumber keeps the last four characters for log correlation.
func MaskDocumentNumber(docNumber string) string {
	normalized := NormalizeDocumentNumber(docNumber)
	if len(normalized) <= 4 {
		return strings.Repeat("*", len(normalized))
	}
	return strings.Repeat("*", len(normalized)-4) + normalized[len(normalized)-4:]
}

// NormalizeDocumentName collapses runs of whitespace and uppercases the name
// the way vendor OCR returns it, so name comparisons are stable.
func NormalizeDocumentName(raw string) string {
	fields := strings.Fields(raw)
	return strings.ToUpper(strings.Join(fields, " "))
}
