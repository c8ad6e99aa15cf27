// backend/src/security/validation/sanitizers.go
package validation

import (
	"strings"
	"unicode"
)

// SanitizeForFormulaInjection prepends a single quote if the string starts with a formula character.
// This makes most spreadsheet software treat it as text.
func SanitizeForFormulaInjection(s string) string {
	trimmed := strings.TrimSpace(s)
	if len(trimmed) > 0 {
		switch trimmed[0] {
		case '=', '+', '-', '@', '\t', '\r':
			return "'" + s
		}
	}
	return s
}

// SanitizeCSVRecord applies SanitizeForFormulaInjection to every text cell of
// an exported record. Numeric cells are formatted by the caller and left as is.
func SanitizeCSVRecord(record []string, textColumns ...int) []string {
	out := make([]string, len(record))
	copy(out, record)
	for _, i := range textColumns {
		if i >= 0 && i < len(out) {
			out[i] = SanitizeForFormulaInjection(out[i])
		}
	}
	return out
}

// StripUnprintable removes non-printable characters, allowing common whitespace
// like space, tab, newline, and carriage return.
func StripUnprintable(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsPrint(r) || r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		return -1
	}, s)
}
