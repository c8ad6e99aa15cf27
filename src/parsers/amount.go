package parsers

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/username/ledgerdash/backend/src/security/validation"
)

// ParseAmount parses a report cell such as "1,234.56", "-20.00", "20.00-" or
// "(75.10)".
// ok is false for empty or unparsable values, which callers treat as absent.
func ParseAmount(s string) (value float64, ok bool) {
	d, ok := ParseDecimal(s)
	if !ok {
		return 0, false
	}
	f, _ := d.Float64()
	return f, true
}

// ParseDecimal is ParseAmount without the float conversion.
func ParseDecimal(s string) (decimal.Decimal, bool) {
	cleaned := strings.TrimSpace(s)
	if cleaned == "" {
		return decimal.Zero, false
	}

	negative := false
	if strings.HasPrefix(cleaned, "(") && strings.HasSuffix(cleaned, ")") {
		negative = true
		cleaned = strings.TrimSuffix(strings.TrimPrefix(cleaned, "("), ")")
	}
	cleaned = strings.NewReplacer(",", "", " ", "", "$", "", "\u00a0", "").Replace(cleaned)
	if cleaned == "" {
		return decimal.Zero, false
	}
	if len(cleaned) > 1 && strings.HasSuffix(cleaned, "-") && !strings.HasPrefix(cleaned, "-") {
		negative = !negative
		cleaned = strings.TrimSuffix(cleaned, "-")
	}

	d, err := decimal.NewFromString(cleaned)
	if err != nil {
		return decimal.Zero, false
	}
	if negative {
		d = d.Neg()
	}
	return d, true
}

// CleanLabel normalizes a label cell: unprintable characters removed, outer
// whitespace trimmed.
func CleanLabel(s string) string {
	return strings.TrimSpace(validation.StripUnprintable(s))
}
