package validation

import "testing"

func TestSanitizeForFormulaInjection(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"=SUM(A1:A2)", "'=SUM(A1:A2)"},
		{"  +1", "'  +1"},
		{"@cmd", "'@cmd"},
		{"Office Supplies", "Office Supplies"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := SanitizeForFormulaInjection(tt.in); got != tt.want {
			t.Errorf("SanitizeForFormulaInjection(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeCSVRecordOnlyTouchesTextColumns(t *testing.T) {
	in := []string{"-Refunds", "-25.00"}
	got := SanitizeCSVRecord(in, 0)
	if got[0] != "'-Refunds" {
		t.Errorf("text column not sanitized: %q", got[0])
	}
	if got[1] != "-25.00" {
		t.Errorf("numeric column changed: %q", got[1])
	}
	if in[0] != "-Refunds" {
		t.Error("input record was mutated")
	}
}

func TestStripUnprintable(t *testing.T) {
	if got := StripUnprintable("Bank\x00 Fees\x07"); got != "Bank Fees" {
		t.Errorf("StripUnprintable = %q", got)
	}
}
