package util

import "testing"

func TestNormalizeDocumentNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"900101-10-1234", "900101101234"},
		{"900101 10 1234", "900101101234"},
		{"a1234567", "A1234567"},
		{"  A1234567  ", "A1234567"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDocumentNumber(tt.raw); got != tt.want {
			t.Errorf("NormalizeDocumentNumber(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestMaskDocumentNumber(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"900101-10-1234", "********1234"},
		{"1234", "****"},
		{"12", "**"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MaskDocumentNumber(tt.raw); got != tt.want {
			t.Errorf("MaskDocumentNumber(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeDocumentName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{"  ahmad   bin  abdullah ", "AHMAD BIN ABDULLAH"},
		{"Jane\tDoe", "JANE DOE"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeDocumentName(tt.raw); got != tt.want {
			t.Errorf("NormalizeDocumentName(%q) = %q, want %q", tt.raw, got, tt.want)
		}
	}
}
