package types

import "testing"

func TestRedactEmail(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"jane@example.com", "j***@example.com"},
		{"j@example.com", "j***@example.com"},
		{"", ""},
		{"not-an-address", "***"},
		{"@example.com", "***@example.com"},
	}
	for _, tt := range tests {
		if got := RedactEmail(tt.input); got != tt.want {
			t.Errorf("RedactEmail(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
