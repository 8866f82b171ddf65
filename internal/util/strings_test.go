package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "short", 10, "short"},
		{"exactly max", "12345678", 8, "12345678"},
		{"longer than max", "very-long-token-abc123", 8, "very-lon"},
		{"zero max", "anything", 0, ""},
		{"negative max", "anything", -1, ""},
		{"empty string", "", 5, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestHashPrefix(t *testing.T) {
	if got := HashPrefix(""); got != "<empty>" {
		t.Errorf("HashPrefix(\"\") = %q, want <empty>", got)
	}

	h := HashPrefix("subject-1")
	if len(h) != 16 {
		t.Errorf("HashPrefix length = %d, want 16", len(h))
	}

	// Deterministic
	if HashPrefix("subject-1") != h {
		t.Error("HashPrefix should be deterministic")
	}

	// Distinct inputs should produce distinct prefixes
	if HashPrefix("subject-2") == h {
		t.Error("HashPrefix should differ for different inputs")
	}
}
