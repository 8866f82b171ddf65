// Package util provides small shared helpers used across the secplane library.
package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging token identifiers, where only a prefix should be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// HashPrefix returns the first 16 hex characters of the SHA-256 digest of s.
// Used to correlate sensitive identifiers (subjects, client keys) in logs and
// audit events without disclosing them.
func HashPrefix(s string) string {
	if s == "" {
		return "<empty>"
	}
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
