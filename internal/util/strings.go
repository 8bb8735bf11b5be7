// Package util provides small helpers shared across the credential core.
package util

// SafeTruncate truncates s to maxLen characters without panicking on short
// input. Used when logging prefixes of sensitive values like tokens, where
// only a short prefix may ever appear in log output.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
