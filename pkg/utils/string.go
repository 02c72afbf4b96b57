package utils

import (
	"strings"
	"unicode"
)

// SanitizeString drops control characters from a display name and trims
// surrounding whitespace.
func SanitizeString(s string) string {
	return strings.TrimSpace(strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s))
}

// TruncateString shortens s to at most maxLen runes, marking the cut with
// "..." when there is room for it.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
