// Package stringutil provides common string utility functions.
package stringutil

import "unicode/utf8"

// Truncate shortens s to at most maxRunes runes. It never splits a rune.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	return string([]rune(s)[:maxRunes])
}

// TruncateWithEllipsis shortens s to at most maxRunes runes, the last of
// which is an ellipsis when s was cut.
func TruncateWithEllipsis(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	if maxRunes < 2 {
		return Truncate(s, maxRunes)
	}
	return Truncate(s, maxRunes-1) + "…"
}
