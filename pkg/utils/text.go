// Package utils provides shared utilities for text, math, and logging.
package utils

// Truncate returns s cut to at most maxRunes characters with "..." appended when cut.
// If maxRunes is 0 or negative, returns s unchanged.
func Truncate(s string, maxRunes int) string {
	if maxRunes <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == maxRunes {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
