package indexer

import (
	"regexp"
	"strings"
)

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// Clean normalizes extracted text before chunking: every line is trimmed, runs of three or
// more newlines collapse to a single blank line, and the whole text is trimmed.
// Lines are trimmed first so whitespace-only lines cannot re-create long newline runs.
func Clean(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = excessNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
