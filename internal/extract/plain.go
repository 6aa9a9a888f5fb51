package extract

import (
	"strings"
	"unicode/utf8"
)

// extractPlain returns content as string. Invalid UTF-8 sequences are replaced with U+FFFD.
func extractPlain(content []byte) (string, error) {
	return toValidUTF8(content), nil
}

func toValidUTF8(content []byte) string {
	if utf8.Valid(content) {
		return string(content)
	}
	return strings.ToValidUTF8(string(content), "\ufffd")
}
