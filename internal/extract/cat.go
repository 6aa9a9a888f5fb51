package extract

import (
	"strings"

	"github.com/lu4p/cat"
)

// extractWithCat handles ODT and RTF through lu4p/cat, which sniffs the format from the bytes.
func extractWithCat(content []byte) (string, error) {
	text, err := cat.FromBytes(content)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}
