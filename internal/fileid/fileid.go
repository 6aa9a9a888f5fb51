// Package fileid computes content checksums used to recognise files that were already ingested.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
)

const prefix = "sha256:"

// Checksum returns a stable identifier for content. Identical bytes always yield the same value,
// whatever the file name.
func Checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return prefix + hex.EncodeToString(sum[:])
}
