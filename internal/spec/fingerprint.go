package spec

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the generation id of a raw deployment document.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
