package specs

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint computes the content hash over the spec document and plan
// used to detect staleness of an approved plan. Each part is length-framed
// so that moving bytes across the boundary changes the hash.
func Fingerprint(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		var size [8]byte
		n := len(p)
		for i := 0; i < 8; i++ {
			size[i] = byte(n >> (8 * i))
		}
		h.Write(size[:])
		h.Write(p)
	}
	return hex.EncodeToString(h.Sum(nil))
}
