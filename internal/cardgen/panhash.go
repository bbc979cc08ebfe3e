package cardgen

import (
	"crypto/hmac"
	"crypto/sha256"
)

// HashPANHMAC computes HMAC-SHA256 over a normalized PAN. The result is used
// as a lookup/uniqueness fingerprint; it is not reversible.
func HashPANHMAC(pan string, key []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(NormalizePAN(pan)))
	return h.Sum(nil)
}
