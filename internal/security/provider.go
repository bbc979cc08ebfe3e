package security

import "errors"

// PANCodec is the reversible PAN encryption contract. Implementations hold one
// process-wide key; ciphertexts are opaque printable strings.
type PANCodec interface {
	Encrypt(pan string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// Fingerprinter produces a deterministic keyed digest of a PAN so duplicates can
// be found without decrypting every stored card.
type Fingerprinter interface {
	Fingerprint(pan string) []byte
}

var (
	ErrKeyMissing = errors.New("PAN_MASTER_KEY not set")
	ErrKeyInvalid = errors.New("PAN_MASTER_KEY must be 32 bytes, hex or base64 encoded")
	ErrDecrypt    = errors.New("pan ciphertext failed authentication")
)
