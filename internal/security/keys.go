package security

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/alovak/bankcards/internal/cardgen"
)

const (
	MasterKeySize = 32

	infoEncryption  = "bankcards/pan-encryption/v1"
	infoFingerprint = "bankcards/pan-fingerprint/v1"
)

// LoadMasterKey decodes a 32-byte key given as 64 hex characters or base64.
func LoadMasterKey(raw string) ([]byte, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, ErrKeyMissing
	}
	if len(s) == 2*MasterKeySize {
		if k, err := hex.DecodeString(s); err == nil {
			return k, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if k, err := enc.DecodeString(s); err == nil && len(k) == MasterKeySize {
			return k, nil
		}
	}
	return nil, ErrKeyInvalid
}

// DeriveKeys expands the master key into independent encryption and
// fingerprint keys with HKDF-SHA256.
func DeriveKeys(master []byte) (encKey, fpKey []byte, err error) {
	if len(master) != MasterKeySize {
		return nil, nil, ErrKeyInvalid
	}
	encKey, err = expand(master, infoEncryption)
	if err != nil {
		return nil, nil, err
	}
	fpKey, err = expand(master, infoFingerprint)
	if err != nil {
		Wipe(encKey)
		return nil, nil, err
	}
	return encKey, fpKey, nil
}

func expand(master []byte, info string) ([]byte, error) {
	out := make([]byte, MasterKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf %s: %w", info, err)
	}
	return out, nil
}

// HMACFingerprinter keys cardgen.HashPANHMAC with a derived fingerprint key.
type HMACFingerprinter struct {
	key []byte
}

func NewHMACFingerprinter(key []byte) *HMACFingerprinter {
	return &HMACFingerprinter{key: append([]byte(nil), key...)}
}

func (f *HMACFingerprinter) Fingerprint(pan string) []byte {
	return cardgen.HashPANHMAC(pan, f.key)
}

// Wipe zeroes key material. Go gives no guarantee that copies are gone.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
