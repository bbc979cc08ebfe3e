package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const (
	versionAESGCM byte = 0x01
	nonceSize          = 12
)

// AESCodec encrypts PANs with AES-256-GCM under a fresh random nonce per call.
// Encoded form: base64(version || nonce || ciphertext || tag).
type AESCodec struct {
	aead cipher.AEAD
	rand io.Reader
}

func NewAESCodec(key []byte) (*AESCodec, error) {
	if len(key) != MasterKeySize {
		return nil, ErrKeyInvalid
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESCodec{aead: aead, rand: rand.Reader}, nil
}

// NewCodecs builds the AES codec and the fingerprinter from one master key.
func NewCodecs(master []byte) (*AESCodec, *HMACFingerprinter, error) {
	encKey, fpKey, err := DeriveKeys(master)
	if err != nil {
		return nil, nil, err
	}
	defer Wipe(encKey)
	defer Wipe(fpKey)

	codec, err := NewAESCodec(encKey)
	if err != nil {
		return nil, nil, err
	}
	return codec, NewHMACFingerprinter(fpKey), nil
}

func (c *AESCodec) Encrypt(pan string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out := make([]byte, 0, 1+nonceSize+len(pan)+c.aead.Overhead())
	out = append(out, versionAESGCM)
	out = append(out, nonce...)
	out = c.aead.Seal(out, nonce, []byte(pan), []byte{versionAESGCM})
	return base64.StdEncoding.EncodeToString(out), nil
}

func (c *AESCodec) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}
	if len(raw) < 1+nonceSize+c.aead.Overhead() || raw[0] != versionAESGCM {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[1:1+nonceSize], raw[1+nonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, raw[:1])
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

var (
	_ PANCodec      = (*AESCodec)(nil)
	_ Fingerprinter = (*HMACFingerprinter)(nil)
)
