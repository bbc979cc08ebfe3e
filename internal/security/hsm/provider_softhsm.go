//go:build softhsm

package hsm

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/alovak/bankcards/internal/security"
)

const (
	versionHSMGCM byte = 0x02
	nonceSize          = 12
	tagBits            = 128
)

// SoftHSMCodec encrypts PANs with CKM_AES_GCM under an AES key that never leaves
// the token. Enabled with the softhsm build tag so default builds do not need
// a PKCS#11 library.
type SoftHSMCodec struct {
	libPath  string
	slotID   uint
	pin      string
	keyLabel string

	mu       sync.Mutex
	p11      *pkcs11.Ctx
	sess     pkcs11.SessionHandle
	loggedIn bool
	key      pkcs11.ObjectHandle
}

func NewSoftHSMCodec(libPath string, slotID uint, pin, keyLabel string) *SoftHSMCodec {
	return &SoftHSMCodec{libPath: libPath, slotID: slotID, pin: pin, keyLabel: keyLabel}
}

// Open loads the PKCS#11 library, logs into the slot and finds the AES key by
// label. On failure everything opened so far is released.
func (p *SoftHSMCodec) Open() error {
	p.p11 = pkcs11.New(p.libPath)
	if p.p11 == nil {
		return fmt.Errorf("load pkcs11 lib %s failed", p.libPath)
	}
	if err := p.p11.Initialize(); err != nil {
		p.p11.Destroy()
		p.p11 = nil
		return fmt.Errorf("pkcs11 initialize: %w", err)
	}
	if err := p.openKey(); err != nil {
		p.Close()
		return err
	}
	return nil
}

func (p *SoftHSMCodec) openKey() error {
	sess, err := p.p11.OpenSession(p.slotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		return fmt.Errorf("open session on slot %d: %w", p.slotID, err)
	}
	p.sess = sess
	if err := p.p11.Login(p.sess, pkcs11.CKU_USER, p.pin); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	p.loggedIn = true

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, p.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, pkcs11.CKK_AES),
	}
	if err := p.p11.FindObjectsInit(p.sess, template); err != nil {
		return fmt.Errorf("find key: %w", err)
	}
	objs, _, err := p.p11.FindObjects(p.sess, 1)
	_ = p.p11.FindObjectsFinal(p.sess)
	if err != nil {
		return fmt.Errorf("find key: %w", err)
	}
	if len(objs) == 0 {
		return fmt.Errorf("pan key not found by label=%s", p.keyLabel)
	}
	p.key = objs[0]
	return nil
}

func (p *SoftHSMCodec) Close() {
	if p.p11 != nil {
		if p.loggedIn {
			_ = p.p11.Logout(p.sess)
			p.loggedIn = false
		}
		if p.sess != 0 {
			_ = p.p11.CloseSession(p.sess)
			p.sess = 0
		}
		_ = p.p11.Finalize()
		p.p11.Destroy()
		p.p11 = nil
	}
}

// Encrypt output mirrors the AES codec layout with its own version byte:
// base64(version || nonce || ciphertext || tag).
func (p *SoftHSMCodec) Encrypt(pan string) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	params := pkcs11.NewGCMParams(nonce, []byte{versionHSMGCM}, tagBits)
	defer params.Free()

	p.mu.Lock()
	defer p.mu.Unlock()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}
	if err := p.p11.EncryptInit(p.sess, mech, p.key); err != nil {
		return "", fmt.Errorf("encrypt init: %w", err)
	}
	sealed, err := p.p11.Encrypt(p.sess, []byte(pan))
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}

	out := make([]byte, 0, 1+nonceSize+len(sealed))
	out = append(out, versionHSMGCM)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (p *SoftHSMCodec) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(raw) < 1+nonceSize+tagBits/8 || raw[0] != versionHSMGCM {
		return "", security.ErrDecrypt
	}
	params := pkcs11.NewGCMParams(raw[1:1+nonceSize], raw[:1], tagBits)
	defer params.Free()

	p.mu.Lock()
	defer p.mu.Unlock()
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_GCM, params)}
	if err := p.p11.DecryptInit(p.sess, mech, p.key); err != nil {
		return "", fmt.Errorf("decrypt init: %w", err)
	}
	plain, err := p.p11.Decrypt(p.sess, raw[1+nonceSize:])
	if err != nil {
		return "", security.ErrDecrypt
	}
	return string(plain), nil
}

var _ security.PANCodec = (*SoftHSMCodec)(nil)
