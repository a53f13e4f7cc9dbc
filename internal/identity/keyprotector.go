package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/scrypt"
)

// KeyProtector wraps private key bytes for storage and unwraps them on
// load. Real platform keystores (macOS Keychain, Windows DPAPI, a Secret
// Service daemon) satisfy this without ever handing the plaintext key to
// this process's disk; ScryptProtector is the portable fallback used when
// none is available, which is this CLI daemon's default.
type KeyProtector interface {
	Protect(plaintext []byte) (ciphertext []byte, err error)
	Unprotect(ciphertext []byte) (plaintext []byte, err error)
}

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// ScryptProtector derives an AES-256-GCM key from a locally held passphrase
// (typically a random value generated once and stored, 0600, alongside the
// key store) via scrypt: a KDF appropriate for deriving a symmetric key,
// not a password hash meant for comparison.
type ScryptProtector struct {
	passphrase []byte
}

// NewScryptProtector returns a protector deriving its key from passphrase.
func NewScryptProtector(passphrase []byte) *ScryptProtector {
	return &ScryptProtector{passphrase: passphrase}
}

// Protect encrypts plaintext under a freshly derived key, prefixing the
// ciphertext with the random salt and nonce needed to reverse it.
func (s *ScryptProtector) Protect(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("identity: salt: %w", err)
	}
	gcm, err := s.gcmFor(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("identity: nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Unprotect reverses Protect.
func (s *ScryptProtector) Unprotect(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < saltLen {
		return nil, fmt.Errorf("identity: ciphertext too short")
	}
	salt, rest := ciphertext[:saltLen], ciphertext[saltLen:]
	gcm, err := s.gcmFor(salt)
	if err != nil {
		return nil, err
	}
	if len(rest) < gcm.NonceSize() {
		return nil, fmt.Errorf("identity: ciphertext too short")
	}
	nonce, sealed := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("identity: decrypt: %w", err)
	}
	return plaintext, nil
}

func (s *ScryptProtector) gcmFor(salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(s.passphrase, salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("identity: derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("identity: aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("identity: gcm: %w", err)
	}
	return gcm, nil
}

// NoopProtector stores key bytes as-is. It exists for tests and for
// platforms where the caller has already arranged filesystem-level
// protection (e.g. a root-owned, mode-0600 state directory) and does not
// want a second layer of at-rest encryption.
type NoopProtector struct{}

func (NoopProtector) Protect(plaintext []byte) ([]byte, error)    { return plaintext, nil }
func (NoopProtector) Unprotect(ciphertext []byte) ([]byte, error) { return ciphertext, nil }
