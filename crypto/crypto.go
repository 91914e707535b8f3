// Package crypto protects the phone numbers kept in the analysis history.
// A Keyring derives two keys from one secret: an HMAC key that maps a number
// to a stable pseudonym (usable for grouping and lookups) and an AES-256-GCM
// key that seals the number so an operator holding the secret can recover it.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
)

// Keyring pseudonymizes and seals identifiers.
type Keyring struct {
	macKey  []byte
	sealKey []byte // 32 bytes for AES-256
}

// NewKeyring creates a keyring from a base64-encoded 32-byte secret.
// The secret should be generated using a cryptographically secure random source:
//
//	openssl rand -base64 32
func NewKeyring(base64Key string) (*Keyring, error) {
	if base64Key == "" {
		return nil, fmt.Errorf("history key is empty")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid history key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid history key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	return &Keyring{macKey: derive(key, "pseudonym"), sealKey: derive(key, "seal")}, nil
}

func derive(secret []byte, label string) []byte {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(label))
	return m.Sum(nil)
}

// Pseudonym maps id to a stable hex digest. Equal ids always produce equal
// pseudonyms under the same key.
func (k *Keyring) Pseudonym(id string) string {
	m := hmac.New(sha256.New, k.macKey)
	m.Write([]byte(id))
	return hex.EncodeToString(m.Sum(nil))
}

// Seal encrypts plaintext as nonce || ciphertext || tag, base64-encoded for
// text columns. Empty input seals to "".
func (k *Keyring) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, []byte(plaintext), nil)), nil
}

// Open reverses Seal. It fails if the value was tampered with or sealed
// under another key.
func (k *Keyring) Open(sealed string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("base64 decode failed: %w", err)
	}
	gcm, err := k.gcm()
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", gcm.NonceSize(), len(raw))
	}
	nonce, body := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		// Don't expose internal error details that might leak information
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plaintext), nil
}

func (k *Keyring) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(k.sealKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
