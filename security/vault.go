// Package security provides the credential core's security primitives:
// secret encryption at rest, masking, fixed-window rate limiting, audit
// logging, and request correlation.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrDecryptionFailed indicates stored ciphertext could not be decrypted:
// either the data was tampered with/corrupted or it was encrypted under a
// different key. Callers must treat the credential as unusable, never as
// empty.
var ErrDecryptionFailed = errors.New("decryption failed")

// RedactedPlaceholder is returned by Mask for inputs too short to mask
// without leaking most of the secret.
const RedactedPlaceholder = "[redacted]"

// minMaskableLength is the shortest plaintext Mask will partially reveal.
// Below this, showing 8+4 characters would leak nearly the whole secret.
const minMaskableLength = 12

// Vault encrypts and decrypts secrets with AES-256-GCM and produces
// display-safe masked representations. It holds no mutable state and is safe
// for concurrent use.
type Vault struct {
	aead cipher.AEAD
}

// NewVault creates a Vault from a 64-character hex master key (32 raw bytes).
// The actual AEAD key is derived from the master key with HKDF-SHA256 so the
// raw key material is never used directly and future purposes can derive
// sibling keys without re-provisioning.
//
// A missing or malformed key is a configuration error; callers are expected
// to fail startup on it.
func NewVault(hexKey string) (*Vault, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("encryption key must be exactly 64 hex characters (32 bytes), got %d", len(hexKey))
	}

	master, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}

	key, err := deriveKey(master, "credential-encryption")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// deriveKey derives a 32-byte subkey from the master key, domain-separated
// by purpose.
func deriveKey(master []byte, purpose string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext and returns a base64-encoded blob in the
// storage format [nonce][ciphertext+tag].
func (v *Vault) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	// Seal appends the ciphertext to the nonce slice, producing nonce||ciphertext.
	ciphertext := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt decrypts a blob produced by Encrypt. Any failure (bad base64,
// truncated data, tampering, or a key mismatch) is reported as
// ErrDecryptionFailed.
func (v *Vault) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecryptionFailed)
	}

	nonceSize := v.aead.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// Mask returns a fixed-shape display string for a secret: the first 8
// characters, an ellipsis, and the last 4. Inputs shorter than 12 characters
// degrade to a generic placeholder instead of leaking most of the secret.
// The output is deterministic and cannot be reversed to the original.
func (v *Vault) Mask(plaintext string) string {
	// Counted in runes so multibyte secrets never yield broken prefixes.
	r := []rune(plaintext)
	if len(r) < minMaskableLength {
		return RedactedPlaceholder
	}
	return string(r[:8]) + "…" + string(r[len(r)-4:])
}

// GenerateKey generates a random 32-byte master key encoded as 64 hex
// characters, suitable for the encryption key configuration value.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
