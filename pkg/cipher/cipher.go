// Package cipher provides the default line cipher for slot stores:
// XChaCha20-Poly1305 keyed by the BLAKE2b-256 hash of a passphrase.
//
// Sealed output is nonce || ciphertext || tag. The 24-byte random nonce makes
// encrypting the same line twice produce different output, so identical
// records are not recognizable on disk.
package cipher

import (
	stdcipher "crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrEmptyKey is returned when the key is empty.
	ErrEmptyKey = errors.New("cipher: empty key")

	// ErrMalformed is returned when a ciphertext is too short to hold a
	// nonce and a tag.
	ErrMalformed = errors.New("cipher: malformed ciphertext")

	// ErrAuth is returned when a ciphertext fails authentication: wrong key
	// or tampered data.
	ErrAuth = errors.New("cipher: message authentication failed")
)

// XChaCha enciphers lines with XChaCha20-Poly1305. The zero value reads
// nonces from crypto/rand. It is safe for concurrent use.
type XChaCha struct {
	// Rand overrides the nonce source. Tests use it for deterministic output.
	Rand io.Reader
}

// New returns an XChaCha reading nonces from crypto/rand.
func New() *XChaCha {
	return &XChaCha{}
}

// Encrypt seals plaintext under key.
func (c *XChaCha) Encrypt(plaintext, key string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	src := c.Rand
	if src == nil {
		src = rand.Reader
	}

	out := make([]byte, chacha20poly1305.NonceSizeX, chacha20poly1305.NonceSizeX+len(plaintext)+aead.Overhead())

	if _, err := io.ReadFull(src, out); err != nil {
		return "", fmt.Errorf("cipher: read nonce: %w", err)
	}

	out = aead.Seal(out, out[:chacha20poly1305.NonceSizeX], []byte(plaintext), nil)

	return string(out), nil
}

// Decrypt opens a ciphertext produced by Encrypt with the same key.
func (c *XChaCha) Decrypt(ciphertext, key string) (string, error) {
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}

	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return "", fmt.Errorf("%w: %d bytes", ErrMalformed, len(ciphertext))
	}

	data := []byte(ciphertext)
	nonce, sealed := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrAuth
	}

	return string(plain), nil
}

func newAEAD(key string) (stdcipher.AEAD, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}

	sum := blake2b.Sum256([]byte(key))

	aead, err := chacha20poly1305.NewX(sum[:])
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}

	return aead, nil
}
