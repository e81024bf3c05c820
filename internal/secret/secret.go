// Package secret encrypts job parameters at rest
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
)

// ErrCiphertextTooShort is returned when decrypting bytes that cannot hold a nonce
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Cipher encrypts and decrypts opaque parameter blobs
type Cipher interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// Nop stores parameters as-is, used when no key is configured
type Nop struct{}

func (Nop) Encrypt(plain []byte) ([]byte, error)  { return plain, nil }
func (Nop) Decrypt(sealed []byte) ([]byte, error) { return sealed, nil }

// AESGCM seals parameters with AES-256-GCM. The nonce is prepended to the output.
type AESGCM struct {
	aead cipher.AEAD
}

// NewAESGCM derives a 256-bit key from an arbitrary passphrase
func NewAESGCM(key string) (*AESGCM, error) {
	if key == "" {
		return nil, errors.New("encryption key is empty")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create gcm: %w", err)
	}
	return &AESGCM{aead: aead}, nil
}

func (c *AESGCM) Encrypt(plain []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plain, nil), nil
}

func (c *AESGCM) Decrypt(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrCiphertextTooShort
	}
	plain, err := c.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt parameters: %w", err)
	}
	return plain, nil
}

// New returns an AES-GCM cipher for key, or Nop when key is empty
func New(key string) (Cipher, error) {
	if key == "" {
		return Nop{}, nil
	}
	return NewAESGCM(key)
}
