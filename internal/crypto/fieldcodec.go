package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// FieldCodec encrypts individual PII attribute values before they reach
// storage. Callers treat the output as opaque bytes; the audit and
// authorization layers never see plaintext PII.
type FieldCodec struct {
	aead cipher.AEAD
}

// NewFieldCodec derives a field-encryption key from the master key and the
// given context string (HKDF-SHA256) and returns a ready codec.
func NewFieldCodec(masterKey []byte, context string) (*FieldCodec, error) {
	if len(masterKey) < 16 {
		return nil, errors.New("master key must be at least 16 bytes")
	}
	key := make([]byte, 32)
	r := hkdf.New(sha256.New, masterKey, nil, []byte(context))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving field key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &FieldCodec{aead: aead}, nil
}

// Encode encrypts a single attribute value. Empty input stays empty so
// nullable columns round-trip without ciphertext noise.
func (c *FieldCodec) Encode(plaintext string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decode decrypts a blob produced by Encode.
func (c *FieldCodec) Decode(blob []byte) (string, error) {
	if len(blob) == 0 {
		return "", nil
	}
	ns := c.aead.NonceSize()
	if len(blob) < ns {
		return "", errors.New("ciphertext too short")
	}
	plaintext, err := c.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting field: %w", err)
	}
	return string(plaintext), nil
}
