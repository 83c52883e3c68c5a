// SPDX-FileCopyrightText: Copyright 2026 MXCP Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher performs authenticated field encryption for store backends.
// The construction is XChaCha20-Poly1305 with a random nonce prepended to
// the ciphertext. A failed authentication surfaces as ErrDecrypt, which
// callers treat as tamper.
type Cipher struct {
	key []byte
}

// ParseKey decodes key material from a resolved secret reference. Accepted
// encodings: base64 (std or url), hex, or 32 raw bytes. Anything else is a
// startup error; the store refuses to open without a valid key.
func ParseKey(material string) ([]byte, error) {
	if material == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}

	candidates := [][]byte{}
	if decoded, err := base64.StdEncoding.DecodeString(material); err == nil {
		candidates = append(candidates, decoded)
	}
	if decoded, err := base64.RawURLEncoding.DecodeString(material); err == nil {
		candidates = append(candidates, decoded)
	}
	if decoded, err := hex.DecodeString(material); err == nil {
		candidates = append(candidates, decoded)
	}
	candidates = append(candidates, []byte(material))

	for _, candidate := range candidates {
		if len(candidate) == chacha20poly1305.KeySize {
			return candidate, nil
		}
	}
	return nil, fmt.Errorf("encryption key must decode to %d bytes", chacha20poly1305.KeySize)
}

// NewCipher creates a Cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	// Copy so callers cannot zero the key out from under us.
	owned := make([]byte, len(key))
	copy(owned, key)
	return &Cipher{key: owned}, nil
}

// NewCipherFromSecret parses and wraps key material in one step.
func NewCipherFromSecret(material string) (*Cipher, error) {
	key, err := ParseKey(material)
	if err != nil {
		return nil, err
	}
	return NewCipher(key)
}

// Encrypt seals plaintext. The output is nonce || ciphertext || tag.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a sealed value. Authentication failure returns ErrDecrypt.
func (c *Cipher) Decrypt(sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}

	if len(sealed) < aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptJSON marshals a value and seals it.
func (c *Cipher) EncryptJSON(value any) ([]byte, error) {
	plaintext, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("marshaling sensitive payload: %w", err)
	}
	return c.Encrypt(plaintext)
}

// DecryptJSON opens a sealed value and unmarshals it into out.
func (c *Cipher) DecryptJSON(sealed []byte, out any) error {
	plaintext, err := c.Decrypt(sealed)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		// A plaintext that authenticated but does not parse means the
		// writer and reader disagree about the schema; fail closed.
		return ErrDecrypt
	}
	return nil
}

// Fingerprint returns the hex SHA-256 fingerprint of a raw token. Tokens
// carry at least 128 bits of entropy, so an unsalted hash is sufficient for
// lookup keys.
func Fingerprint(rawToken string) string {
	sum := sha256.Sum256([]byte(rawToken))
	return hex.EncodeToString(sum[:])
}
