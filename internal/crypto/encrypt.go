// Package crypto seals small secrets at rest with AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	encPrefix   = "enc:"
	plainPrefix = "plain:"

	// KeySize is the required key length in bytes.
	KeySize = 32
)

// ErrNoKey is returned when opening an "enc:" value without a key.
var ErrNoKey = errors.New("no encryption key configured")

// ParseKey decodes a 32-byte key given as hex (64 chars) or base64.
// An empty string yields a nil key.
func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, nil
	}
	if len(raw) == 2*KeySize {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding} {
		if b, err := enc.DecodeString(raw); err == nil && len(b) == KeySize {
			return b, nil
		}
	}
	return nil, fmt.Errorf("key must be %d bytes encoded as hex or base64", KeySize)
}

// Seal encrypts plaintext with key and returns "enc:<base64(nonce+ciphertext)>".
// A nil key stores the value as "plain:<base64>".
func Seal(plaintext string, key []byte) (string, error) {
	if key == nil {
		return plainPrefix + base64.StdEncoding.EncodeToString([]byte(plaintext)), nil
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Values with neither prefix are returned unchanged so
// stores written before sealing was enabled keep working.
func Open(stored string, key []byte) (string, error) {
	switch {
	case strings.HasPrefix(stored, plainPrefix):
		b, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, plainPrefix))
		if err != nil {
			return "", fmt.Errorf("decode plaintext value: %w", err)
		}
		return string(b), nil
	case strings.HasPrefix(stored, encPrefix):
	default:
		return stored, nil
	}

	if key == nil {
		return "", ErrNoKey
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

// IsSealed reports whether stored was produced by Seal with a key.
func IsSealed(stored string) bool {
	return strings.HasPrefix(stored, encPrefix)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
