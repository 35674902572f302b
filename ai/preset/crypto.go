// Package preset stores per-user LLM credential presets with encrypted API
// keys and brokers per-group active/fallback bindings that decide which
// credentials drive each advancement.
package preset

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey is returned when the cipher key file is malformed.
	ErrInvalidKey = errors.New("invalid encryption key")
	// ErrInvalidCiphertext is returned when a stored api_key cannot be
	// decrypted, typically after the key file changed.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// loadOrCreateKey reads the 32-byte symmetric key from path, generating it
// with owner-only permissions on first use. The key is loaded once at
// startup and never reloaded.
func loadOrCreateKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != chacha20poly1305.KeySize {
			return nil, ErrInvalidKey
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key = make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return key, nil
}

// encryptSecret seals plaintext with ChaCha20-Poly1305; the random nonce is
// prefixed to the ciphertext and the whole blob base64-encoded.
func encryptSecret(key []byte, plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", ErrInvalidKey
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// decryptSecret reverses encryptSecret. Any tampering or key mismatch
// yields ErrInvalidCiphertext, never a partial plaintext.
func decryptSecret(key []byte, encoded string) (string, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", ErrInvalidKey
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	if len(data) < aead.NonceSize() {
		return "", ErrInvalidCiphertext
	}

	nonce, sealed := data[:aead.NonceSize()], data[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plaintext), nil
}
