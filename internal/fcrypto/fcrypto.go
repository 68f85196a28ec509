// Package fcrypto provides AES-256-GCM encryption for values at rest: an
// API-key record's secret, a Flow-API's webhook URL, or any other sensitive
// string the Postgres run/flow store needs to persist.
//
// Encrypted values are prefixed with "enc:" followed by base64-encoded
// ciphertext (nonce + sealed data), so encrypted and legacy plaintext rows
// are trivially distinguishable on read.
package fcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const encPrefix = "enc:"

// Encrypt encrypts plaintext using AES-256-GCM and returns a string with the
// format "enc:<base64(nonce + ciphertext)>". The key must be exactly 32
// bytes. An empty plaintext is returned unchanged.
func Encrypt(plaintext string, key []byte) (string, error) {
	if plaintext == "" {
		return plaintext, nil
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a value previously produced by Encrypt. A value without
// the "enc:" prefix is returned unchanged (plaintext passthrough, so rows
// written before encryption was enabled still read back correctly).
func Decrypt(ciphertext string, key []byte) (string, error) {
	if !IsEncrypted(ciphertext) {
		return ciphertext, nil
	}

	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encPrefix))
	if err != nil {
		return "", fmt.Errorf("decode base64: %w", err)
	}

	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, sealed := data[:nonceSize], data[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}

	return string(plaintext), nil
}

// IsEncrypted reports whether value carries the "enc:" prefix.
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// DeriveKey derives a 32-byte AES-256 key from an arbitrary-length
// passphrase by hashing it with SHA-256.
func DeriveKey(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("encryption key must not be empty")
	}

	hash := sha256.Sum256([]byte(passphrase))

	return hash[:], nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
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

// APIKeyRecord is a stored API key: a bearer secret plus the scopes and
// expiry it is authorized for (§6.1). Secret is the only field encrypted at
// rest.
type APIKeyRecord struct {
	ID        string
	Secret    string
	Scopes    []string
	ExpiresAt string // RFC3339, empty = never
}

// EncryptAPIKey returns a copy of rec with Secret encrypted. A nil key is a no-op.
func EncryptAPIKey(rec APIKeyRecord, key []byte) (APIKeyRecord, error) {
	if key == nil || rec.Secret == "" {
		return rec, nil
	}
	enc, err := Encrypt(rec.Secret, key)
	if err != nil {
		return rec, fmt.Errorf("encrypt api key secret: %w", err)
	}
	rec.Secret = enc
	return rec, nil
}

// DecryptAPIKey returns a copy of rec with Secret decrypted. A nil key is a no-op.
func DecryptAPIKey(rec APIKeyRecord, key []byte) (APIKeyRecord, error) {
	if key == nil || rec.Secret == "" {
		return rec, nil
	}
	dec, err := Decrypt(rec.Secret, key)
	if err != nil {
		return rec, fmt.Errorf("decrypt api key secret: %w", err)
	}
	rec.Secret = dec
	return rec, nil
}
