// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package tokens provides encrypted storage for third-party OAuth tokens.
//
// Encryption Algorithm:
//   - AES-256-GCM (authenticated encryption)
//   - 12-byte random IV per encryption
//   - Key must resolve to exactly 32 raw bytes (base64, hex, or raw);
//     passphrase stretching via HKDF-SHA256 is a separate, explicit
//     constructor so a truncated production key fails fast instead of
//     silently encrypting under a derived key
//
// Blob format: base64(iv).base64(ciphertext).base64(tag)
// The three segments are standard base64 joined with "." so that blobs
// stay grep-able in database dumps and the IV is visible without decoding
// the whole payload.
package tokens

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
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// tokenKeySalt binds HKDF derivation to the token-store use case.
	tokenKeySalt = "athlete-ally-token-store"

	// tokenKeyInfo is the HKDF info parameter for key derivation.
	tokenKeyInfo = "token-encryption-v1"

	// aesKeySize is the size of the AES key in bytes (256 bits).
	aesKeySize = 32

	// gcmIVSize is the size of the GCM IV in bytes.
	gcmIVSize = 12

	// gcmTagSize is the size of the GCM authentication tag in bytes.
	gcmTagSize = 16
)

var (
	// ErrEmptyKey is returned when an empty encryption key is provided.
	ErrEmptyKey = errors.New("token encryption key cannot be empty")

	// ErrInvalidKeyLength is returned when key material does not resolve
	// to exactly 32 raw bytes.
	ErrInvalidKeyLength = errors.New("token encryption key must be 32 bytes (raw, base64, or hex encoded)")

	// ErrEmptyPlaintext is returned when attempting to encrypt empty data.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")

	// ErrInvalidBlob is returned when a stored blob does not have the
	// expected iv.ciphertext.tag layout.
	ErrInvalidBlob = errors.New("invalid token blob format")

	// ErrDecryptionFailed is returned when authentication fails on decrypt,
	// covering both a wrong key and a tampered blob.
	ErrDecryptionFailed = errors.New("token decryption failed: invalid ciphertext or authentication tag")
)

// Cipher encrypts and decrypts token material with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from key material that must decode to
// exactly 32 raw bytes (base64, hex, or raw). Anything else fails with
// ErrInvalidKeyLength, so a truncated or mistyped TOKEN_ENCRYPTION_KEY
// is caught at startup rather than stretched into an unintended key.
func NewCipher(keyMaterial string) (*Cipher, error) {
	if keyMaterial == "" {
		return nil, ErrEmptyKey
	}

	key, err := resolveKey(keyMaterial)
	if err != nil {
		return nil, err
	}
	return newCipherFromKey(key)
}

// NewCipherFromPassphrase derives a 32-byte key from an arbitrary
// passphrase with HKDF-SHA256. Intended for development and tests;
// production deployments should provision a full-entropy key and use
// NewCipher.
func NewCipherFromPassphrase(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, ErrEmptyKey
	}

	r := hkdf.New(sha256.New, []byte(passphrase), []byte(tokenKeySalt), []byte(tokenKeyInfo))
	key := make([]byte, aesKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to read HKDF output: %w", err)
	}
	return newCipherFromKey(key)
}

func newCipherFromKey(key []byte) (*Cipher, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts plaintext and returns the three-segment blob.
// A fresh random IV is generated per call, so encrypting the same
// plaintext twice yields different blobs.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	iv := make([]byte, gcmIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}

	// Seal appends ciphertext||tag; split the tag off for the blob layout.
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	if len(sealed) < gcmTagSize {
		return "", ErrDecryptionFailed
	}
	ciphertext := sealed[:len(sealed)-gcmTagSize]
	tag := sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		base64.StdEncoding.EncodeToString(iv),
		base64.StdEncoding.EncodeToString(ciphertext),
		base64.StdEncoding.EncodeToString(tag),
	}, "."), nil
}

// Decrypt decrypts a blob produced by Encrypt.
// Returns ErrInvalidBlob for malformed input and ErrDecryptionFailed
// when the key is wrong or any segment has been tampered with.
func (c *Cipher) Decrypt(blob string) (string, error) {
	if blob == "" {
		return "", ErrInvalidBlob
	}

	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		return "", ErrInvalidBlob
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != gcmIVSize {
		return "", ErrInvalidBlob
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrInvalidBlob
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(tag) != gcmTagSize {
		return "", ErrInvalidBlob
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	return string(plaintext), nil
}

// Validate performs an encrypt/decrypt round trip to confirm the key
// material is usable. Called once at startup.
func (c *Cipher) Validate() error {
	const probe = "token-cipher-validation"

	blob, err := c.Encrypt(probe)
	if err != nil {
		return fmt.Errorf("encryption test failed: %w", err)
	}

	got, err := c.Decrypt(blob)
	if err != nil {
		return fmt.Errorf("decryption test failed: %w", err)
	}
	if got != probe {
		return errors.New("round-trip validation failed: data mismatch")
	}

	return nil
}

// MaskToken returns a masked token for logs. Shows only the last 4
// characters preceded by asterisks.
func MaskToken(token string) string {
	if token == "" {
		return ""
	}
	if len(token) <= 4 {
		return "****"
	}
	return "****..." + token[len(token)-4:]
}

// resolveKey decodes key material into exactly 32 raw bytes, trying
// base64, then hex, then the raw string itself.
func resolveKey(keyMaterial string) ([]byte, error) {
	if raw, err := base64.StdEncoding.DecodeString(keyMaterial); err == nil && len(raw) == aesKeySize {
		return raw, nil
	}
	if raw, err := hex.DecodeString(keyMaterial); err == nil && len(raw) == aesKeySize {
		return raw, nil
	}
	if len(keyMaterial) == aesKeySize {
		return []byte(keyMaterial), nil
	}
	return nil, ErrInvalidKeyLength
}
