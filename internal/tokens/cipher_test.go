// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package tokens

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func TestNewCipher_EmptyKey(t *testing.T) {
	t.Parallel()

	if _, err := NewCipher(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}
}

func TestNewCipher_KeyFormats(t *testing.T) {
	t.Parallel()

	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = byte(i)
	}

	tests := []struct {
		name string
		key  string
	}{
		{"base64 32-byte key", base64.StdEncoding.EncodeToString(raw)},
		{"hex 32-byte key", "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"},
		{"raw 32-char key", strings.Repeat("k", 32)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, err := NewCipher(tt.key)
			if err != nil {
				t.Fatalf("NewCipher failed: %v", err)
			}
			if err := c.Validate(); err != nil {
				t.Errorf("Validate failed: %v", err)
			}
		})
	}
}

func TestNewCipher_RejectsNon32ByteKeys(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		key  string
	}{
		{"20-byte raw key", "only-20-bytes-key!!!"},
		{"31-byte raw key", strings.Repeat("k", 31)},
		{"33-byte raw key", strings.Repeat("k", 33)},
		{"base64 of 16 bytes", base64.StdEncoding.EncodeToString(make([]byte, 16))},
		{"hex of 12 bytes", strings.Repeat("ab", 12)},
		{"passphrase", "not-a-32-byte-key"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewCipher(tt.key); !errors.Is(err, ErrInvalidKeyLength) {
				t.Errorf("Expected ErrInvalidKeyLength, got %v", err)
			}
		})
	}
}

func TestNewCipherFromPassphrase(t *testing.T) {
	t.Parallel()

	if _, err := NewCipherFromPassphrase(""); !errors.Is(err, ErrEmptyKey) {
		t.Errorf("Expected ErrEmptyKey, got %v", err)
	}

	c, err := NewCipherFromPassphrase("short dev passphrase")
	if err != nil {
		t.Fatalf("NewCipherFromPassphrase failed: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}

	// Same passphrase derives the same key.
	c2, err := NewCipherFromPassphrase("short dev passphrase")
	if err != nil {
		t.Fatalf("NewCipherFromPassphrase failed: %v", err)
	}
	blob, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	got, err := c2.Decrypt(blob)
	if err != nil || got != "secret" {
		t.Errorf("Expected cross-instance decrypt, got %q, err %v", got, err)
	}
}

func TestCipher_RoundTrip(t *testing.T) {
	t.Parallel()

	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	plaintext := "oura-access-token-abc123"
	blob, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	got, err := c.Decrypt(blob)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if got != plaintext {
		t.Errorf("Expected %q, got %q", plaintext, got)
	}
}

func TestCipher_BlobFormat(t *testing.T) {
	t.Parallel()

	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	blob, err := c.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	parts := strings.Split(blob, ".")
	if len(parts) != 3 {
		t.Fatalf("Expected 3 blob segments, got %d", len(parts))
	}

	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(iv) != 12 {
		t.Errorf("Expected 12-byte base64 IV, got %d bytes, err %v", len(iv), err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil || len(tag) != 16 {
		t.Errorf("Expected 16-byte base64 tag, got %d bytes, err %v", len(tag), err)
	}
}

func TestCipher_FreshIVPerEncrypt(t *testing.T) {
	t.Parallel()

	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	blob1, _ := c.Encrypt("same-plaintext")
	blob2, _ := c.Encrypt("same-plaintext")
	if blob1 == blob2 {
		t.Error("Expected distinct blobs for repeated plaintext")
	}
}

func TestCipher_TamperedBlob(t *testing.T) {
	t.Parallel()

	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	blob, err := c.Encrypt("secret-token")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	parts := strings.Split(blob, ".")

	flip := func(seg string) string {
		raw, _ := base64.StdEncoding.DecodeString(seg)
		raw[0] ^= 0x01
		return base64.StdEncoding.EncodeToString(raw)
	}

	tests := []struct {
		name string
		blob string
	}{
		{"tampered iv", flip(parts[0]) + "." + parts[1] + "." + parts[2]},
		{"tampered ciphertext", parts[0] + "." + flip(parts[1]) + "." + parts[2]},
		{"tampered tag", parts[0] + "." + parts[1] + "." + flip(parts[2])},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.Decrypt(tt.blob); !errors.Is(err, ErrDecryptionFailed) {
				t.Errorf("Expected ErrDecryptionFailed, got %v", err)
			}
		})
	}
}

func TestCipher_MalformedBlob(t *testing.T) {
	t.Parallel()

	c, err := NewCipherFromPassphrase("test-passphrase")
	if err != nil {
		t.Fatalf("NewCipher failed: %v", err)
	}

	tests := []struct {
		name string
		blob string
	}{
		{"empty", ""},
		{"one segment", "abc"},
		{"two segments", "abc.def"},
		{"four segments", "a.b.c.d"},
		{"non-base64 iv", "!!!.YWJj.YWJjZGVmZ2hpamtsbW5vcA=="},
		{"short iv", base64.StdEncoding.EncodeToString([]byte("short")) + ".YWJj.YWJjZGVmZ2hpamtsbW5vcA=="},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := c.Decrypt(tt.blob); !errors.Is(err, ErrInvalidBlob) {
				t.Errorf("Expected ErrInvalidBlob, got %v", err)
			}
		})
	}
}

func TestCipher_WrongKey(t *testing.T) {
	t.Parallel()

	c1, _ := NewCipherFromPassphrase("key-one")
	c2, _ := NewCipherFromPassphrase("key-two")

	blob, err := c1.Encrypt("secret")
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}

	if _, err := c2.Decrypt(blob); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Expected ErrDecryptionFailed with wrong key, got %v", err)
	}
}

func TestMaskToken(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"abc", "****"},
		{"abcd", "****"},
		{"token-abc123", "****...c123"},
	}

	for _, tt := range tests {
		if got := MaskToken(tt.in); got != tt.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
