// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package webhook implements HMAC signature verification for vendor
// webhook deliveries (Oura, WHOOP, and ingest service-to-service calls).
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ComputeSignature returns the lowercase hex HMAC-SHA256 of payload
// under secret. An empty secret or empty payload still produces a valid
// digest; the function never fails.
func ComputeSignature(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether received matches the HMAC-SHA256 of
// payload under secret. The comparison is constant-time. A "sha256="
// prefix on the received value is accepted and stripped, matching the
// header convention several vendors use. Malformed input returns false,
// never an error or panic.
func VerifySignature(secret string, payload []byte, received string) bool {
	received = strings.TrimPrefix(received, "sha256=")
	if received == "" {
		return false
	}

	got, err := hex.DecodeString(strings.ToLower(received))
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	want := mac.Sum(nil)

	return hmac.Equal(want, got)
}
