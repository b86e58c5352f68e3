// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package api exposes the HTTP surface: vendor webhooks, direct ingest,
// health probes, and Prometheus metrics.
package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/athlete-ally/athlete-ally/internal/logging"
)

// maxBodyBytes caps inbound payloads; wearable summaries are small.
const maxBodyBytes = 1 << 20 // 1MB

// apiError is the JSON error body.
type apiError struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// errorResponse wraps apiError for the wire.
type errorResponse struct {
	Status string   `json:"status"`
	Error  apiError `json:"error"`
}

// receivedResponse acknowledges an accepted event.
type receivedResponse struct {
	Status    string    `json:"status"`
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// sanitizeLogValue strips control characters so request-derived strings
// cannot forge log entries.
func sanitizeLogValue(s string) string {
	var result strings.Builder
	result.Grow(len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7F {
			result.WriteString(fmt.Sprintf("\\x%02x", r))
		} else {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// respondJSON sends a JSON response with proper headers.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")

	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Error().Err(err).Msg("Failed to write JSON response")
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, code, message string, details ...string) {
	respondJSON(w, status, errorResponse{
		Status: "error",
		Error:  apiError{Code: code, Message: message, Details: details},
	})
}
