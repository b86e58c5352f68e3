// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
	"github.com/athlete-ally/athlete-ally/internal/webhook"
)

// webhookEnvelope is the vendor push body: the metric domain plus the
// raw measurement payload.
type webhookEnvelope struct {
	EventType string          `json:"eventType"`
	Data      json.RawMessage `json:"data"`
}

// handleVendorWebhook accepts signed vendor pushes on
// POST /webhooks/{vendor}. The raw body is read before any parsing so
// signature verification sees the exact bytes the vendor signed.
// Senders observe only 200, 400, or 401.
func (rt *Router) handleVendorWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	vendor := chi.URLParam(r, "vendor")
	route := "/webhooks/" + vendor

	status := rt.processWebhook(w, r, vendor)
	metrics.RecordIngestRequest(route, strconv.Itoa(status), time.Since(start))
}

func (rt *Router) processWebhook(w http.ResponseWriter, r *http.Request, vendor string) int {
	secret, ok := rt.webhookSecrets[vendor]
	if !ok {
		respondError(w, http.StatusBadRequest, "unknown_vendor", "no webhook configured for vendor")
		return http.StatusBadRequest
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_body", "could not read request body")
		return http.StatusBadRequest
	}

	signature := r.Header.Get("x-" + vendor + "-signature")
	if !webhook.VerifySignature(secret, body, signature) {
		metrics.RecordSignatureFailure(vendor)
		logging.Ctx(r.Context()).Warn().
			Str("vendor", sanitizeLogValue(vendor)).
			Msg("Webhook signature mismatch")
		respondError(w, http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
		return http.StatusUnauthorized
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		respondError(w, http.StatusBadRequest, "malformed_payload", "body is not valid JSON")
		return http.StatusBadRequest
	}
	if env.EventType != events.DomainHRV && env.EventType != events.DomainSleep {
		respondError(w, http.StatusBadRequest, "unknown_event_type", "eventType must be hrv or sleep")
		return http.StatusBadRequest
	}
	if len(env.Data) == 0 {
		respondError(w, http.StatusBadRequest, "malformed_payload", "data is required")
		return http.StatusBadRequest
	}

	ev := events.NewRawEvent(env.EventType, vendor, env.Data)
	subject := events.RawReceivedSubject(env.EventType)

	if err := rt.bus.PublishEvent(r.Context(), subject, ev); err != nil {
		var sve *eventbus.SchemaValidationError
		if errors.As(err, &sve) {
			respondError(w, http.StatusBadRequest, "schema_invalid", "payload failed contract validation", sve.Errors...)
			return http.StatusBadRequest
		}
		// Broker trouble is invisible to the sender; it surfaces through
		// publish-failure metrics and logs.
		logging.Ctx(r.Context()).Error().Err(err).
			Str("subject", subject).
			Msg("Webhook publish failed")
	}

	respondJSON(w, http.StatusOK, receivedResponse{
		Status:    "received",
		EventID:   ev.EventID,
		Timestamp: ev.ReceivedAt,
	})
	return http.StatusOK
}
