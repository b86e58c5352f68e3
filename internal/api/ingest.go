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

	"github.com/goccy/go-json"

	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// handleIngest accepts first-party client submissions on
// POST /ingest/hrv and POST /ingest/sleep. The body is the raw metric
// payload; validation happens at the publish gate so clients get
// contract violations back synchronously.
func (rt *Router) handleIngest(domain string) http.HandlerFunc {
	route := "/ingest/" + domain
	subject := events.RawReceivedSubject(domain)

	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		status := rt.processIngest(w, r, domain, subject)
		metrics.RecordIngestRequest(route, strconv.Itoa(status), time.Since(start))
	}
}

func (rt *Router) processIngest(w http.ResponseWriter, r *http.Request, domain, subject string) int {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "unreadable_body", "could not read request body")
		return http.StatusBadRequest
	}
	if !json.Valid(body) {
		respondError(w, http.StatusBadRequest, "malformed_payload", "body is not valid JSON")
		return http.StatusBadRequest
	}

	ev := events.NewRawEvent(domain, events.VendorUnknown, body)

	if err := rt.bus.PublishEvent(r.Context(), subject, ev); err != nil {
		var sve *eventbus.SchemaValidationError
		if errors.As(err, &sve) {
			respondError(w, http.StatusBadRequest, "schema_invalid", "payload failed contract validation", sve.Errors...)
			return http.StatusBadRequest
		}
		logging.Ctx(r.Context()).Error().Err(err).
			Str("subject", subject).
			Msg("Ingest publish failed")
		respondError(w, http.StatusServiceUnavailable, "publish_failed", "event could not be accepted, retry later")
		return http.StatusServiceUnavailable
	}

	respondJSON(w, http.StatusOK, receivedResponse{
		Status:    "received",
		EventID:   ev.EventID,
		Timestamp: ev.ReceivedAt,
	})
	return http.StatusOK
}
