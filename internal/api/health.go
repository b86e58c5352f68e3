// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package api

import (
	"context"
	"net/http"
	"time"
)

// healthResponse is the GET /health body.
type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealth reports overall service health with per-dependency
// detail. Degraded dependencies turn the status to "degraded" with a
// 503 so load balancers rotate the instance out.
func (rt *Router) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := map[string]string{
		"database": "ok",
		"nats":     "ok",
	}
	healthy := true

	if rt.db == nil || rt.db.Ping(ctx) != nil {
		services["database"] = "unavailable"
		healthy = false
	}
	if rt.bus == nil || !rt.bus.Connected() {
		services["nats"] = "unavailable"
		healthy = false
	}

	status := "ok"
	code := http.StatusOK
	if !healthy {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, healthResponse{Status: status, Services: services})
}

// handleLiveness is a Kubernetes liveness probe: the process is up.
func (rt *Router) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// handleReadiness is a Kubernetes readiness probe: dependencies are
// reachable and the instance can take traffic.
func (rt *Router) handleReadiness(w http.ResponseWriter, r *http.Request) {
	rt.handleHealth(w, r)
}
