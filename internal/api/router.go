// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/athlete-ally/athlete-ally/internal/config"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
)

// EventPublisher is the slice of the event bus the HTTP surface needs.
type EventPublisher interface {
	PublishEvent(ctx context.Context, subject string, ev events.RawEvent) error
	Connected() bool
}

// Pinger reports database reachability for health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Router builds the HTTP handler for the ingest service.
type Router struct {
	cfg            config.ServerConfig
	bus            EventPublisher
	db             Pinger
	webhookSecrets map[string]string
}

// NewRouter creates a router. db may be nil in broker-only deployments;
// health then reports the database as unavailable.
func NewRouter(cfg config.ServerConfig, ingest config.IngestConfig, bus EventPublisher, db Pinger) *Router {
	secrets := map[string]string{}
	if ingest.OuraWebhookSecret != "" {
		secrets[events.VendorOura] = ingest.OuraWebhookSecret
	}
	if ingest.WhoopWebhookSecret != "" {
		secrets[events.VendorWhoop] = ingest.WhoopWebhookSecret
	}

	return &Router{
		cfg:            cfg,
		bus:            bus,
		db:             db,
		webhookSecrets: secrets,
	}
}

// Handler assembles the chi mux with the middleware stack and routes.
func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(requestIDMiddleware)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: rt.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	// Probes and metrics stay outside the rate limit so orchestrators
	// are never throttled.
	r.Get("/health", rt.handleHealth)
	r.Get("/health/live", rt.handleLiveness)
	r.Get("/health/ready", rt.handleReadiness)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if rt.cfg.RateLimitRPM > 0 {
			r.Use(httprate.LimitByIP(rt.cfg.RateLimitRPM, time.Minute))
		}

		r.Post("/webhooks/{vendor}", rt.handleVendorWebhook)
		r.Post("/ingest/hrv", rt.handleIngest(events.DomainHRV))
		r.Post("/ingest/sleep", rt.handleIngest(events.DomainSleep))
	})

	return r
}

// requestIDMiddleware tags each request with a correlation ID, reusing
// the caller's X-Request-ID when present.
func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = logging.GenerateRequestID()
		}

		ctx := logging.ContextWithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
