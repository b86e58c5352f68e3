// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package metrics provides Prometheus instrumentation for the ingest
// pipeline: message outcomes per domain, DLQ routing, schema contract
// cache efficiency, and the ingest HTTP surface.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingest HTTP Metrics
	IngestRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_requests_total",
			Help: "Total number of ingest HTTP requests",
		},
		[]string{"route", "status_code"},
	)

	IngestRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_request_duration_seconds",
			Help:    "Ingest HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"route"},
	)

	WebhookSignatureFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_signature_failures_total",
			Help: "Total number of webhook requests rejected on signature mismatch",
		},
		[]string{"vendor"},
	)

	// Event Bus Metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"subject"},
	)

	EventPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "event_publish_failures_total",
			Help: "Total number of failed publish attempts",
		},
		[]string{"subject", "reason"}, // reason: "schema_invalid", "broker", "breaker_open"
	)

	// Normalization Consumer Metrics
	MessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalize_messages_consumed_total",
			Help: "Total number of messages pulled from durable consumers",
		},
		[]string{"domain"},
	)

	MessageOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "normalize_message_outcomes_total",
			Help: "Terminal outcome of each message processing attempt",
		},
		// outcome: processed, schema_invalid, retried, max_deliver, non_retryable
		[]string{"domain", "outcome"},
	)

	ProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "normalize_processing_duration_seconds",
			Help:    "Duration of message processing (validate, upsert, republish)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain"},
	)

	ConsumerLag = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "normalize_consumer_pending_messages",
			Help: "Number of pending messages per durable consumer",
		},
		[]string{"domain"},
	)

	// Dead Letter Queue Metrics
	DLQMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_published_total",
			Help: "Total number of messages routed to the Dead Letter Queue",
		},
		[]string{"domain", "reason"}, // schema_invalid, max_deliver, non_retryable
	)

	DLQPublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_publish_failures_total",
			Help: "Total number of failed DLQ publish attempts (message nak'd for redelivery)",
		},
		[]string{"domain"},
	)

	DLQDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dlq_stream_depth",
			Help: "Current number of messages in the DLQ stream per domain",
		},
		[]string{"domain"},
	)

	// Schema Contract Cache Metrics
	SchemaCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schema_cache_hits_total",
			Help: "Total number of compiled schema contract cache hits",
		},
	)

	SchemaCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schema_cache_misses_total",
			Help: "Total number of compiled schema contract cache misses",
		},
	)

	SchemaCacheEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "schema_cache_evictions_total",
			Help: "Total number of schema contract cache evictions (capacity or TTL)",
		},
	)

	SchemaValidationFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schema_validation_failures_total",
			Help: "Total number of payloads rejected by contract validation",
		},
		[]string{"topic"},
	)

	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "postgres_query_duration_seconds",
			Help:    "Duration of Postgres queries in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "postgres_query_errors_total",
			Help: "Total number of Postgres query errors",
		},
		[]string{"operation", "table"},
	)

	// System Metrics
	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordIngestRequest records an ingest HTTP request metric.
func RecordIngestRequest(route, statusCode string, duration time.Duration) {
	IngestRequestsTotal.WithLabelValues(route, statusCode).Inc()
	IngestRequestDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordSignatureFailure records a webhook rejected on signature mismatch.
func RecordSignatureFailure(vendor string) {
	WebhookSignatureFailures.WithLabelValues(vendor).Inc()
}

// RecordPublish records a successful publish to the bus.
func RecordPublish(subject string) {
	EventsPublished.WithLabelValues(subject).Inc()
}

// RecordPublishFailure records a failed publish attempt.
func RecordPublishFailure(subject, reason string) {
	EventPublishFailures.WithLabelValues(subject, reason).Inc()
}

// RecordConsume records a message pulled from a durable consumer.
func RecordConsume(domain string) {
	MessagesConsumed.WithLabelValues(domain).Inc()
}

// RecordOutcome records the terminal outcome of a processing attempt.
func RecordOutcome(domain, outcome string) {
	MessageOutcomes.WithLabelValues(domain, outcome).Inc()
}

// RecordProcessingDuration records the duration of message processing.
func RecordProcessingDuration(domain string, duration time.Duration) {
	ProcessingDuration.WithLabelValues(domain).Observe(duration.Seconds())
}

// UpdateConsumerLag updates the pending-message gauge for a domain.
func UpdateConsumerLag(domain string, pending int64) {
	ConsumerLag.WithLabelValues(domain).Set(float64(pending))
}

// RecordDLQPublish records a message routed to the DLQ.
func RecordDLQPublish(domain, reason string) {
	DLQMessagesPublished.WithLabelValues(domain, reason).Inc()
}

// RecordDLQPublishFailure records a DLQ publish that itself failed.
func RecordDLQPublishFailure(domain string) {
	DLQPublishFailures.WithLabelValues(domain).Inc()
}

// UpdateDLQDepth updates the DLQ stream depth gauge for a domain.
func UpdateDLQDepth(domain string, depth uint64) {
	DLQDepth.WithLabelValues(domain).Set(float64(depth))
}

// RecordSchemaCacheHit records a compiled contract cache hit.
func RecordSchemaCacheHit() {
	SchemaCacheHits.Inc()
}

// RecordSchemaCacheMiss records a compiled contract cache miss.
func RecordSchemaCacheMiss() {
	SchemaCacheMisses.Inc()
}

// RecordSchemaCacheEviction records a contract cache eviction.
func RecordSchemaCacheEviction() {
	SchemaCacheEvictions.Inc()
}

// RecordSchemaValidationFailure records a payload rejected by validation.
func RecordSchemaValidationFailure(topic string) {
	SchemaValidationFailures.WithLabelValues(topic).Inc()
}

// RecordDBQuery records a database query metric.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table).Inc()
	}
}
