// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package events defines the wire-level event envelope, typed payloads,
// and subject naming shared by the ingest API, the event bus, and the
// normalization consumers.
package events

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Domains carried on the bus. Each domain has its own raw-received and
// normalized-stored subjects and its own durable consumer.
const (
	DomainHRV   = "hrv"
	DomainSleep = "sleep"
)

// Vendors that push data into the platform.
const (
	VendorOura    = "oura"
	VendorWhoop   = "whoop"
	VendorUnknown = "unknown"
)

// DLQ routing reasons. The reason becomes the last subject token so DLQ
// consumers can filter by failure class.
const (
	DLQReasonSchemaInvalid = "schema_invalid"
	DLQReasonMaxDeliver    = "max_deliver"
	DLQReasonNonRetryable  = "non_retryable"
)

// subjectPrefix roots every non-DLQ subject in the platform namespace.
const subjectPrefix = "athlete-ally"

// RawEvent is the envelope published on raw-received subjects.
// Payload stays opaque JSON until the consumer validates it against the
// topic's contract.
type RawEvent struct {
	EventID    string          `json:"eventId"`
	EventType  string          `json:"eventType"`
	Vendor     string          `json:"vendor,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// NewRawEvent builds an envelope around payload with a fresh event ID
// and the current UTC receive time.
func NewRawEvent(eventType, vendor string, payload json.RawMessage) RawEvent {
	return RawEvent{
		EventID:    uuid.NewString(),
		EventType:  eventType,
		Vendor:     vendor,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}
}

// HRVPayload is the raw HRV measurement as vendors or clients submit it.
// RMSSD is the canonical field; LegacyRMSSD covers older clients that
// still send lowercase "rmssd". When both are present RMSSD wins.
type HRVPayload struct {
	UserID       string     `json:"userId"`
	Date         string     `json:"date"`
	RMSSD        *float64   `json:"rMSSD,omitempty"`
	LegacyRMSSD  *float64   `json:"rmssd,omitempty"`
	LnRMSSD      *float64   `json:"lnRmssd,omitempty"`
	CapturedAt   *time.Time `json:"capturedAt,omitempty"`
	RestingHeart *int       `json:"restingHeartRate,omitempty"`
}

// SleepPayload is the raw sleep summary as vendors or clients submit it.
type SleepPayload struct {
	UserID          string     `json:"userId"`
	Date            string     `json:"date"`
	DurationMinutes *int       `json:"durationMinutes"`
	QualityScore    *float64   `json:"qualityScore,omitempty"`
	CapturedAt      *time.Time `json:"capturedAt,omitempty"`
}

// HRVRecord is the canonical normalized HRV row, keyed (UserID, Date).
type HRVRecord struct {
	UserID     string     `json:"userId"`
	Date       string     `json:"date"`
	RMSSD      float64    `json:"rMSSD"`
	LnRMSSD    float64    `json:"lnRmssd"`
	Vendor     string     `json:"vendor"`
	CapturedAt *time.Time `json:"capturedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// SleepRecord is the canonical normalized sleep row, keyed (UserID, Date).
type SleepRecord struct {
	UserID          string     `json:"userId"`
	Date            string     `json:"date"`
	DurationMinutes int        `json:"durationMinutes"`
	QualityScore    *float64   `json:"qualityScore,omitempty"`
	Vendor          string     `json:"vendor"`
	CapturedAt      *time.Time `json:"capturedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// DLQMessage wraps a failed raw message with enough context to triage it
// without replaying the stream.
type DLQMessage struct {
	Reason      string          `json:"reason"`
	Domain      string          `json:"domain"`
	Subject     string          `json:"subject"`
	Error       string          `json:"error,omitempty"`
	Deliveries  uint64          `json:"deliveries"`
	Payload     json.RawMessage `json:"payload"`
	FailedAt    time.Time       `json:"failedAt"`
	ConsumerTag string          `json:"consumerTag,omitempty"`
}

// RawReceivedSubject returns the subject raw vendor/client events are
// published on for a domain.
func RawReceivedSubject(domain string) string {
	return subjectPrefix + "." + domain + ".raw-received"
}

// NormalizedStoredSubject returns the subject normalized records are
// republished on after a successful upsert.
func NormalizedStoredSubject(domain string) string {
	return subjectPrefix + "." + domain + ".normalized-stored"
}

// DLQSubject returns the dead-letter subject for a domain and reason.
func DLQSubject(domain, reason string) string {
	return "dlq." + domain + "." + reason
}
