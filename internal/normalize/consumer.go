// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package normalize

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/athlete-ally/athlete-ally/internal/config"
	"github.com/athlete-ally/athlete-ally/internal/contracts"
	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// Outcome labels recorded per processed message.
const (
	outcomeProcessed     = "processed"
	outcomeSchemaInvalid = "schema_invalid"
	outcomeRetried       = "retried"
	outcomeMaxDeliver    = "max_deliver"
	outcomeNonRetryable  = "non_retryable"
)

// dlqPublishAttempts bounds retries when the DLQ publish itself fails;
// after that the original message is Nak'd so nothing is lost.
const dlqPublishAttempts = 3

// Publisher is the slice of the event bus the consumer needs.
type Publisher interface {
	PublishJSON(ctx context.Context, subject string, v any, msgID string) error
}

// Consumer drives the normalization state machine for one domain. It
// pulls batches from a durable JetStream consumer and processes each
// message to a terminal Ack/Nak decision.
type Consumer struct {
	domain   string
	cfg      config.ConsumerConfig
	bus      Publisher
	registry *contracts.Registry
	handler  Handler
	source   jetstream.Consumer
}

// NewConsumer wires a consumer for handler's domain. Attach a message
// source before calling Serve.
func NewConsumer(cfg config.ConsumerConfig, bus Publisher, registry *contracts.Registry, handler Handler) *Consumer {
	return &Consumer{
		domain:   handler.Domain(),
		cfg:      cfg,
		bus:      bus,
		registry: registry,
		handler:  handler,
	}
}

// Attach sets the durable consumer messages are pulled from.
func (c *Consumer) Attach(source jetstream.Consumer) {
	c.source = source
}

// Domain returns the domain this consumer serves.
func (c *Consumer) Domain() string { return c.domain }

// Serve pulls and processes batches until ctx is canceled. Implements
// suture.Service.
func (c *Consumer) Serve(ctx context.Context) error {
	if c.source == nil {
		return fmt.Errorf("consumer %s: no message source attached", c.domain)
	}

	logging.Info().
		Str("domain", c.domain).
		Str("durable", c.cfg.Durable).
		Int("batch_size", c.cfg.BatchSize).
		Msg("Normalization consumer started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		batch, err := c.source.Fetch(c.cfg.BatchSize, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			logging.Error().Err(err).Str("domain", c.domain).Msg("Fetch failed")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for msg := range batch.Messages() {
			c.Process(ctx, msg)
		}
		if err := batch.Error(); err != nil {
			logging.Error().Err(err).Str("domain", c.domain).Msg("Batch error")
		}

		c.reportLag(ctx)
	}
}

// Process runs one message through the state machine to a terminal
// Ack/Nak decision. Exported for deterministic testing with fake
// messages.
func (c *Consumer) Process(ctx context.Context, msg jetstream.Msg) {
	start := time.Now()
	metrics.RecordConsume(c.domain)
	defer func() {
		metrics.RecordProcessingDuration(c.domain, time.Since(start))
	}()

	deliveries := c.deliveries(msg)

	var ev events.RawEvent
	if err := json.Unmarshal(msg.Data(), &ev); err != nil {
		// Envelope never parses better on redelivery.
		c.deadLetter(ctx, msg, ev, events.DLQReasonSchemaInvalid, deliveries,
			fmt.Sprintf("malformed event envelope: %v", err))
		return
	}

	log := logging.Ctx(logging.ContextWithEventID(ctx, ev.EventID))

	// Contract validation on the inner payload.
	if c.registry.HasTopic(msg.Subject()) {
		res, err := c.registry.Validate(msg.Subject(), ev.Payload)
		if err == nil && !res.Valid {
			log.Warn().
				Str("domain", c.domain).
				Strs("violations", res.Errors).
				Msg("Payload failed contract validation")
			c.deadLetter(ctx, msg, ev, events.DLQReasonSchemaInvalid, deliveries,
				fmt.Sprintf("contract violations: %v", res.Errors))
			return
		}
	}

	stored, err := c.handler.Handle(ctx, ev)
	if err == nil {
		err = c.bus.PublishJSON(ctx, events.NormalizedStoredSubject(c.domain), stored, ev.EventID+"-stored")
	}

	switch {
	case err == nil:
		if ackErr := msg.Ack(); ackErr != nil {
			log.Error().Err(ackErr).Str("domain", c.domain).Msg("Ack failed")
		}
		metrics.RecordOutcome(c.domain, outcomeProcessed)

	case eventbus.IsRetryable(err):
		if deliveries >= uint64(c.cfg.MaxDeliver) {
			log.Error().Err(err).
				Str("domain", c.domain).
				Uint64("deliveries", deliveries).
				Msg("Delivery budget exhausted, routing to DLQ")
			c.deadLetter(ctx, msg, ev, events.DLQReasonMaxDeliver, deliveries, err.Error())
			return
		}
		log.Warn().Err(err).
			Str("domain", c.domain).
			Uint64("deliveries", deliveries).
			Msg("Transient failure, requesting redelivery")
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Str("domain", c.domain).Msg("Nak failed")
		}
		metrics.RecordOutcome(c.domain, outcomeRetried)

	default:
		// Permanent (or unclassified) failures never get better.
		log.Error().Err(err).Str("domain", c.domain).Msg("Non-retryable failure, routing to DLQ")
		c.deadLetter(ctx, msg, ev, events.DLQReasonNonRetryable, deliveries, err.Error())
	}
}

// deadLetter publishes the failed message to the DLQ and acks the
// original. If the DLQ publish keeps failing the original is Nak'd
// instead, trading a redelivery for zero data loss.
func (c *Consumer) deadLetter(ctx context.Context, msg jetstream.Msg, ev events.RawEvent, reason string, deliveries uint64, detail string) {
	dlqMsg := events.DLQMessage{
		Reason:      reason,
		Domain:      c.domain,
		Subject:     msg.Subject(),
		Error:       detail,
		Deliveries:  deliveries,
		Payload:     json.RawMessage(msg.Data()),
		FailedAt:    time.Now().UTC(),
		ConsumerTag: c.cfg.Durable,
	}

	var err error
	for attempt := 1; attempt <= dlqPublishAttempts; attempt++ {
		err = c.bus.PublishJSON(ctx, c.dlqSubject(reason), dlqMsg, dlqMsgID(ev, reason))
		if err == nil {
			break
		}
		metrics.RecordDLQPublishFailure(c.domain)
		logging.Warn().Err(err).
			Str("domain", c.domain).
			Int("attempt", attempt).
			Msg("DLQ publish failed")
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			continue
		}
		break
	}

	if err != nil {
		// Could not persist the failure anywhere; Nak so the broker
		// redelivers the original and the DLQ route runs again. The
		// server-side consumer has no delivery cap, so redelivery
		// still happens even past the logical budget.
		if nakErr := msg.Nak(); nakErr != nil {
			logging.Error().Err(nakErr).Str("domain", c.domain).Msg("Nak after DLQ failure failed")
		}
		metrics.RecordOutcome(c.domain, outcomeRetried)
		return
	}

	if ackErr := msg.Ack(); ackErr != nil {
		logging.Error().Err(ackErr).Str("domain", c.domain).Msg("Ack after DLQ publish failed")
	}
	metrics.RecordDLQPublish(c.domain, reason)
	metrics.RecordOutcome(c.domain, reasonOutcome(reason))
}

func (c *Consumer) dlqSubject(reason string) string {
	if c.cfg.DLQPrefix != "" {
		return c.cfg.DLQPrefix + "." + reason
	}
	return events.DLQSubject(c.domain, reason)
}

// deliveries reads the server-side delivery attempt counter. Falls back
// to 1 when metadata is unavailable (fresh delivery assumption).
func (c *Consumer) deliveries(msg jetstream.Msg) uint64 {
	md, err := msg.Metadata()
	if err != nil || md == nil || md.NumDelivered == 0 {
		return 1
	}
	return md.NumDelivered
}

func (c *Consumer) reportLag(ctx context.Context) {
	if c.source == nil {
		return
	}
	info, err := c.source.Info(ctx)
	if err != nil {
		return
	}
	metrics.UpdateConsumerLag(c.domain, int64(info.NumPending))
}

// dlqMsgID derives a dedupe ID for the DLQ copy. Distinct per event and
// reason so a later failure class is not suppressed by the dedupe
// window.
func dlqMsgID(ev events.RawEvent, reason string) string {
	if ev.EventID == "" {
		return ""
	}
	return ev.EventID + "-dlq-" + reason
}

func reasonOutcome(reason string) string {
	switch reason {
	case events.DLQReasonSchemaInvalid:
		return outcomeSchemaInvalid
	case events.DLQReasonMaxDeliver:
		return outcomeMaxDeliver
	default:
		return outcomeNonRetryable
	}
}
