// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Package eventbus owns the NATS JetStream connection: stream topology,
// resilient publishing with a circuit breaker and publish-side schema
// gate, and durable pull consumer creation.
package eventbus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/athlete-ally/athlete-ally/internal/config"
	"github.com/athlete-ally/athlete-ally/internal/contracts"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// Stream names. Single mode carries every domain on one stream; multi
// mode gives each domain its own. The DLQ stream exists in both modes.
const (
	StreamEvents = "ATHLETE_ALLY_EVENTS"
	StreamHRV    = "AA_HRV"
	StreamSleep  = "AA_SLEEP"
	StreamDLQ    = "AA_DLQ"
)

// Bus is the JetStream client shared by the ingest API and the
// normalization consumers. Construct with New, then Connect before use.
type Bus struct {
	cfg      config.NATSConfig
	registry *contracts.Registry

	mu       sync.RWMutex
	nc       *nats.Conn
	js       jetstream.JetStream
	embedded *EmbeddedServer
	closed   bool

	breaker *gobreaker.CircuitBreaker[*jetstream.PubAck]
}

// New creates a Bus. registry may be nil to disable the publish-side
// schema gate regardless of configuration.
func New(cfg config.NATSConfig, registry *contracts.Registry) *Bus {
	b := &Bus{cfg: cfg, registry: registry}

	b.breaker = gobreaker.NewCircuitBreaker[*jetstream.PubAck](gobreaker.Settings{
		Name:        "nats-publish",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Publish circuit breaker state change")
		},
	})

	return b
}

// Connect establishes the broker connection, starting the embedded
// server first when configured.
func (b *Bus) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	url := b.cfg.URL
	if b.cfg.Embedded {
		es, err := NewEmbeddedServer(b.cfg)
		if err != nil {
			return fmt.Errorf("start embedded NATS server: %w", err)
		}
		b.embedded = es
		url = es.ClientURL()
	}

	nc, err := nats.Connect(url,
		nats.Timeout(b.cfg.ConnectTimeout),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Error().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return Retryable("connect to NATS", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return fmt.Errorf("create JetStream context: %w", err)
	}

	b.nc = nc
	b.js = js

	logging.Info().Str("url", url).Bool("embedded", b.cfg.Embedded).Msg("Connected to NATS")
	return nil
}

// Close drains the connection and stops the embedded server if running.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			logging.Error().Err(err).Msg("NATS drain failed")
		}
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
	}
}

// Connected reports whether the underlying connection is up.
func (b *Bus) Connected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nc != nil && b.nc.IsConnected()
}

// EnsureStreams creates or updates the JetStream streams for the
// configured topology plus the DLQ stream.
func (b *Bus) EnsureStreams(ctx context.Context) error {
	specs := []jetstream.StreamConfig{}

	switch b.cfg.StreamMode {
	case "multi":
		specs = append(specs,
			b.streamConfig(StreamHRV, []string{"athlete-ally.hrv.>"}),
			b.streamConfig(StreamSleep, []string{"athlete-ally.sleep.>"}),
		)
	default: // "single"
		specs = append(specs, b.streamConfig(StreamEvents, []string{"athlete-ally.>"}))
	}
	specs = append(specs, b.streamConfig(StreamDLQ, []string{"dlq.>"}))

	for _, sc := range specs {
		if _, err := b.js.CreateOrUpdateStream(ctx, sc); err != nil {
			return Retryable(fmt.Sprintf("ensure stream %s", sc.Name), err)
		}
		logging.Info().Str("stream", sc.Name).Strs("subjects", sc.Subjects).Msg("Stream ensured")
	}

	return nil
}

func (b *Bus) streamConfig(name string, subjects []string) jetstream.StreamConfig {
	return jetstream.StreamConfig{
		Name:       name,
		Subjects:   subjects,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     7 * 24 * time.Hour,
		Duplicates: b.cfg.DuplicateWin,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
}

// StreamForSubject returns the stream that carries subject under the
// configured topology.
func (b *Bus) StreamForSubject(subject string) string {
	if strings.HasPrefix(subject, "dlq.") {
		return StreamDLQ
	}
	if b.cfg.StreamMode == "multi" {
		if strings.HasPrefix(subject, "athlete-ally.sleep.") {
			return StreamSleep
		}
		return StreamHRV
	}
	return StreamEvents
}

// PublishEvent publishes a raw event envelope on subject. When the
// schema gate is enabled and a contract is registered for the subject,
// the inner payload is validated first; rejection returns a
// *SchemaValidationError and the broker is never contacted.
func (b *Bus) PublishEvent(ctx context.Context, subject string, ev events.RawEvent) error {
	if b.cfg.SchemaGate && b.registry != nil && b.registry.HasTopic(subject) {
		res, err := b.registry.Validate(subject, ev.Payload)
		if err != nil {
			return Permanent("validate payload", err)
		}
		if !res.Valid {
			metrics.RecordPublishFailure(subject, "schema_invalid")
			return &SchemaValidationError{Subject: subject, Errors: res.Errors}
		}
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return Permanent("marshal event", err)
	}
	return b.publish(ctx, subject, data, ev.EventID)
}

// PublishJSON publishes any JSON-marshalable value on subject, bypassing
// the schema gate. Used for normalized-stored and DLQ messages, whose
// shapes are produced by our own code.
func (b *Bus) PublishJSON(ctx context.Context, subject string, v any, msgID string) error {
	data, err := json.Marshal(v)
	if err != nil {
		return Permanent("marshal message", err)
	}
	return b.publish(ctx, subject, data, msgID)
}

func (b *Bus) publish(ctx context.Context, subject string, data []byte, msgID string) error {
	b.mu.RLock()
	js := b.js
	closed := b.closed
	b.mu.RUnlock()

	if closed || js == nil {
		return Retryable("publish", fmt.Errorf("bus is not connected"))
	}

	msg := &nats.Msg{Subject: subject, Data: data}
	if msgID != "" {
		// Nats-Msg-Id drives server-side dedupe within the stream's
		// duplicate window.
		msg.Header = nats.Header{}
		msg.Header.Set(nats.MsgIdHdr, msgID)
	}

	_, err := b.breaker.Execute(func() (*jetstream.PubAck, error) {
		return js.PublishMsg(ctx, msg)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			metrics.RecordPublishFailure(subject, "breaker_open")
		} else {
			metrics.RecordPublishFailure(subject, "broker")
		}
		return Retryable(fmt.Sprintf("publish to %s", subject), err)
	}

	metrics.RecordPublish(subject)
	return nil
}

// ConsumerSpec configures a durable pull consumer.
type ConsumerSpec struct {
	Stream        string
	Durable       string
	FilterSubject string
	MaxDeliver    int
	AckWait       time.Duration
}

// PullConsumer creates or updates a durable pull consumer and returns
// it. Explicit ack policy; redelivery counting comes from the message
// metadata the server attaches per delivery.
//
// The server-side consumer is created without a delivery cap. The
// processing loop enforces spec.MaxDeliver itself: once a message
// reaches the budget it is routed to the dead-letter stream, and if
// that publish fails the message is Nak'd so the server redelivers it
// and the route is retried. A server-side cap equal to the budget
// would stop redelivery exactly on the attempt that needs it.
func (b *Bus) PullConsumer(ctx context.Context, spec ConsumerSpec) (jetstream.Consumer, error) {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	if js == nil {
		return nil, Retryable("create consumer", fmt.Errorf("bus is not connected"))
	}

	cons, err := js.CreateOrUpdateConsumer(ctx, spec.Stream, jetstream.ConsumerConfig{
		Durable:       spec.Durable,
		FilterSubject: spec.FilterSubject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    -1,
		AckWait:       spec.AckWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, Retryable(fmt.Sprintf("create consumer %s on %s", spec.Durable, spec.Stream), err)
	}

	logging.Info().
		Str("stream", spec.Stream).
		Str("durable", spec.Durable).
		Str("filter", spec.FilterSubject).
		Int("max_deliver", spec.MaxDeliver).
		Msg("Durable consumer ready")

	return cons, nil
}

// DLQDepths returns the per-domain message counts on the DLQ stream.
func (b *Bus) DLQDepths(ctx context.Context) (map[string]uint64, error) {
	b.mu.RLock()
	js := b.js
	b.mu.RUnlock()

	if js == nil {
		return nil, Retryable("dlq depth", fmt.Errorf("bus is not connected"))
	}

	stream, err := js.Stream(ctx, StreamDLQ)
	if err != nil {
		return nil, Retryable("get DLQ stream", err)
	}

	info, err := stream.Info(ctx, jetstream.WithSubjectFilter("dlq.>"))
	if err != nil {
		return nil, Retryable("get DLQ stream info", err)
	}

	depths := make(map[string]uint64)
	for subject, count := range info.State.Subjects {
		// dlq.<domain>.<reason>
		parts := strings.Split(subject, ".")
		if len(parts) >= 2 {
			depths[parts[1]] += count
		}
	}
	return depths, nil
}
