// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package eventbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/athlete-ally/athlete-ally/internal/config"
	"github.com/athlete-ally/athlete-ally/internal/contracts"
	"github.com/athlete-ally/athlete-ally/internal/events"
)

// newTestBus starts an embedded broker on a random port and returns a
// connected bus with streams ensured.
func newTestBus(t *testing.T, streamMode string) *Bus {
	t.Helper()

	cfg := config.NATSConfig{
		Embedded:       true,
		EmbeddedPort:   -1, // random port
		StoreDir:       t.TempDir(),
		StreamMode:     streamMode,
		ConnectTimeout: 10 * time.Second,
		DuplicateWin:   time.Minute,
		SchemaGate:     true,
	}

	registry := contracts.NewRegistry(contracts.Options{CacheSize: 16, CacheTTL: time.Minute})
	bus := New(cfg, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := bus.Connect(ctx); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(bus.Close)

	if err := bus.EnsureStreams(ctx); err != nil {
		t.Fatalf("EnsureStreams failed: %v", err)
	}

	return bus
}

func TestBus_PublishAndConsume(t *testing.T) {
	bus := newTestBus(t, "single")
	ctx := context.Background()

	subject := events.RawReceivedSubject(events.DomainHRV)
	ev := events.NewRawEvent(events.DomainHRV, events.VendorOura,
		json.RawMessage(`{"userId":"u1","date":"2026-09-01","rMSSD":42.5}`))

	if err := bus.PublishEvent(ctx, subject, ev); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	cons, err := bus.PullConsumer(ctx, ConsumerSpec{
		Stream:        bus.StreamForSubject(subject),
		Durable:       "test-durable",
		FilterSubject: subject,
		MaxDeliver:    3,
		AckWait:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("PullConsumer failed: %v", err)
	}

	batch, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	var got events.RawEvent
	for msg := range batch.Messages() {
		if err := json.Unmarshal(msg.Data(), &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if err := msg.Ack(); err != nil {
			t.Fatalf("Ack failed: %v", err)
		}
	}
	if err := batch.Error(); err != nil {
		t.Fatalf("Batch error: %v", err)
	}

	if got.EventID != ev.EventID {
		t.Errorf("Expected event ID %q, got %q", ev.EventID, got.EventID)
	}
}

func TestBus_SchemaGateRejectsBeforeBroker(t *testing.T) {
	bus := newTestBus(t, "single")
	ctx := context.Background()

	subject := events.RawReceivedSubject(events.DomainHRV)
	ev := events.NewRawEvent(events.DomainHRV, events.VendorOura,
		json.RawMessage(`{"userId":"u1","date":"2026-09-01"}`)) // missing rMSSD

	err := bus.PublishEvent(ctx, subject, ev)

	var sve *SchemaValidationError
	if !errors.As(err, &sve) {
		t.Fatalf("Expected SchemaValidationError, got %v", err)
	}
	if sve.Subject != subject {
		t.Errorf("Expected subject %q, got %q", subject, sve.Subject)
	}

	// Nothing reached the stream.
	cons, err := bus.PullConsumer(ctx, ConsumerSpec{
		Stream:        bus.StreamForSubject(subject),
		Durable:       "gate-check",
		FilterSubject: subject,
		MaxDeliver:    1,
		AckWait:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("PullConsumer failed: %v", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.NumPending != 0 {
		t.Errorf("Expected 0 pending messages, got %d", info.NumPending)
	}
}

func TestBus_DuplicateMsgIDDeduped(t *testing.T) {
	bus := newTestBus(t, "single")
	ctx := context.Background()

	subject := events.RawReceivedSubject(events.DomainSleep)
	ev := events.NewRawEvent(events.DomainSleep, events.VendorWhoop,
		json.RawMessage(`{"userId":"u1","date":"2026-09-01","durationMinutes":420}`))

	// Same envelope twice: the second publish lands inside the
	// duplicate window and is dropped by the server.
	if err := bus.PublishEvent(ctx, subject, ev); err != nil {
		t.Fatalf("First publish failed: %v", err)
	}
	if err := bus.PublishEvent(ctx, subject, ev); err != nil {
		t.Fatalf("Second publish failed: %v", err)
	}

	cons, err := bus.PullConsumer(ctx, ConsumerSpec{
		Stream:        bus.StreamForSubject(subject),
		Durable:       "dedupe-check",
		FilterSubject: subject,
		MaxDeliver:    1,
		AckWait:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("PullConsumer failed: %v", err)
	}
	info, err := cons.Info(ctx)
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if info.NumPending != 1 {
		t.Errorf("Expected 1 pending message after dedupe, got %d", info.NumPending)
	}
}

func TestBus_RedeliveryContinuesPastConsumerBudget(t *testing.T) {
	bus := newTestBus(t, "single")
	ctx := context.Background()

	subject := events.RawReceivedSubject(events.DomainHRV)
	ev := events.NewRawEvent(events.DomainHRV, events.VendorOura,
		json.RawMessage(`{"userId":"u1","date":"2026-09-01","rMSSD":42.5}`))
	if err := bus.PublishEvent(ctx, subject, ev); err != nil {
		t.Fatalf("PublishEvent failed: %v", err)
	}

	// The logical budget is enforced by the processing loop, not the
	// server. A message Nak'd on the delivery that hit the budget must
	// come back, otherwise a failed dead-letter publish on that attempt
	// would strand the message unacked forever.
	cons, err := bus.PullConsumer(ctx, ConsumerSpec{
		Stream:        bus.StreamForSubject(subject),
		Durable:       "budget-check",
		FilterSubject: subject,
		MaxDeliver:    2,
		AckWait:       5 * time.Second,
	})
	if err != nil {
		t.Fatalf("PullConsumer failed: %v", err)
	}

	for attempt := 1; attempt <= 4; attempt++ {
		batch, err := cons.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			t.Fatalf("Fetch %d failed: %v", attempt, err)
		}
		delivered := 0
		for msg := range batch.Messages() {
			delivered++
			meta, err := msg.Metadata()
			if err != nil {
				t.Fatalf("Metadata failed: %v", err)
			}
			if meta.NumDelivered != uint64(attempt) {
				t.Errorf("Attempt %d: expected NumDelivered %d, got %d", attempt, attempt, meta.NumDelivered)
			}
			if err := msg.Nak(); err != nil {
				t.Fatalf("Nak failed: %v", err)
			}
		}
		if err := batch.Error(); err != nil {
			t.Fatalf("Batch %d error: %v", attempt, err)
		}
		if delivered != 1 {
			t.Fatalf("Attempt %d: expected 1 delivery, got %d", attempt, delivered)
		}
	}
}

func TestBus_StreamForSubject(t *testing.T) {
	t.Parallel()

	single := New(config.NATSConfig{StreamMode: "single"}, nil)
	multi := New(config.NATSConfig{StreamMode: "multi"}, nil)

	tests := []struct {
		bus     *Bus
		subject string
		want    string
	}{
		{single, "athlete-ally.hrv.raw-received", StreamEvents},
		{single, "athlete-ally.sleep.raw-received", StreamEvents},
		{single, "dlq.hrv.schema_invalid", StreamDLQ},
		{multi, "athlete-ally.hrv.raw-received", StreamHRV},
		{multi, "athlete-ally.sleep.normalized-stored", StreamSleep},
		{multi, "dlq.sleep.max_deliver", StreamDLQ},
	}

	for _, tt := range tests {
		if got := tt.bus.StreamForSubject(tt.subject); got != tt.want {
			t.Errorf("StreamForSubject(%q) = %q, want %q", tt.subject, got, tt.want)
		}
	}
}

func TestBus_DLQDepths(t *testing.T) {
	bus := newTestBus(t, "single")
	ctx := context.Background()

	msg := events.DLQMessage{
		Reason:   events.DLQReasonSchemaInvalid,
		Domain:   events.DomainHRV,
		Subject:  events.RawReceivedSubject(events.DomainHRV),
		Payload:  json.RawMessage(`{}`),
		FailedAt: time.Now().UTC(),
	}

	if err := bus.PublishJSON(ctx, events.DLQSubject(events.DomainHRV, msg.Reason), msg, ""); err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	depths, err := bus.DLQDepths(ctx)
	if err != nil {
		t.Fatalf("DLQDepths failed: %v", err)
	}
	if depths[events.DomainHRV] != 1 {
		t.Errorf("Expected DLQ depth 1 for hrv, got %d", depths[events.DomainHRV])
	}
}

func TestBus_PublishWhenDisconnected(t *testing.T) {
	t.Parallel()

	bus := New(config.NATSConfig{StreamMode: "single"}, nil)

	err := bus.PublishJSON(context.Background(), "athlete-ally.hrv.raw-received", map[string]string{}, "")
	if !IsRetryable(err) {
		t.Errorf("Expected retryable error when not connected, got %v", err)
	}
}
