// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package services

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/athlete-ally/athlete-ally/internal/eventbus"
)

// ConsumerSource binds durable pull consumers on the broker.
// Satisfied by *eventbus.Bus.
type ConsumerSource interface {
	PullConsumer(ctx context.Context, spec eventbus.ConsumerSpec) (jetstream.Consumer, error)
}

// ConsumerRunner is the normalize consumer lifecycle the service
// drives. Satisfied by *normalize.Consumer.
type ConsumerRunner interface {
	Domain() string
	Attach(source jetstream.Consumer)
	Serve(ctx context.Context) error
}

// ConsumerService runs a normalize consumer under supervision. The
// durable pull consumer is re-bound on every Serve call, so a suture
// restart after a broker outage picks the stream back up at the last
// unacknowledged message.
type ConsumerService struct {
	source ConsumerSource
	spec   eventbus.ConsumerSpec
	runner ConsumerRunner
}

// NewConsumerService wires runner to the durable described by spec.
func NewConsumerService(source ConsumerSource, spec eventbus.ConsumerSpec, runner ConsumerRunner) *ConsumerService {
	return &ConsumerService{
		source: source,
		spec:   spec,
		runner: runner,
	}
}

// Serve implements suture.Service.
func (s *ConsumerService) Serve(ctx context.Context) error {
	consumer, err := s.source.PullConsumer(ctx, s.spec)
	if err != nil {
		return fmt.Errorf("bind consumer %s: %w", s.spec.Durable, err)
	}

	s.runner.Attach(consumer)
	return s.runner.Serve(ctx)
}

// String identifies the service in suture logs.
func (s *ConsumerService) String() string {
	return "consumer-" + s.runner.Domain()
}
