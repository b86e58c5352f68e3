// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

package services

import (
	"context"
	"time"

	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
)

// DepthReporter reads per-domain dead letter backlog sizes.
// Satisfied by *eventbus.Bus.
type DepthReporter interface {
	DLQDepths(ctx context.Context) (map[string]uint64, error)
}

// DLQMonitorService periodically samples dead letter queue depths and
// exports them as gauges, so alerting catches poison message buildup
// without anyone tailing the stream.
type DLQMonitorService struct {
	reporter DepthReporter
	interval time.Duration
}

// NewDLQMonitorService samples reporter every interval. Non-positive
// intervals fall back to 30s.
func NewDLQMonitorService(reporter DepthReporter, interval time.Duration) *DLQMonitorService {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DLQMonitorService{
		reporter: reporter,
		interval: interval,
	}
}

// Serve implements suture.Service.
func (s *DLQMonitorService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

func (s *DLQMonitorService) sample(ctx context.Context) {
	depths, err := s.reporter.DLQDepths(ctx)
	if err != nil {
		logging.Warn().Err(err).Msg("Failed to sample DLQ depths")
		return
	}

	for domain, depth := range depths {
		metrics.UpdateDLQDepth(domain, depth)
	}
}

// String identifies the service in suture logs.
func (s *DLQMonitorService) String() string {
	return "dlq-monitor"
}
