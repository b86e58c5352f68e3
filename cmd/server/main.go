// Athlete Ally - Personalized Fitness Coaching Platform
// Copyright 2026 Athlete Ally contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/athlete-ally/athlete-ally

// Command server runs the Athlete Ally event ingest service.
//
// The service accepts wearable vendor webhooks and first-party ingest
// requests, publishes raw events to NATS JetStream, and runs durable
// pull consumers that normalize and persist HRV and sleep data to
// Postgres. Failed messages route to per-domain dead letter subjects.
//
// # Configuration
//
// Configuration layers, highest precedence first: environment
// variables, a YAML file (CONFIG_PATH or ./config.yaml), built-in
// defaults. Minimal production setup:
//
//	export NATS_URL=nats://nats:4222
//	export DATABASE_URL=postgres://user:pass@db:5432/athlete_ally
//	export TOKEN_ENCRYPTION_KEY=<32-byte key, base64 or hex>
//	export OURA_WEBHOOK_SECRET=...
//	export WHOOP_WEBHOOK_SECRET=...
//	./server
//
// For local development set NATS_EMBEDDED=true to run an in-process
// JetStream broker.
//
// # Shutdown
//
// SIGINT and SIGTERM trigger graceful shutdown: the HTTP server
// drains in-flight requests, consumers finish their current batch,
// and the broker and database connections close.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/athlete-ally/athlete-ally/internal/api"
	"github.com/athlete-ally/athlete-ally/internal/config"
	"github.com/athlete-ally/athlete-ally/internal/contracts"
	"github.com/athlete-ally/athlete-ally/internal/eventbus"
	"github.com/athlete-ally/athlete-ally/internal/events"
	"github.com/athlete-ally/athlete-ally/internal/logging"
	"github.com/athlete-ally/athlete-ally/internal/metrics"
	"github.com/athlete-ally/athlete-ally/internal/normalize"
	"github.com/athlete-ally/athlete-ally/internal/storage"
	"github.com/athlete-ally/athlete-ally/internal/supervisor"
	"github.com/athlete-ally/athlete-ally/internal/supervisor/services"
	"github.com/athlete-ally/athlete-ally/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("stream_mode", cfg.NATS.StreamMode).
		Bool("embedded_nats", cfg.NATS.Embedded).
		Bool("schema_gate", cfg.NATS.SchemaGate).
		Msg("Starting Athlete Ally ingest service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logging.Error().Err(err).Msg("Service exited with error")
		os.Exit(1)
	}

	logging.Info().Msg("Shutdown complete")
}

func run(ctx context.Context, cfg *config.Config) error {
	startedAt := time.Now()

	// Database first: migrations must land before consumers write.
	if cfg.Postgres.MigrateOnStart {
		if err := storage.Migrate(cfg.Postgres.URL); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	pool, err := storage.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// Schema registry backs both the publish gate and the consumers.
	registry := contracts.NewRegistry(contracts.Options{
		CacheSize: cfg.Contracts.CacheSize,
		CacheTTL:  cfg.Contracts.CacheTTL,
	})

	bus := eventbus.New(cfg.NATS, registry)
	if err := bus.Connect(ctx); err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bus.Close()

	if err := bus.EnsureStreams(ctx); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	// The token store itself is constructed by the vendor OAuth callback
	// handler when it lands; at startup we only prove the configured key
	// yields a working cipher so a bad deploy fails here, not mid-sync.
	cipher, err := tokens.NewCipher(cfg.Tokens.EncryptionKey)
	if err != nil {
		return fmt.Errorf("token cipher: %w", err)
	}
	if err := cipher.Validate(); err != nil {
		return fmt.Errorf("token cipher self-check: %w", err)
	}

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})

	for _, domain := range []string{events.DomainHRV, events.DomainSleep} {
		svc, err := buildConsumerService(cfg, bus, registry, pool, domain)
		if err != nil {
			return err
		}
		tree.AddMessagingService(svc)
	}

	tree.AddMessagingService(services.NewDLQMonitorService(bus, 30*time.Second))

	router := api.NewRouter(cfg.Server, cfg.Ingest, bus, pool)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	tree.AddAPIService(services.NewHTTPServerService(httpServer, cfg.Server.ShutdownTimeout))

	// Uptime ticker for the /metrics gauge.
	go trackUptime(ctx, startedAt)

	logging.Info().
		Str("addr", httpServer.Addr).
		Msg("Supervision tree starting")

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervisor: %w", err)
	}

	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		for _, svc := range report {
			logging.Warn().
				Str("service", fmt.Sprintf("%v", svc.Service)).
				Msg("Service did not stop within shutdown timeout")
		}
	}

	return nil
}

// buildConsumerService assembles the durable pull consumer pipeline
// for one domain: JetStream source, contract validation, normalize
// handler, Postgres repository.
func buildConsumerService(
	cfg *config.Config,
	bus *eventbus.Bus,
	registry *contracts.Registry,
	pool *pgxpool.Pool,
	domain string,
) (*services.ConsumerService, error) {
	ccfg, ok := cfg.Consumers.ByDomain(domain)
	if !ok {
		return nil, fmt.Errorf("no consumer config for domain %q", domain)
	}

	var handler normalize.Handler
	switch domain {
	case events.DomainHRV:
		handler = normalize.NewHRVHandler(storage.NewHRVRepository(pool))
	case events.DomainSleep:
		handler = normalize.NewSleepHandler(storage.NewSleepRepository(pool))
	default:
		return nil, fmt.Errorf("unknown domain %q", domain)
	}

	consumer := normalize.NewConsumer(ccfg, bus, registry, handler)

	subject := events.RawReceivedSubject(domain)
	spec := eventbus.ConsumerSpec{
		Stream:        bus.StreamForSubject(subject),
		Durable:       ccfg.Durable,
		FilterSubject: subject,
		MaxDeliver:    ccfg.MaxDeliver,
		AckWait:       ccfg.AckWait,
	}

	return services.NewConsumerService(bus, spec, consumer), nil
}

// trackUptime refreshes the uptime gauge once a second.
func trackUptime(ctx context.Context, startedAt time.Time) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.AppUptime.Set(time.Since(startedAt).Seconds())
		}
	}
}
