// Scrobbleweave - Decentralized Scrobble Feed Ingestion and Serving
// Copyright 2026 Scrobbleweave contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/scrobbleweave/scrobbleweave

// Package main is the entry point for the Scrobbleweave server.
//
// Scrobbleweave ingests scrobble records from a Jetstream-style firehose,
// persists them through a durable JetStream-backed job queue, and serves
// per-user listening feeds over HTTP.
//
// # Application Architecture
//
// The server initializes components in the following order:
//
//  1. Configuration: layered defaults, config file, environment (Koanf v2)
//  2. Queue: embedded NATS JetStream server (optional), stream provisioning,
//     publisher and durable pull consumers
//  3. Stores: DuckDB always; PostgreSQL when enabled (then the write primary)
//  4. Workers: job dispatcher with feed and webhook sinks
//  5. Firehose: websocket subscriber with a durable cursor checkpoint
//  6. Sync: periodic PostgreSQL to DuckDB reconciliation (when enabled)
//  7. HTTP Server: feed API, health, metrics, dead-letter inspection
//
// Everything runs under a suture supervisor tree; a crash in one layer is
// restarted with backoff without tearing down the others.
//
// # Configuration
//
// Environment variables use the SW_ prefix with __ as the section separator,
// e.g. SW_FIREHOSE__ENDPOINT, SW_POSTGRES__DSN, SW_QUEUE__EMBEDDED_SERVER.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: the firehose checkpoint is
// persisted, in-flight jobs finish or return to the stream, and the HTTP
// server drains within its shutdown timeout.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/scrobbleweave/scrobbleweave/internal/api"
	"github.com/scrobbleweave/scrobbleweave/internal/config"
	"github.com/scrobbleweave/scrobbleweave/internal/feedstore"
	"github.com/scrobbleweave/scrobbleweave/internal/firehose"
	"github.com/scrobbleweave/scrobbleweave/internal/logging"
	"github.com/scrobbleweave/scrobbleweave/internal/queue"
	"github.com/scrobbleweave/scrobbleweave/internal/supervisor"
	syncpkg "github.com/scrobbleweave/scrobbleweave/internal/sync"
	"github.com/scrobbleweave/scrobbleweave/internal/worker"
)

const deadLetterWindow = 1000

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Config is not available yet; the default logger has to do.
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Caller: cfg.Log.Caller,
	})

	logging.Info().
		Str("firehose", cfg.Firehose.Endpoint).
		Str("db_path", cfg.Database.Path).
		Bool("postgres", cfg.Postgres.Enabled).
		Bool("sync", cfg.Sync.Enabled).
		Msg("Starting Scrobbleweave")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Error().Err(err).Msg("Server exited with error")
		os.Exit(1)
	}
	logging.Info().Msg("Scrobbleweave stopped")
}

//nolint:gocyclo // Sequential setup steps.
func run(ctx context.Context, cfg *config.Config) error {
	// Embedded JetStream server, when configured. Started before anything
	// that needs a NATS connection.
	if cfg.Queue.EmbeddedServer {
		embedded, err := queue.NewEmbeddedServer(cfg.Queue)
		if err != nil {
			return err
		}
		defer func() {
			if err := embedded.Shutdown(context.Background()); err != nil {
				logging.Error().Err(err).Msg("Error stopping embedded NATS server")
			}
		}()
		cfg.Queue.URL = embedded.ClientURL()
		logging.Info().Str("url", cfg.Queue.URL).Msg("Embedded NATS server started")
	}

	streamMgr, conn, err := queue.Connect(cfg.Queue)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := streamMgr.EnsureStream(ctx); err != nil {
		return err
	}
	logging.Info().Str("stream", cfg.Queue.StreamName).Msg("JetStream stream ready")

	wmLogger := queue.NewLoggerAdapter()
	publisher, err := queue.NewPublisher(cfg.Queue, wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing publisher")
		}
	}()

	subscriber, err := queue.NewSubscriber(cfg.Queue, wmLogger)
	if err != nil {
		return err
	}
	defer func() {
		if err := subscriber.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing subscriber")
		}
	}()

	duck, err := feedstore.NewDuckDB(cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		if err := duck.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing DuckDB")
		}
	}()

	// PostgreSQL, when enabled, is the write primary and the
	// reconciliation source of truth. DuckDB then serves as the
	// analytical replica the sync manager converges.
	var store feedstore.Store = duck
	var pg *feedstore.Postgres
	if cfg.Postgres.Enabled {
		pg, err = feedstore.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
	}
	logging.Info().Str("backend", store.Backend()).Msg("Feed store ready")

	dlq := queue.NewDeadLetter(publisher, deadLetterWindow)

	dispatcher := worker.NewDispatcher(subscriber, dlq, cfg.Worker, cfg.Queue.MaxAttempts)
	feedSink := worker.NewFeedSink(store, publisher, cfg.Webhooks.Targets)
	webhookSink := worker.NewWebhookSink(cfg.Webhooks)
	dispatcher.Register(queue.KindFeedIngest, feedSink.HandleIngest)
	dispatcher.Register(queue.KindFeedRetract, feedSink.HandleRetract)
	dispatcher.Register(queue.KindUserUpsert, feedSink.HandleUserUpsert)
	dispatcher.Register(queue.KindWebhookDeliver, webhookSink.HandleDeliver)

	cursors, err := firehose.OpenCursorStore(cfg.Firehose.CursorPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := cursors.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing cursor store")
		}
	}()

	firehoseSub := firehose.NewSubscriber(cfg.Firehose, cursors, enqueueEvents(publisher))

	var syncMgr *syncpkg.Manager
	if cfg.Sync.Enabled {
		syncMgr = syncpkg.NewManager(cfg.Sync, pg, duck)
	}

	handler := api.NewHandler(store, dlq, syncMgr)
	httpServer := api.NewServer(cfg.Server, handler)

	tree := supervisor.NewTree(slog.New(logging.NewSlogHandler()), supervisor.TreeConfig{
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	})
	tree.AddIngestService(supervisor.NewService("firehose", firehoseSub))
	tree.AddProcessingService(supervisor.NewService("dispatcher", dispatcher))
	if syncMgr != nil {
		tree.AddProcessingService(supervisor.NewService("sync", syncMgr))
	}
	tree.AddAPIService(supervisor.NewService("http", httpServer))

	logging.Info().Str("addr", cfg.Server.Addr).Msg("Supervisor tree starting")
	return tree.Serve(ctx)
}
