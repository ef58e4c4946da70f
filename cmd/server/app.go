package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/storyloom/storyloom-api/internal/auth"
	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/events"
	"github.com/storyloom/storyloom-api/internal/platform/metrics"
	"github.com/storyloom/storyloom-api/internal/platform/postgres"
	"github.com/storyloom/storyloom-api/internal/sse"
	"github.com/storyloom/storyloom-api/internal/store"
	"github.com/storyloom/storyloom-api/internal/task"
)

// application holds the shared dependencies wired at startup. Handlers and
// the router are built from these; cleanup releases them in reverse order.
type application struct {
	config *config.Config
	logger *slog.Logger

	db          *sql.DB
	redisClient *redis.Client
	registry    *prometheus.Registry
	collector   *metrics.Collector

	taskStore  store.TaskStore
	eventStore store.EventStore

	publisher  *events.Publisher
	subscriber *events.SharedSubscriber

	tokenVerifier auth.TokenVerifier
	lifecycle     *task.LifecycleService
	taskRunner    *task.Runner
}

// newApplication establishes the database and broker connections, applies
// pending migrations, and wires the service graph. On error, any connections
// opened so far are closed before returning.
func newApplication(cfg *config.Config, logger *slog.Logger) (*application, error) {
	db, err := setupDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := migrateUp(db, logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	redisClient, err := setupRedis(cfg, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	tokenVerifier, err := auth.NewTokenVerifier(cfg.Auth)
	if err != nil {
		_ = redisClient.Close()
		_ = db.Close()
		return nil, fmt.Errorf("failed to create token verifier: %w", err)
	}

	registry := prometheus.NewRegistry()
	collector := metrics.NewCollector(registry)

	taskStore := postgres.NewPostgresTaskStore(db, logger)
	eventStore := postgres.NewPostgresEventStore(db, logger)

	publisher := events.NewPublisher(eventStore, redisClient, logger)
	subscriber := events.NewSharedSubscriber(redisClient, logger)

	lifecycle := task.NewLifecycleService(taskStore, publisher, nil, collector, logger)
	taskRunner := task.NewRunner(lifecycle, task.RunnerConfig{
		WorkerCount:   cfg.Task.WorkerCount,
		QueueSize:     cfg.Task.QueueSize,
		StaleTaskAge:  cfg.Task.StaleTaskAge,
		SweepInterval: cfg.Task.SweepInterval,
	}, logger)

	return &application{
		config:        cfg,
		logger:        logger,
		db:            db,
		redisClient:   redisClient,
		registry:      registry,
		collector:     collector,
		taskStore:     taskStore,
		eventStore:    eventStore,
		publisher:     publisher,
		subscriber:    subscriber,
		tokenVerifier: tokenVerifier,
		lifecycle:     lifecycle,
		taskRunner:    taskRunner,
	}, nil
}

// sseConfig translates the loaded configuration into the stream delivery
// parameters each connection runs with.
func (app *application) sseConfig() sse.Config {
	return sse.Config{
		HeartbeatInterval: app.config.SSE.HeartbeatInterval,
		ReplayLimit:       app.config.SSE.ReplayLimit,
		SnapshotLimit:     app.config.SSE.SnapshotLimit,
	}
}

// cleanup stops the worker pool and closes broker and database connections.
// It is called after the HTTP server has drained.
func (app *application) cleanup() {
	app.taskRunner.Stop()

	if err := app.subscriber.Close(); err != nil {
		app.logger.Error("Failed to close shared subscriber", slog.String("error", err.Error()))
	}

	if err := app.redisClient.Close(); err != nil {
		app.logger.Error("Failed to close redis client", slog.String("error", err.Error()))
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("Failed to close database connection", slog.String("error", err.Error()))
	}
}

// setupRedis connects to the pub/sub broker and verifies the connection.
func setupRedis(cfg *config.Config, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	logger.Info("Redis connection established", slog.String("addr", cfg.Redis.Addr))
	return client, nil
}
