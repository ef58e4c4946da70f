// Package main implements the entry point for the Storyloom API server,
// which tracks long-running generation tasks and streams their lifecycle
// events to clients over SSE.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"

	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/internal/platform/logger"
)

func main() {
	migrateCmd := flag.String("migrate", "", "run a migration command (up, down, status) and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLogger, err := logger.Setup(cfg.Server)
	if err != nil {
		log.Fatalf("Failed to set up logger: %v", err)
	}

	if *migrateCmd != "" {
		if err := runMigrationCommand(cfg, appLogger, *migrateCmd); err != nil {
			appLogger.Error("Migration command failed",
				slog.String("command", *migrateCmd),
				slog.String("error", err.Error()))
			log.Fatalf("Migration failed: %v", err)
		}
		return
	}

	if err := run(cfg, appLogger); err != nil {
		appLogger.Error("Server exited with error", slog.String("error", err.Error()))
		log.Fatalf("Server failed: %v", err)
	}
}

// run wires the application together and blocks until the server shuts down.
func run(cfg *config.Config, appLogger *slog.Logger) error {
	appLogger.Info("Server configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Server.LogLevel))

	app, err := newApplication(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.taskRunner.Start(); err != nil {
		app.cleanup()
		return fmt.Errorf("failed to start task runner: %w", err)
	}

	return app.startHTTPServer(context.Background(), app.setupRouter())
}
