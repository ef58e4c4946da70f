package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/pressly/goose/v3"
	"github.com/storyloom/storyloom-api/internal/config"
	"github.com/storyloom/storyloom-api/migrations"
)

// prepareGoose points goose at the embedded migration files.
func prepareGoose() error {
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set migration dialect: %w", err)
	}
	return nil
}

// migrateUp applies all pending migrations. It runs on every server start so
// a fresh deployment needs no separate migration step.
func migrateUp(db *sql.DB, logger *slog.Logger) error {
	if err := prepareGoose(); err != nil {
		return err
	}

	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	version, err := goose.GetDBVersion(db)
	if err != nil {
		return fmt.Errorf("failed to read migration version: %w", err)
	}

	logger.Info("Database migrations applied", slog.Int64("version", version))
	return nil
}

// runMigrationCommand executes a single migration command against the
// configured database and returns. Supported commands: up, down, status.
func runMigrationCommand(cfg *config.Config, logger *slog.Logger, command string) error {
	db, err := setupDatabase(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", slog.String("error", err.Error()))
		}
	}()

	if err := prepareGoose(); err != nil {
		return err
	}

	switch command {
	case "up":
		return migrateUp(db, logger)
	case "down":
		if err := goose.Down(db, "."); err != nil {
			return fmt.Errorf("failed to roll back migration: %w", err)
		}
		return nil
	case "status":
		if err := goose.Status(db, "."); err != nil {
			return fmt.Errorf("failed to read migration status: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown migration command %q (expected up, down, or status)", command)
	}
}
