package persistence

import (
	"context"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/pooltrace-server/internal/database"
	"github.com/pooltrace-server/internal/domain"
)

// Open returns the repository selected by cfg.Driver. Postgres schemas are
// migrated up before the pool is opened.
func Open(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) (domain.Repository, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLiteRepository(cfg.Path, logger)
	case "postgres":
		if err := Migrate(ctx, cfg, logger); err != nil {
			return nil, err
		}
		db, err := database.NewConnection(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewPostgresRepository(db, logger)
	default:
		return nil, domain.NewValidationError("database.driver", "must be sqlite or postgres", cfg.Driver)
	}
}

// Migrate applies pending Postgres migrations.
func Migrate(ctx context.Context, cfg domain.DatabaseConfig, logger *logrus.Logger) error {
	runner, err := NewMigrationRunner(cfg, logger)
	if err != nil {
		return err
	}
	defer runner.Close()

	if err := runner.Up(ctx); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// NewMigrationRunner builds a runner for cfg. A migrations path that does not
// exist on disk falls back to the embedded set.
func NewMigrationRunner(cfg domain.DatabaseConfig, logger *logrus.Logger) (*database.MigrationRunner, error) {
	return database.NewMigrationRunner(database.URL(cfg), migrationsSource(cfg.MigrationsPath), logger)
}

func migrationsSource(path string) string {
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || !info.IsDir() {
		return ""
	}
	return path
}
