package database

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"marketpulse/internal/config"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// New opens the history database named by cfg and applies migrations.
func New(ctx context.Context, cfg config.DatabaseConfig, logger *logrus.Logger) (*sql.DB, error) {
	switch cfg.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.Driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrate(ctx, db, cfg.Driver); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("driver", cfg.Driver).Info("Connected to history database")
	return db, nil
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	schema := `
	CREATE TABLE IF NOT EXISTS mapping_history (
		id VARCHAR(36) PRIMARY KEY,
		campaign_id VARCHAR(255) NOT NULL,
		source_kind VARCHAR(50) NOT NULL,
		value_source VARCHAR(50) NOT NULL,
		amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		config TEXT NOT NULL,
		saved_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mapping_history_campaign
		ON mapping_history (campaign_id, saved_at);
	`
	if driver == DriverPostgres {
		schema = `
	CREATE TABLE IF NOT EXISTS mapping_history (
		id UUID PRIMARY KEY,
		campaign_id VARCHAR(255) NOT NULL,
		source_kind VARCHAR(50) NOT NULL,
		value_source VARCHAR(50) NOT NULL,
		amount DOUBLE PRECISION NOT NULL DEFAULT 0,
		config JSONB NOT NULL,
		saved_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_mapping_history_campaign
		ON mapping_history (campaign_id, saved_at);
	`
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}
