// Package database opens the Postgres connection the metrics-snapshot
// store persists periodic counter snapshots through.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/aipilotbyjd/taskengine/internal/platform/config"
)

// DB wraps the SQL database connection
type DB struct {
	*sql.DB
	cfg config.DatabaseConfig
}

// New opens a Postgres connection, pings once to fail fast, and creates the
// configured schema if it doesn't already exist.
func New(cfg config.DatabaseConfig) (*DB, error) {
	dsn := cfg.DSN()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if cfg.Schema != "" {
		if err := createSchema(db, cfg.Schema); err != nil {
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			return nil, fmt.Errorf("failed to set search_path: %w", err)
		}
	}

	return &DB{
		DB:  db,
		cfg: cfg,
	}, nil
}

func createSchema(db *sql.DB, schema string) error {
	_, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema))
	return err
}

// HealthCheck pings the database and runs a trivial query, wired into the
// ops server's readiness probe once cmd/taskengine has opened a connection.
func (db *DB) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 1*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("database query check failed: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
