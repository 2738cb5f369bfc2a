// Package database provides the Postgres repositories behind the
// orchestrator: tenants, customers, transactions, idempotency records and
// monthly insights. The vector side of insight storage lives in
// internal/memory.
package database

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Conventional environment names for the connection string, checked in
// order.
var connStringEnvNames = []string{"DATABASE_URL", "POSTGRES_URL", "PG_CONNECTION_STRING"}

// ConnStringFromEnv returns the first configured connection string, or "".
func ConnStringFromEnv() string {
	for _, name := range connStringEnvNames {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// DB wraps the shared pgx pool. All repositories hang off it.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// Connect opens the pool and verifies connectivity.
func Connect(ctx context.Context, connString string, log zerolog.Logger) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 16
	cfg.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}

	logger := log.With().Str("component", "database").Logger()
	logger.Info().Msg("postgres connected")
	return &DB{Pool: pool, log: logger}, nil
}

// Close shuts the pool down.
func (db *DB) Close() {
	db.Pool.Close()
}

// Ping verifies the pool is alive, used by the verbose health endpoint.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}
