package db

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a pgx pool against DATABASE_URL. Pool sizing matters here:
// the engine holds advisory and row locks across statements, so DB_MAX_CONNS
// caps how many postings can contend at once.
func NewPool(ctx context.Context) (*pgxpool.Pool, error) {
	connStr := os.Getenv("DATABASE_URL")
	if connStr == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable not set")
	}
	return NewPoolFromURL(ctx, connStr)
}

// NewPoolFromURL opens a pgx pool against an explicit connection string.
func NewPoolFromURL(ctx context.Context, connStr string) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database URL: %w", err)
	}

	if raw := os.Getenv("DB_MAX_CONNS"); raw != "" {
		maxConns, err := strconv.ParseInt(raw, 10, 32)
		if err != nil || maxConns < 1 {
			return nil, fmt.Errorf("DB_MAX_CONNS must be a positive integer, got %q", raw)
		}
		config.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}
