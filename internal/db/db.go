// Package db provides PostgreSQL access for pipeline state. All pipeline tables
// live inside per-tenant schemas; every query is scoped by a schema name the
// caller has already validated.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// tbl returns a quoted schema-qualified table name. Schema names come from the
// tenant context and are trusted, but quoting keeps them inert in SQL.
func tbl(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

// nullIfEmpty converts empty strings to nil for nullable text columns.
func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
