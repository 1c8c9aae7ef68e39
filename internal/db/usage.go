package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Tenant usage counters live in the shared public schema: concurrent runs for
// one tenant, in any tenant schema, bill against the same row.

// GetTenantUsage returns a tenant's cumulative token and cost usage.
// A tenant with no recorded usage reads as zero.
func (db *DB) GetTenantUsage(ctx context.Context, tenantID uuid.UUID) (int64, float64, error) {
	var tokens int64
	var cost float64
	err := db.pool.QueryRow(ctx,
		`SELECT tokens_used, cost_used FROM tenant_usage WHERE tenant_id = $1`,
		tenantID,
	).Scan(&tokens, &cost)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, 0, nil
		}
		return 0, 0, fmt.Errorf("failed to get tenant usage: %w", err)
	}
	return tokens, cost, nil
}

// AddTenantUsage atomically increments a tenant's usage counters. The upsert's
// additive SET keeps concurrent runs from losing increments.
func (db *DB) AddTenantUsage(ctx context.Context, tenantID uuid.UUID, tokens int64, cost float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO tenant_usage (tenant_id, tokens_used, cost_used)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (tenant_id) DO UPDATE
		 SET tokens_used = tenant_usage.tokens_used + EXCLUDED.tokens_used,
		     cost_used = tenant_usage.cost_used + EXCLUDED.cost_used,
		     updated_at = NOW()`,
		tenantID, tokens, cost,
	)
	if err != nil {
		return fmt.Errorf("failed to add tenant usage: %w", err)
	}
	return nil
}
