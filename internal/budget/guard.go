// Package budget enforces per-tenant ceilings on cumulative LLM token and cost usage.
package budget

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ExceededError signals that a tenant's cumulative usage is at or over its ceiling.
// It is non-retryable: the current step and run fail immediately.
// The usage numbers are carried for logging only; the message stays fixed.
type ExceededError struct {
	TenantID   uuid.UUID
	TokensUsed int64
	TokenLimit int64
	CostUsed   float64
	CostLimit  float64
}

func (e *ExceededError) Error() string {
	return "Token budget exceeded"
}

// UsageStore persists per-tenant cumulative usage counters. Increments must be
// atomic in the store; concurrent runs share these counters.
type UsageStore interface {
	GetTenantUsage(ctx context.Context, tenantID uuid.UUID) (tokens int64, cost float64, err error)
	AddTenantUsage(ctx context.Context, tenantID uuid.UUID, tokens int64, cost float64) error
}

// Guard checks and records tenant usage against configured limits.
// A limit of zero or below disables that limit.
type Guard struct {
	store      UsageStore
	tokenLimit int64
	costLimit  float64
	logger     zerolog.Logger
}

// NewGuard creates a guard over the given usage store.
func NewGuard(store UsageStore, tokenLimit int64, costLimit float64) *Guard {
	return &Guard{
		store:      store,
		tokenLimit: tokenLimit,
		costLimit:  costLimit,
		logger:     zerolog.Nop(),
	}
}

// WithLogger returns the guard configured to log through the given logger.
func (g *Guard) WithLogger(logger zerolog.Logger) *Guard {
	g.logger = logger
	return g
}

// Check returns an *ExceededError when the tenant's cumulative usage is at or
// over a configured limit. A store read failure is returned as-is (retryable).
func (g *Guard) Check(ctx context.Context, tenantID uuid.UUID) error {
	if g.tokenLimit <= 0 && g.costLimit <= 0 {
		return nil
	}

	tokens, cost, err := g.store.GetTenantUsage(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to read tenant usage: %w", err)
	}

	if (g.tokenLimit > 0 && tokens >= g.tokenLimit) || (g.costLimit > 0 && cost >= g.costLimit) {
		exceeded := &ExceededError{
			TenantID:   tenantID,
			TokensUsed: tokens,
			TokenLimit: g.tokenLimit,
			CostUsed:   cost,
			CostLimit:  g.costLimit,
		}
		g.logger.Warn().
			Stringer("tenant_id", tenantID).
			Int64("tokens_used", tokens).
			Int64("token_limit", g.tokenLimit).
			Float64("cost_used", cost).
			Float64("cost_limit", g.costLimit).
			Msg("tenant budget exceeded")
		return exceeded
	}

	return nil
}

// Record adds a completed call's usage to the tenant's counters.
func (g *Guard) Record(ctx context.Context, tenantID uuid.UUID, tokens int64, cost float64) error {
	if err := g.store.AddTenantUsage(ctx, tenantID, tokens, cost); err != nil {
		return fmt.Errorf("failed to record tenant usage: %w", err)
	}
	return nil
}
