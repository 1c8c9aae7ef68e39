package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const runColumns = `id, project_id, tenant_id, status, selected_agents,
	        total_tokens, total_cost, error_message, started_at, completed_at, created_at`

func scanRun(row pgx.Row) (*Run, error) {
	var run Run
	err := row.Scan(&run.ID, &run.ProjectID, &run.TenantID, &run.Status, &run.SelectedAgents,
		&run.TotalTokens, &run.TotalCost, &run.ErrorMessage, &run.StartedAt, &run.CompletedAt, &run.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// CreateRun creates a new run in the queued state and returns it
func (db *DB) CreateRun(ctx context.Context, schema string, input RunInput) (*Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (project_id, tenant_id, status, selected_agents)
		 VALUES ($1, $2, '%s', $3)
		 RETURNING %s`, tbl(schema, "runs"), RunStatusQueued, runColumns),
		input.ProjectID, input.TenantID, input.SelectedAgents,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	return run, nil
}

// GetRun retrieves a run by ID; returns nil when not found
func (db *DB) GetRun(ctx context.Context, schema string, runID uuid.UUID) (*Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, tbl(schema, "runs")),
		runID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ClaimRun atomically moves a queued run to running and stamps started_at.
// Returns nil when the run does not exist or was already claimed, which makes
// duplicate background-job deliveries harmless.
func (db *DB) ClaimRun(ctx context.Context, schema string, runID uuid.UUID) (*Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', started_at = NOW()
		 WHERE id = $1 AND status = '%s'
		 RETURNING %s`, tbl(schema, "runs"), RunStatusRunning, RunStatusQueued, runColumns),
		runID,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a run completed with its aggregated token/cost totals
func (db *DB) CompleteRun(ctx context.Context, schema string, runID uuid.UUID, totalTokens int64, totalCost float64) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', total_tokens = $1, total_cost = $2, completed_at = NOW()
		 WHERE id = $3`, tbl(schema, "runs"), RunStatusCompleted),
		totalTokens, totalCost, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}
	return nil
}

// FailRun marks a run failed with an error message
func (db *DB) FailRun(ctx context.Context, schema string, runID uuid.UUID, errorMessage string) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', error_message = $1, completed_at = NOW()
		 WHERE id = $2`, tbl(schema, "runs"), RunStatusFailed),
		nullIfEmpty(errorMessage), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run failed: %w", err)
	}
	return nil
}
