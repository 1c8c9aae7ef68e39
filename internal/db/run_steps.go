package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const runStepColumns = `id, run_id, agent_kind, status, tokens_used, progress_percent,
	        error_message, started_at, completed_at, created_at, updated_at`

func scanRunStep(row pgx.Row) (*RunStep, error) {
	var step RunStep
	err := row.Scan(&step.ID, &step.RunID, &step.AgentKind, &step.Status, &step.TokensUsed,
		&step.ProgressPercent, &step.ErrorMessage, &step.StartedAt, &step.CompletedAt,
		&step.CreatedAt, &step.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &step, nil
}

// CreateRunStep pre-creates a queued step for one agent kind of a run
func (db *DB) CreateRunStep(ctx context.Context, schema string, runID uuid.UUID, agentKind string) (*RunStep, error) {
	step, err := scanRunStep(db.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (run_id, agent_kind, status)
		 VALUES ($1, $2, '%s')
		 RETURNING %s`, tbl(schema, "run_steps"), StepStatusQueued, runStepColumns),
		runID, agentKind,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create run step: %w", err)
	}
	return step, nil
}

// GetRunStepByKind retrieves the step for one agent kind of a run; nil when not found
func (db *DB) GetRunStepByKind(ctx context.Context, schema string, runID uuid.UUID, agentKind string) (*RunStep, error) {
	step, err := scanRunStep(db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 AND agent_kind = $2`,
			runStepColumns, tbl(schema, "run_steps")),
		runID, agentKind,
	))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run step: %w", err)
	}
	return step, nil
}

// ListRunSteps retrieves all steps for a run in creation order
func (db *DB) ListRunSteps(ctx context.Context, schema string, runID uuid.UUID) ([]RunStep, error) {
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM %s WHERE run_id = $1 ORDER BY created_at`,
			runStepColumns, tbl(schema, "run_steps")),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []RunStep
	for rows.Next() {
		step, err := scanRunStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		steps = append(steps, *step)
	}
	return steps, nil
}

// StartRunStep moves a step to running and stamps started_at
func (db *DB) StartRunStep(ctx context.Context, schema string, stepID uuid.UUID) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', started_at = NOW(), updated_at = NOW()
		 WHERE id = $1`, tbl(schema, "run_steps"), StepStatusRunning),
		stepID,
	)
	if err != nil {
		return fmt.Errorf("failed to start run step: %w", err)
	}
	return nil
}

// CompleteRunStep marks a step completed with its token usage
func (db *DB) CompleteRunStep(ctx context.Context, schema string, stepID uuid.UUID, tokensUsed int64) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', tokens_used = $1, progress_percent = 100,
		     completed_at = NOW(), updated_at = NOW()
		 WHERE id = $2`, tbl(schema, "run_steps"), StepStatusCompleted),
		tokensUsed, stepID,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run step: %w", err)
	}
	return nil
}

// FailRunStep marks a step failed with an error message
func (db *DB) FailRunStep(ctx context.Context, schema string, stepID uuid.UUID, errorMessage string) error {
	_, err := db.pool.Exec(ctx,
		fmt.Sprintf(`UPDATE %s SET status = '%s', error_message = $1,
		     completed_at = NOW(), updated_at = NOW()
		 WHERE id = $2`, tbl(schema, "run_steps"), StepStatusFailed),
		nullIfEmpty(errorMessage), stepID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark run step failed: %w", err)
	}
	return nil
}
