package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// CreateArtifact records one artifact and its first version in one transaction.
// The artifact starts at current_version=1 with a version row carrying the
// generated content; diff_from_previous is always NULL at version 1.
func (db *DB) CreateArtifact(ctx context.Context, schema string, input ArtifactInput) (uuid.UUID, error) {
	metadata, err := json.Marshal(map[string]any{
		"tokens_used": input.TokensUsed,
		"cost":        input.Cost,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal artifact metadata: %w", err)
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin artifact transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	var artifactID uuid.UUID
	err = tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (project_id, run_id, agent_kind, artifact_type, title,
		                  current_version, metadata, created_by)
		 VALUES ($1, $2, $3, $4, $5, 1, $6, $7)
		 RETURNING id`, tbl(schema, "artifacts")),
		input.ProjectID, input.RunID, input.AgentKind, input.ArtifactType, input.Title,
		metadata, input.CreatedBy,
	).Scan(&artifactID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create artifact: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (artifact_id, version, content, content_type, diff_from_previous)
		 VALUES ($1, 1, $2, $3, NULL)`, tbl(schema, "artifact_versions")),
		artifactID, input.Content, input.ContentType,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to create artifact version: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit artifact: %w", err)
	}
	return artifactID, nil
}

// GetArtifact retrieves an artifact by ID; returns nil when not found
func (db *DB) GetArtifact(ctx context.Context, schema string, artifactID uuid.UUID) (*Artifact, error) {
	var artifact Artifact
	var metadata []byte
	err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, project_id, run_id, agent_kind, artifact_type, title,
		        current_version, metadata, created_by, created_at, updated_at
		 FROM %s WHERE id = $1`, tbl(schema, "artifacts")),
		artifactID,
	).Scan(&artifact.ID, &artifact.ProjectID, &artifact.RunID, &artifact.AgentKind,
		&artifact.ArtifactType, &artifact.Title, &artifact.CurrentVersion, &metadata,
		&artifact.CreatedBy, &artifact.CreatedAt, &artifact.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	if metadata != nil {
		_ = json.Unmarshal(metadata, &artifact.Metadata)
	}
	return &artifact, nil
}

// GetArtifactVersion retrieves one version of an artifact; nil when not found
func (db *DB) GetArtifactVersion(ctx context.Context, schema string, artifactID uuid.UUID, version int) (*ArtifactVersion, error) {
	var v ArtifactVersion
	err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT id, artifact_id, version, content, content_type, diff_from_previous, created_at
		 FROM %s WHERE artifact_id = $1 AND version = $2`, tbl(schema, "artifact_versions")),
		artifactID, version,
	).Scan(&v.ID, &v.ArtifactID, &v.Version, &v.Content, &v.ContentType, &v.DiffFromPrevious, &v.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get artifact version: %w", err)
	}
	return &v, nil
}

// ListRunArtifacts retrieves all artifacts created by a run, oldest first
func (db *DB) ListRunArtifacts(ctx context.Context, schema string, runID uuid.UUID) ([]Artifact, error) {
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT id, project_id, run_id, agent_kind, artifact_type, title,
		        current_version, metadata, created_by, created_at, updated_at
		 FROM %s WHERE run_id = $1 ORDER BY created_at`, tbl(schema, "artifacts")),
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		var artifact Artifact
		var metadata []byte
		if err := rows.Scan(&artifact.ID, &artifact.ProjectID, &artifact.RunID, &artifact.AgentKind,
			&artifact.ArtifactType, &artifact.Title, &artifact.CurrentVersion, &metadata,
			&artifact.CreatedBy, &artifact.CreatedAt, &artifact.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		if metadata != nil {
			_ = json.Unmarshal(metadata, &artifact.Metadata)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, nil
}
