package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// -----------------------------------------------------------------------------
// Context source reads (document chunks, repository analysis, crawl sessions)
// -----------------------------------------------------------------------------

// ListDocumentChunks returns up to limit parsed chunk texts for a project,
// ordered by document then chunk index.
func (db *DB) ListDocumentChunks(ctx context.Context, schema string, projectID uuid.UUID, limit int) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		fmt.Sprintf(`SELECT content FROM %s
		 WHERE project_id = $1
		 ORDER BY document_id, chunk_index
		 LIMIT $2`, tbl(schema, "document_chunks")),
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list document chunks: %w", err)
	}
	defer rows.Close()

	var chunks []string
	for rows.Next() {
		var content string
		if err := rows.Scan(&content); err != nil {
			return nil, fmt.Errorf("failed to scan document chunk: %w", err)
		}
		chunks = append(chunks, content)
	}
	return chunks, nil
}

// LatestRepositorySummary returns the newest cloned repository connection's
// analysis summary serialized to a string, or "" when none exists.
func (db *DB) LatestRepositorySummary(ctx context.Context, schema string, projectID uuid.UUID) (string, error) {
	var summary []byte
	err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT analysis_summary FROM %s
		 WHERE project_id = $1 AND status = 'cloned'
		 ORDER BY created_at DESC
		 LIMIT 1`, tbl(schema, "repository_connections")),
		projectID,
	).Scan(&summary)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get repository summary: %w", err)
	}
	return string(summary), nil
}

// LatestCrawlData returns the newest completed crawl session's data serialized
// to a string, or "" when none exists.
func (db *DB) LatestCrawlData(ctx context.Context, schema string, projectID uuid.UUID) (string, error) {
	var data []byte
	err := db.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT crawl_data FROM %s
		 WHERE project_id = $1 AND status = 'completed'
		 ORDER BY created_at DESC
		 LIMIT 1`, tbl(schema, "crawl_sessions")),
		projectID,
	).Scan(&data)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to get crawl data: %w", err)
	}
	return string(data), nil
}
