package db

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus constants
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// StepStatus constants
const (
	StepStatusQueued    = "queued"
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

// Run represents one pipeline execution for a project
type Run struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	TenantID       uuid.UUID  `json:"tenant_id"`
	Status         string     `json:"status"`
	SelectedAgents []string   `json:"selected_agents"`
	TotalTokens    int64      `json:"total_tokens"`
	TotalCost      float64    `json:"total_cost"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RunInput represents input for creating a run
type RunInput struct {
	ProjectID      uuid.UUID
	TenantID       uuid.UUID
	SelectedAgents []string
}

// RunStep represents one agent's unit of work within a run
type RunStep struct {
	ID              uuid.UUID  `json:"id"`
	RunID           uuid.UUID  `json:"run_id"`
	AgentKind       string     `json:"agent_kind"`
	Status          string     `json:"status"`
	TokensUsed      int64      `json:"tokens_used"`
	ProgressPercent int        `json:"progress_percent"`
	ErrorMessage    *string    `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Artifact represents one persisted piece of generated content
type Artifact struct {
	ID             uuid.UUID      `json:"id"`
	ProjectID      uuid.UUID      `json:"project_id"`
	RunID          uuid.UUID      `json:"run_id"`
	AgentKind      string         `json:"agent_kind"`
	ArtifactType   string         `json:"artifact_type"`
	Title          string         `json:"title"`
	CurrentVersion int            `json:"current_version"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedBy      uuid.UUID      `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// ArtifactVersion represents one version of an artifact's content
type ArtifactVersion struct {
	ID               uuid.UUID `json:"id"`
	ArtifactID       uuid.UUID `json:"artifact_id"`
	Version          int       `json:"version"`
	Content          string    `json:"content"`
	ContentType      string    `json:"content_type"`
	DiffFromPrevious *string   `json:"diff_from_previous,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ArtifactInput represents input for recording a new artifact with its first version
type ArtifactInput struct {
	ProjectID    uuid.UUID
	RunID        uuid.UUID
	AgentKind    string
	ArtifactType string
	Title        string
	Content      string
	ContentType  string
	TokensUsed   int64
	Cost         float64
	CreatedBy    uuid.UUID
}
