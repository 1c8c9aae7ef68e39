package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/pipeline"
)

// tenantContext is the per-request tenant identity. The gateway in front of
// this service authenticates the caller and injects trusted headers; here we
// only check they are present and well-formed.
type tenantContext struct {
	Schema   string
	TenantID uuid.UUID
}

func (s *Server) tenantFromHeaders(w http.ResponseWriter, r *http.Request) (tenantContext, bool) {
	schema := r.Header.Get("X-Tenant-Schema")
	if schema == "" {
		s.errorResponse(w, http.StatusBadRequest, "X-Tenant-Schema header is required")
		return tenantContext{}, false
	}

	tenantID, err := uuid.Parse(r.Header.Get("X-Tenant-ID"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "X-Tenant-ID header must be a valid UUID")
		return tenantContext{}, false
	}

	return tenantContext{Schema: schema, TenantID: tenantID}, true
}

func pathUUID(w http.ResponseWriter, r *http.Request, s *Server) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid id in path")
		return uuid.Nil, false
	}
	return id, true
}

// createRunRequest is the body of POST /projects/{id}/runs.
type createRunRequest struct {
	AgentKinds []string `json:"agent_kinds" validate:"required,min=1,dive,oneof=ba_consultant qa_consultant automation_consultant"`
	UserID     string   `json:"user_id" validate:"required,uuid"`
}

// handleCreateRun creates a queued run with one step per selected agent and
// launches execution in the background. Responds 202 with the run.
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromHeaders(w, r)
	if !ok {
		return
	}
	projectID, ok := pathUUID(w, r, s)
	if !ok {
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	userID, _ := uuid.Parse(req.UserID)

	run, err := s.db.CreateRun(r.Context(), tenant.Schema, db.RunInput{
		ProjectID:      projectID,
		TenantID:       tenant.TenantID,
		SelectedAgents: req.AgentKinds,
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to create run")
		s.errorResponse(w, http.StatusInternalServerError, "failed to create run")
		return
	}

	for _, kind := range req.AgentKinds {
		if _, err := s.db.CreateRunStep(r.Context(), tenant.Schema, run.ID, kind); err != nil {
			s.logger.Error().Err(err).Str("agent_kind", kind).Msg("failed to create run step")
			s.errorResponse(w, http.StatusInternalServerError, "failed to create run steps")
			return
		}
	}

	// Fire and forget: the pipeline owns the run from here and guarantees it
	// reaches a terminal state. The request context must not cancel it.
	go s.svc.Execute(context.Background(), pipeline.ExecuteParams{
		RunID:        run.ID,
		TenantSchema: tenant.Schema,
		ProjectID:    projectID,
		TenantID:     tenant.TenantID,
		UserID:       userID,
	})

	s.jsonResponse(w, http.StatusAccepted, run)
}

// handleGetRun returns one run.
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromHeaders(w, r)
	if !ok {
		return
	}
	runID, ok := pathUUID(w, r, s)
	if !ok {
		return
	}

	run, err := s.db.GetRun(r.Context(), tenant.Schema, runID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load run")
		s.errorResponse(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}

	s.jsonResponse(w, http.StatusOK, run)
}

// handleListRunSteps returns a run's steps in execution order.
func (s *Server) handleListRunSteps(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromHeaders(w, r)
	if !ok {
		return
	}
	runID, ok := pathUUID(w, r, s)
	if !ok {
		return
	}

	steps, err := s.db.ListRunSteps(r.Context(), tenant.Schema, runID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list run steps")
		s.errorResponse(w, http.StatusInternalServerError, "failed to list run steps")
		return
	}

	s.jsonResponse(w, http.StatusOK, map[string]any{"steps": steps})
}

// handleGetArtifact returns one artifact with its content.
func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromHeaders(w, r)
	if !ok {
		return
	}
	artifactID, ok := pathUUID(w, r, s)
	if !ok {
		return
	}

	artifact, err := s.db.GetArtifact(r.Context(), tenant.Schema, artifactID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load artifact")
		s.errorResponse(w, http.StatusInternalServerError, "failed to load artifact")
		return
	}
	if artifact == nil {
		s.errorResponse(w, http.StatusNotFound, "artifact not found")
		return
	}

	s.jsonResponse(w, http.StatusOK, artifact)
}

// handleRunEvents streams a run's progress events over SSE until the run
// reaches a terminal state or the client disconnects.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	tenant, ok := s.tenantFromHeaders(w, r)
	if !ok {
		return
	}
	runID, ok := pathUUID(w, r, s)
	if !ok {
		return
	}

	// Subscribe before reading the run's status. A terminal event published
	// while the status is read lands in the subscriber buffer; either the
	// status read already sees the terminal state, or the event is waiting in
	// the channel. Subscribing after the read leaves a window where both miss.
	events, cancel := s.broker.Subscribe(runID)
	defer cancel()

	run, err := s.db.GetRun(r.Context(), tenant.Schema, runID)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load run")
		s.errorResponse(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if run == nil {
		s.errorResponse(w, http.StatusNotFound, "run not found")
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	if run.Status == db.RunStatusCompleted || run.Status == db.RunStatusFailed {
		sse.WriteEvent("complete", map[string]any{ //nolint:errcheck
			"error":  run.Status == db.RunStatusFailed,
			"status": run.Status,
		})
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-events:
			if err := sse.WriteEvent(event.Name, event.Payload); err != nil {
				return
			}
			if event.Terminal() {
				return
			}
		}
	}
}
