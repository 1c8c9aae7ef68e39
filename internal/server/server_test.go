package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/progress"
)

// stubStore backs handler tests without a database.
type stubStore struct {
	run      *db.Run
	steps    []db.RunStep
	artifact *db.Artifact
	onGetRun func()
}

func (s *stubStore) CreateRun(_ context.Context, _ string, _ db.RunInput) (*db.Run, error) {
	return s.run, nil
}

func (s *stubStore) CreateRunStep(_ context.Context, _ string, runID uuid.UUID, agentKind string) (*db.RunStep, error) {
	return &db.RunStep{ID: uuid.New(), RunID: runID, AgentKind: agentKind}, nil
}

func (s *stubStore) GetRun(_ context.Context, _ string, _ uuid.UUID) (*db.Run, error) {
	if s.onGetRun != nil {
		s.onGetRun()
	}
	return s.run, nil
}

func (s *stubStore) ListRunSteps(_ context.Context, _ string, _ uuid.UUID) ([]db.RunStep, error) {
	return s.steps, nil
}

func (s *stubStore) GetArtifact(_ context.Context, _ string, _ uuid.UUID) (*db.Artifact, error) {
	return s.artifact, nil
}

func (s *stubStore) Close() {}

// testServer returns a server that can exercise request validation without a
// database; handlers must reject bad input before any persistence call.
func testServer() *Server {
	return &Server{
		broker:   progress.NewBroker(),
		validate: validator.New(),
		logger:   zerolog.Nop(),
	}
}

func withTenant(r *http.Request) *http.Request {
	r.Header.Set("X-Tenant-Schema", "tenant_acme")
	r.Header.Set("X-Tenant-ID", uuid.NewString())
	return r
}

func TestCreateRunRequiresTenantHeaders(t *testing.T) {
	s := testServer()

	r := httptest.NewRequest(http.MethodPost, "/projects/x/runs", strings.NewReader("{}"))
	r.SetPathValue("id", uuid.NewString())
	w := httptest.NewRecorder()

	s.handleCreateRun(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "X-Tenant-Schema")
}

func TestCreateRunRejectsMalformedTenantID(t *testing.T) {
	s := testServer()

	r := httptest.NewRequest(http.MethodPost, "/projects/x/runs", strings.NewReader("{}"))
	r.Header.Set("X-Tenant-Schema", "tenant_acme")
	r.Header.Set("X-Tenant-ID", "not-a-uuid")
	r.SetPathValue("id", uuid.NewString())
	w := httptest.NewRecorder()

	s.handleCreateRun(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "X-Tenant-ID")
}

func TestCreateRunRejectsBadProjectID(t *testing.T) {
	s := testServer()

	r := withTenant(httptest.NewRequest(http.MethodPost, "/projects/x/runs", strings.NewReader("{}")))
	r.SetPathValue("id", "nope")
	w := httptest.NewRecorder()

	s.handleCreateRun(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid id")
}

func TestCreateRunRejectsInvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed JSON", "{"},
		{"no agents", `{"agent_kinds": [], "user_id": "` + uuid.NewString() + `"}`},
		{"unknown agent kind", `{"agent_kinds": ["fortune_teller"], "user_id": "` + uuid.NewString() + `"}`},
		{"missing user id", `{"agent_kinds": ["ba_consultant"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testServer()

			r := withTenant(httptest.NewRequest(http.MethodPost, "/projects/x/runs", strings.NewReader(tt.body)))
			r.SetPathValue("id", uuid.NewString())
			w := httptest.NewRecorder()

			s.handleCreateRun(w, r)

			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestGetRunRejectsBadRunID(t *testing.T) {
	s := testServer()

	r := withTenant(httptest.NewRequest(http.MethodGet, "/runs/nope", nil))
	r.SetPathValue("id", "nope")
	w := httptest.NewRecorder()

	s.handleGetRun(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealth(t *testing.T) {
	s := testServer()

	w := httptest.NewRecorder()
	s.handleHealth(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func eventsRequest(ctx context.Context, runID uuid.UUID) *http.Request {
	r := withTenant(httptest.NewRequest(http.MethodGet, "/runs/"+runID.String()+"/events", nil))
	r.SetPathValue("id", runID.String())
	return r.WithContext(ctx)
}

func TestRunEventsTerminalDuringStatusReadStillCloses(t *testing.T) {
	runID := uuid.New()
	broker := progress.NewBroker()
	store := &stubStore{run: &db.Run{ID: runID, Status: db.RunStatusRunning}}
	// The run finishes while its status is being read: the status comes back
	// stale ("running") and the terminal event must reach the subscriber.
	store.onGetRun = func() {
		broker.Publish(runID, progress.EventComplete, map[string]any{"error": false})
	}

	s := &Server{db: store, broker: broker, validate: validator.New(), logger: zerolog.Nop()}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	w := httptest.NewRecorder()

	s.handleRunEvents(w, eventsRequest(ctx, runID))

	require.NoError(t, ctx.Err(), "handler waited out its context instead of seeing the terminal event")
	assert.Contains(t, w.Body.String(), "event: complete")
}

func TestRunEventsForFinishedRunRepliesImmediately(t *testing.T) {
	runID := uuid.New()
	msg := "agent qa_consultant failed after 3 retries: boom"
	store := &stubStore{run: &db.Run{ID: runID, Status: db.RunStatusFailed, ErrorMessage: &msg}}

	s := &Server{db: store, broker: progress.NewBroker(), validate: validator.New(), logger: zerolog.Nop()}

	w := httptest.NewRecorder()
	s.handleRunEvents(w, eventsRequest(context.Background(), runID))

	body := w.Body.String()
	assert.Contains(t, body, "event: complete")
	assert.Contains(t, body, `"error":true`)
}

func TestSSEWriterFormatsEvents(t *testing.T) {
	w := httptest.NewRecorder()

	sse, err := NewSSEWriter(w)
	require.NoError(t, err)

	require.NoError(t, sse.WriteEvent("running", map[string]any{"progress": 0}))

	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "event: running\n")
	assert.Contains(t, body, `data: {"progress":0}`)
	assert.True(t, strings.HasSuffix(body, "\n\n"))
}
