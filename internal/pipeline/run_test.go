package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mverbitski/consulting-agents/internal/agents"
	"github.com/mverbitski/consulting-agents/internal/assembly"
	"github.com/mverbitski/consulting-agents/internal/budget"
	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/llm"
	"github.com/mverbitski/consulting-agents/internal/progress"
)

type fakeStore struct {
	mu sync.Mutex

	run      *db.Run
	claimErr error
	claimed  bool

	steps map[string]*db.RunStep

	startedSteps   []uuid.UUID
	completedSteps map[uuid.UUID]int64
	failedSteps    map[uuid.UUID]string

	artifacts   []db.ArtifactInput
	artifactErr map[string]error

	runCompleted bool
	totalTokens  int64
	totalCost    float64

	runFailed  bool
	failureMsg string
	failRunErr error
}

func newFakeStore(selected ...string) *fakeStore {
	s := &fakeStore{
		run: &db.Run{
			ID:             uuid.New(),
			Status:         db.RunStatusQueued,
			SelectedAgents: selected,
		},
		steps:          make(map[string]*db.RunStep),
		completedSteps: make(map[uuid.UUID]int64),
		failedSteps:    make(map[uuid.UUID]string),
		artifactErr:    make(map[string]error),
	}
	for _, kind := range selected {
		s.steps[kind] = &db.RunStep{
			ID:        uuid.New(),
			RunID:     s.run.ID,
			AgentKind: kind,
			Status:    db.StepStatusQueued,
		}
	}
	return s
}

func (s *fakeStore) ClaimRun(_ context.Context, _ string, _ uuid.UUID) (*db.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}
	if s.run == nil || s.claimed {
		return nil, nil
	}
	s.claimed = true
	return s.run, nil
}

func (s *fakeStore) CompleteRun(_ context.Context, _ string, _ uuid.UUID, totalTokens int64, totalCost float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runCompleted = true
	s.totalTokens = totalTokens
	s.totalCost = totalCost
	return nil
}

func (s *fakeStore) FailRun(_ context.Context, _ string, _ uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failRunErr != nil {
		return s.failRunErr
	}
	s.runFailed = true
	s.failureMsg = errorMessage
	return nil
}

func (s *fakeStore) GetRunStepByKind(_ context.Context, _ string, _ uuid.UUID, agentKind string) (*db.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[agentKind], nil
}

func (s *fakeStore) StartRunStep(_ context.Context, _ string, stepID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startedSteps = append(s.startedSteps, stepID)
	return nil
}

func (s *fakeStore) CompleteRunStep(_ context.Context, _ string, stepID uuid.UUID, tokensUsed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedSteps[stepID] = tokensUsed
	return nil
}

func (s *fakeStore) FailRunStep(_ context.Context, _ string, stepID uuid.UUID, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failedSteps[stepID] = errorMessage
	return nil
}

func (s *fakeStore) CreateArtifact(_ context.Context, _ string, input db.ArtifactInput) (uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.artifactErr[input.ArtifactType]; err != nil {
		return uuid.Nil, err
	}
	s.artifacts = append(s.artifacts, input)
	return uuid.New(), nil
}

func (s *fakeStore) artifactTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]string, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		types = append(types, a.ArtifactType)
	}
	return types
}

type fakeAssembler struct {
	bundle assembly.ContextBundle
}

func (a *fakeAssembler) Assemble(_ context.Context, _ string, _ uuid.UUID) assembly.ContextBundle {
	return a.bundle
}

type callOutcome struct {
	result *llm.GenerationResult
	err    error
}

func ok(tokens int64, cost float64) callOutcome {
	return callOutcome{result: &llm.GenerationResult{Content: "generated", TokensUsed: tokens, Cost: cost}}
}

func fail(msg string) callOutcome {
	return callOutcome{err: errors.New(msg)}
}

// fakeCaller scripts outcomes per artifact type. An empty script for a type
// means every call succeeds with a small fixed result.
type fakeCaller struct {
	mu      sync.Mutex
	script  map[string][]callOutcome
	calls   map[string]int
	panicOn string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{
		script: make(map[string][]callOutcome),
		calls:  make(map[string]int),
	}
}

func (c *fakeCaller) on(artifactType string, outcomes ...callOutcome) *fakeCaller {
	c.script[artifactType] = outcomes
	return c
}

func (c *fakeCaller) Generate(_ context.Context, doc agents.Document, _ assembly.ContextBundle, _ string) (*llm.GenerationResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls[doc.ArtifactType]++
	if c.panicOn == doc.ArtifactType {
		panic("caller blew up")
	}
	queue := c.script[doc.ArtifactType]
	if len(queue) == 0 {
		return &llm.GenerationResult{Content: "generated", TokensUsed: 1}, nil
	}
	outcome := queue[0]
	c.script[doc.ArtifactType] = queue[1:]
	return outcome.result, outcome.err
}

func (c *fakeCaller) callCount(artifactType string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[artifactType]
}

type fakeGuard struct {
	mu         sync.Mutex
	checkErrs  []error
	checkCalls int
	tokens     int64
	cost       float64
	recordErr  error
}

func (g *fakeGuard) Check(_ context.Context, _ uuid.UUID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkCalls++
	if len(g.checkErrs) == 0 {
		return nil
	}
	err := g.checkErrs[0]
	g.checkErrs = g.checkErrs[1:]
	return err
}

func (g *fakeGuard) Record(_ context.Context, _ uuid.UUID, tokens int64, cost float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.recordErr != nil {
		return g.recordErr
	}
	g.tokens += tokens
	g.cost += cost
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *fakePublisher) Publish(runID uuid.UUID, name string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, progress.Event{RunID: runID, Name: name, Payload: payload})
}

func (p *fakePublisher) all() []progress.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]progress.Event(nil), p.events...)
}

type fixture struct {
	store     *fakeStore
	caller    *fakeCaller
	guard     *fakeGuard
	publisher *fakePublisher
	svc       *Service
	params    ExecuteParams
}

func newFixture(selected ...string) *fixture {
	f := &fixture{
		store:     newFakeStore(selected...),
		caller:    newFakeCaller(),
		guard:     &fakeGuard{},
		publisher: &fakePublisher{},
	}
	f.svc = New(f.store, &fakeAssembler{}, f.caller, f.guard, f.publisher,
		WithRetryDelays([]time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}))
	f.params = ExecuteParams{
		RunID:        f.store.run.ID,
		TenantSchema: "tenant_acme",
		ProjectID:    uuid.New(),
		TenantID:     uuid.New(),
		UserID:       uuid.New(),
	}
	return f
}

func TestExecuteSingleAgentSuccess(t *testing.T) {
	f := newFixture("ba_consultant")
	f.caller.on("requirements_matrix", ok(100, 0.05))

	f.svc.Execute(context.Background(), f.params)

	assert.True(t, f.store.runCompleted)
	assert.False(t, f.store.runFailed)
	assert.Equal(t, int64(100), f.store.totalTokens)
	assert.InDelta(t, 0.05, f.store.totalCost, 1e-9)

	step := f.store.steps["ba_consultant"]
	assert.Equal(t, int64(100), f.store.completedSteps[step.ID])
	assert.Equal(t, []string{"requirements_matrix"}, f.store.artifactTypes())

	events := f.publisher.all()
	require.Len(t, events, 3)
	assert.Equal(t, progress.EventRunning, events[0].Name)
	assert.Equal(t, progress.EventComplete, events[1].Name)
	assert.Equal(t, step.ID.String(), events[1].Payload["step_id"])
	assert.True(t, events[2].Terminal())
	assert.Equal(t, false, events[2].Payload["error"])
	assert.Equal(t, int64(100), events[2].Payload["total_tokens"])
}

func TestExecuteAggregatesTokensAcrossSteps(t *testing.T) {
	f := newFixture("ba_consultant", "automation_consultant")
	f.caller.on("requirements_matrix", ok(100, 0.02))
	f.caller.on("automation_strategy", ok(250, 0.03))

	f.svc.Execute(context.Background(), f.params)

	require.True(t, f.store.runCompleted)
	assert.Equal(t, int64(350), f.store.totalTokens)
	assert.InDelta(t, 0.05, f.store.totalCost, 1e-9)
	assert.Equal(t, int64(350), f.guard.tokens)
}

func TestExecuteStepsEmitEventsInSelectionOrder(t *testing.T) {
	f := newFixture("ba_consultant", "automation_consultant")
	f.caller.on("requirements_matrix", ok(100, 0.02))
	f.caller.on("automation_strategy", ok(250, 0.03))

	f.svc.Execute(context.Background(), f.params)

	baStep := f.store.steps["ba_consultant"]
	autoStep := f.store.steps["automation_consultant"]

	// Everything for the first step, including its completion, strictly
	// precedes the second step's first event; the run-level event is last.
	events := f.publisher.all()
	require.Len(t, events, 5)
	assert.Equal(t, progress.EventRunning, events[0].Name)
	assert.Equal(t, baStep.ID.String(), events[0].Payload["step_id"])
	assert.Equal(t, progress.EventComplete, events[1].Name)
	assert.Equal(t, baStep.ID.String(), events[1].Payload["step_id"])
	assert.Equal(t, progress.EventRunning, events[2].Name)
	assert.Equal(t, autoStep.ID.String(), events[2].Payload["step_id"])
	assert.Equal(t, progress.EventComplete, events[3].Name)
	assert.Equal(t, autoStep.ID.String(), events[3].Payload["step_id"])
	assert.True(t, events[4].Terminal())
}

func TestExecuteQAProducesTwoArtifacts(t *testing.T) {
	f := newFixture("qa_consultant")
	f.caller.on("test_plan", ok(40, 0.01))
	f.caller.on("bdd_scenarios", ok(60, 0.01))

	f.svc.Execute(context.Background(), f.params)

	require.True(t, f.store.runCompleted)
	assert.Equal(t, []string{"test_plan", "bdd_scenarios"}, f.store.artifactTypes())

	step := f.store.steps["qa_consultant"]
	assert.Equal(t, int64(100), f.store.completedSteps[step.ID])
	assert.Equal(t, int64(100), f.store.totalTokens)
}

func TestExecuteQASecondaryFailureRetainsPrimaryArtifact(t *testing.T) {
	f := newFixture("qa_consultant")
	f.caller.on("test_plan", ok(40, 0.01))
	f.caller.on("bdd_scenarios", fail("boom"), fail("boom"), fail("boom"), fail("boom"))

	f.svc.Execute(context.Background(), f.params)

	// The step fails, but the already-recorded test plan stays.
	assert.Equal(t, []string{"test_plan"}, f.store.artifactTypes())
	assert.False(t, f.store.runCompleted)
	assert.True(t, f.store.runFailed)
	assert.Contains(t, f.store.failureMsg, "agent qa_consultant failed after 3 retries")

	step := f.store.steps["qa_consultant"]
	assert.Contains(t, f.store.failedSteps[step.ID], "failed after 3 retries")
}

func TestExecuteRetryExhaustionFailsRunAndKeepsEarlierArtifacts(t *testing.T) {
	f := newFixture("ba_consultant", "qa_consultant")
	f.caller.on("requirements_matrix", ok(100, 0.02))
	f.caller.on("test_plan", fail("model unavailable"), fail("model unavailable"),
		fail("model unavailable"), fail("model unavailable"))

	f.svc.Execute(context.Background(), f.params)

	assert.Equal(t, 4, f.caller.callCount("test_plan"))
	assert.Equal(t, 0, f.caller.callCount("bdd_scenarios"))
	assert.True(t, f.store.runFailed)
	assert.Contains(t, f.store.failureMsg, "failed after 3 retries")
	assert.Contains(t, f.store.failureMsg, "model unavailable")
	assert.Equal(t, []string{"requirements_matrix"}, f.store.artifactTypes())

	events := f.publisher.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, true, last.Payload["error"])
}

func TestExecuteBudgetExceededFailsWithoutRetry(t *testing.T) {
	f := newFixture("ba_consultant")
	f.guard.checkErrs = []error{&budget.ExceededError{TenantID: f.params.TenantID, TokensUsed: 500, TokenLimit: 500}}

	f.svc.Execute(context.Background(), f.params)

	assert.Equal(t, 0, f.caller.callCount("requirements_matrix"))
	assert.Equal(t, 1, f.guard.checkCalls)
	assert.True(t, f.store.runFailed)
	assert.Equal(t, "Token budget exceeded", f.store.failureMsg)

	step := f.store.steps["ba_consultant"]
	assert.Equal(t, "Token budget exceeded", f.store.failedSteps[step.ID])
}

func TestExecutePanicStillReachesTerminalState(t *testing.T) {
	f := newFixture("ba_consultant")
	f.caller.panicOn = "requirements_matrix"

	require.NotPanics(t, func() {
		f.svc.Execute(context.Background(), f.params)
	})

	assert.True(t, f.store.runFailed)
	assert.Contains(t, f.store.failureMsg, "unexpected error")

	events := f.publisher.all()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.True(t, last.Terminal())
	assert.Equal(t, true, last.Payload["error"])
}

func TestExecuteUnclaimableRunDoesNothing(t *testing.T) {
	f := newFixture("ba_consultant")
	f.store.claimed = true // someone already has it

	f.svc.Execute(context.Background(), f.params)

	assert.Equal(t, 0, f.caller.callCount("requirements_matrix"))
	assert.False(t, f.store.runCompleted)
	assert.False(t, f.store.runFailed)
	assert.Empty(t, f.publisher.all())
}

func TestExecuteSkipsUnknownAndUnmaterializedAgents(t *testing.T) {
	f := newFixture("ba_consultant")
	f.store.run.SelectedAgents = []string{"fortune_teller", "automation_consultant", "ba_consultant"}
	f.caller.on("requirements_matrix", ok(10, 0.01))

	f.svc.Execute(context.Background(), f.params)

	// fortune_teller is unknown and automation_consultant has no step row;
	// both are skipped and the run still completes on what remains.
	assert.True(t, f.store.runCompleted)
	assert.Equal(t, int64(10), f.store.totalTokens)
	assert.Equal(t, 0, f.caller.callCount("automation_strategy"))
}

func TestExecuteSwallowsFailRunPersistenceError(t *testing.T) {
	f := newFixture("ba_consultant")
	f.caller.on("requirements_matrix", fail("x"), fail("x"), fail("x"), fail("x"))
	f.store.failRunErr = errors.New("connection reset")

	require.NotPanics(t, func() {
		f.svc.Execute(context.Background(), f.params)
	})

	// The terminal event still goes out even when the write is lost.
	events := f.publisher.all()
	require.NotEmpty(t, events)
	assert.True(t, events[len(events)-1].Terminal())
}

func TestExecuteClaimErrorFailsRun(t *testing.T) {
	f := newFixture("ba_consultant")
	f.store.claimErr = errors.New("pool closed")

	f.svc.Execute(context.Background(), f.params)

	assert.Equal(t, 0, f.caller.callCount("requirements_matrix"))
	assert.True(t, f.store.runFailed)
	assert.Contains(t, f.store.failureMsg, "pool closed")
}
