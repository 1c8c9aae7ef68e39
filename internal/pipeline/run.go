// Package pipeline drives one run of the agent pipeline: context assembly,
// sequential per-agent steps with bounded retries, artifact recording, and
// progress notification. Every execution ends with the run in exactly one
// terminal state, no matter where it fails.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mverbitski/consulting-agents/internal/agents"
	"github.com/mverbitski/consulting-agents/internal/assembly"
	"github.com/mverbitski/consulting-agents/internal/budget"
	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/llm"
	"github.com/mverbitski/consulting-agents/internal/progress"
)

// Store is the persistence surface the driver needs. *db.DB implements it.
type Store interface {
	ClaimRun(ctx context.Context, schema string, runID uuid.UUID) (*db.Run, error)
	CompleteRun(ctx context.Context, schema string, runID uuid.UUID, totalTokens int64, totalCost float64) error
	FailRun(ctx context.Context, schema string, runID uuid.UUID, errorMessage string) error
	GetRunStepByKind(ctx context.Context, schema string, runID uuid.UUID, agentKind string) (*db.RunStep, error)
	StartRunStep(ctx context.Context, schema string, stepID uuid.UUID) error
	CompleteRunStep(ctx context.Context, schema string, stepID uuid.UUID, tokensUsed int64) error
	FailRunStep(ctx context.Context, schema string, stepID uuid.UUID, errorMessage string) error
	CreateArtifact(ctx context.Context, schema string, input db.ArtifactInput) (uuid.UUID, error)
}

// ContextAssembler builds the run's shared context bundle. It never fails.
type ContextAssembler interface {
	Assemble(ctx context.Context, schema string, projectID uuid.UUID) assembly.ContextBundle
}

// AgentCaller makes one generation call for one document spec.
type AgentCaller interface {
	Generate(ctx context.Context, doc agents.Document, bundle assembly.ContextBundle, cacheKey string) (*llm.GenerationResult, error)
}

// Guard enforces the per-tenant usage ceiling around every generation call.
type Guard interface {
	Check(ctx context.Context, tenantID uuid.UUID) error
	Record(ctx context.Context, tenantID uuid.UUID, tokens int64, cost float64) error
}

// defaultRetryDelays is the backoff schedule after a failed attempt:
// one initial attempt plus one retry per delay.
var defaultRetryDelays = []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}

// Service executes pipeline runs. It is stateless beyond its injected
// dependencies; all per-run state is local to one Execute call.
type Service struct {
	store     Store
	assembler ContextAssembler
	caller    AgentCaller
	guard     Guard
	publisher progress.Publisher

	delays []time.Duration
	sleep  func(ctx context.Context, d time.Duration) error
	logger zerolog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRetryDelays overrides the backoff schedule. Used by tests to avoid
// real sleeps; the retry count follows the number of delays.
func WithRetryDelays(delays []time.Duration) Option {
	return func(s *Service) { s.delays = delays }
}

// New creates a pipeline service.
func New(store Store, assembler ContextAssembler, caller AgentCaller, guard Guard, publisher progress.Publisher, opts ...Option) *Service {
	s := &Service{
		store:     store,
		assembler: assembler,
		caller:    caller,
		guard:     guard,
		publisher: publisher,
		delays:    defaultRetryDelays,
		sleep:     sleepCtx,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteParams identifies one run to execute. All values come from the run's
// creation context and are already validated by the API layer.
type ExecuteParams struct {
	RunID        uuid.UUID
	TenantSchema string
	ProjectID    uuid.UUID
	TenantID     uuid.UUID
	UserID       uuid.UUID
}

// Execute drives one run to a terminal state. It is meant to be invoked as a
// fire-and-forget background job: it returns nothing, and every outcome —
// including panics — is persisted on the run before it returns.
func (s *Service) Execute(ctx context.Context, p ExecuteParams) {
	log := s.logger.With().
		Stringer("run_id", p.RunID).
		Str("tenant_schema", p.TenantSchema).
		Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("pipeline run panicked")
			s.finishFailed(ctx, p, fmt.Sprintf("unexpected error: %v", r), log)
		}
	}()

	run, err := s.store.ClaimRun(ctx, p.TenantSchema, p.RunID)
	if err != nil {
		log.Error().Err(err).Msg("failed to claim run")
		s.finishFailed(ctx, p, err.Error(), log)
		return
	}
	if run == nil {
		// Duplicate delivery or an already-finished run; nothing to do.
		log.Warn().Msg("run is not claimable, skipping execution")
		return
	}

	log.Info().Strs("selected_agents", run.SelectedAgents).Msg("pipeline run started")

	if err := s.runSteps(ctx, p, run, log); err != nil {
		s.finishFailed(ctx, p, failureMessage(err), log)
		return
	}
}

// runSteps executes the claimed run and commits the completed state. Any
// returned error means the run must be failed by the caller.
func (s *Service) runSteps(ctx context.Context, p ExecuteParams, run *db.Run, log zerolog.Logger) error {
	bundle := s.assembler.Assemble(ctx, p.TenantSchema, p.ProjectID)
	cacheKey := bundle.CacheKey()

	var totalTokens int64
	var totalCost float64

	for _, kindName := range run.SelectedAgents {
		kind, ok := agents.ParseKind(kindName)
		if !ok {
			log.Warn().Str("agent_kind", kindName).Msg("unknown agent kind in selection, skipping")
			continue
		}
		spec, _ := agents.SpecFor(kind)

		step, err := s.store.GetRunStepByKind(ctx, p.TenantSchema, p.RunID, kindName)
		if err != nil {
			return fmt.Errorf("loading step for agent %s: %w", kind, err)
		}
		if step == nil {
			log.Warn().Str("agent_kind", kindName).Msg("no pre-created step for selected agent, skipping")
			continue
		}

		tokens, cost, err := s.executeStep(ctx, p, spec, step, bundle, cacheKey, log)
		if err != nil {
			return err
		}
		totalTokens += tokens
		totalCost += cost
	}

	if err := s.store.CompleteRun(ctx, p.TenantSchema, p.RunID, totalTokens, totalCost); err != nil {
		return fmt.Errorf("persisting run completion: %w", err)
	}

	log.Info().Int64("total_tokens", totalTokens).Float64("total_cost", totalCost).Msg("pipeline run completed")
	s.publish(p.RunID, progress.EventComplete, map[string]any{
		"error":        false,
		"total_tokens": totalTokens,
		"total_cost":   totalCost,
	}, log)
	return nil
}

// executeStep runs one agent's step: primary generation, optional secondary
// generation, artifact recording, and the step's state transitions.
func (s *Service) executeStep(ctx context.Context, p ExecuteParams, spec agents.Spec, step *db.RunStep, bundle assembly.ContextBundle, cacheKey string, log zerolog.Logger) (int64, float64, error) {
	stepLog := log.With().Str("agent_kind", string(spec.Kind)).Stringer("step_id", step.ID).Logger()

	if err := s.store.StartRunStep(ctx, p.TenantSchema, step.ID); err != nil {
		wrapped := fmt.Errorf("starting step for agent %s: %w", spec.Kind, err)
		s.failStep(ctx, p, step, spec, wrapped, stepLog)
		return 0, 0, wrapped
	}
	s.publish(p.RunID, progress.EventRunning, map[string]any{
		"step_id":    step.ID.String(),
		"agent_kind": string(spec.Kind),
		"label":      spec.Label,
		"progress":   0,
	}, stepLog)

	primary, err := s.invoke(ctx, spec.Kind, spec.Primary, p, bundle, cacheKey, stepLog)
	if err != nil {
		s.failStep(ctx, p, step, spec, err, stepLog)
		return 0, 0, err
	}
	stepTokens, stepCost := primary.TokensUsed, primary.Cost

	primaryID, err := s.recordArtifact(ctx, p, spec.Kind, spec.Primary, primary)
	if err != nil {
		s.failStep(ctx, p, step, spec, err, stepLog)
		return 0, 0, err
	}

	// The secondary document runs after the primary artifact is recorded: a
	// failed secondary fails the step, but the primary artifact is retained.
	if spec.Secondary != nil {
		secondary, err := s.invoke(ctx, spec.Kind, *spec.Secondary, p, bundle, cacheKey, stepLog)
		if err != nil {
			s.failStep(ctx, p, step, spec, err, stepLog)
			return 0, 0, err
		}
		stepTokens += secondary.TokensUsed
		stepCost += secondary.Cost

		if _, err := s.recordArtifact(ctx, p, spec.Kind, *spec.Secondary, secondary); err != nil {
			s.failStep(ctx, p, step, spec, err, stepLog)
			return 0, 0, err
		}
	}

	if err := s.store.CompleteRunStep(ctx, p.TenantSchema, step.ID, stepTokens); err != nil {
		wrapped := fmt.Errorf("persisting step completion for agent %s: %w", spec.Kind, err)
		s.failStep(ctx, p, step, spec, wrapped, stepLog)
		return 0, 0, wrapped
	}

	stepLog.Info().Int64("tokens_used", stepTokens).Msg("step completed")
	s.publish(p.RunID, progress.EventComplete, map[string]any{
		"step_id":     step.ID.String(),
		"agent_kind":  string(spec.Kind),
		"artifact_id": primaryID.String(),
		"tokens_used": stepTokens,
		"progress":    100,
	}, stepLog)

	return stepTokens, stepCost, nil
}

// recordArtifact persists one generated document and its first version.
func (s *Service) recordArtifact(ctx context.Context, p ExecuteParams, kind agents.Kind, doc agents.Document, result *llm.GenerationResult) (uuid.UUID, error) {
	artifactID, err := s.store.CreateArtifact(ctx, p.TenantSchema, db.ArtifactInput{
		ProjectID:    p.ProjectID,
		RunID:        p.RunID,
		AgentKind:    string(kind),
		ArtifactType: doc.ArtifactType,
		Title:        doc.Title,
		Content:      result.Content,
		ContentType:  doc.ContentType,
		TokensUsed:   result.TokensUsed,
		Cost:         result.Cost,
		CreatedBy:    p.UserID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("recording %s artifact: %w", doc.ArtifactType, err)
	}
	return artifactID, nil
}

// failStep commits a step failure and notifies observers. Persistence failures
// here are logged and swallowed; the step error itself still propagates.
func (s *Service) failStep(ctx context.Context, p ExecuteParams, step *db.RunStep, spec agents.Spec, stepErr error, log zerolog.Logger) {
	if err := s.store.FailRunStep(ctx, p.TenantSchema, step.ID, failureMessage(stepErr)); err != nil {
		log.Error().Err(err).Msg("failed to persist step failure")
	}
	s.publish(p.RunID, progress.EventError, map[string]any{
		"step_id":    step.ID.String(),
		"agent_kind": string(spec.Kind),
		"message":    failureMessage(stepErr),
	}, log)
}

// finishFailed commits a run failure and publishes the terminating event so
// live observers close instead of hanging. Nothing here may raise further:
// a failed persistence attempt is logged and swallowed.
func (s *Service) finishFailed(ctx context.Context, p ExecuteParams, message string, log zerolog.Logger) {
	if err := s.store.FailRun(ctx, p.TenantSchema, p.RunID, message); err != nil {
		log.Error().Err(err).Msg("failed to persist run failure")
	}
	log.Info().Str("error_message", message).Msg("pipeline run failed")
	s.publish(p.RunID, progress.EventComplete, map[string]any{
		"error":   true,
		"message": message,
	}, log)
}

// publish sends a progress event, isolating the pipeline from any publisher
// misbehavior. Events are advisory; state transitions never depend on them.
func (s *Service) publish(runID uuid.UUID, name string, payload map[string]any, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Str("event", name).Msg("progress publisher panicked, event dropped")
		}
	}()
	s.publisher.Publish(runID, name, payload)
}

// failureMessage maps an error to the message persisted on failed rows.
// Budget errors keep their fixed message regardless of wrapping.
func failureMessage(err error) string {
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		return exceeded.Error()
	}
	return err.Error()
}

// sleepCtx waits for the delay or until the context ends.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
