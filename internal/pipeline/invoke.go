package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mverbitski/consulting-agents/internal/agents"
	"github.com/mverbitski/consulting-agents/internal/assembly"
	"github.com/mverbitski/consulting-agents/internal/budget"
	"github.com/mverbitski/consulting-agents/internal/llm"
)

// invoke makes one generation call for a document, retrying transient
// failures with escalating backoff. The budget guard is consulted before
// every attempt and usage is recorded after every successful one; a budget
// denial aborts immediately since waiting cannot free capacity.
func (s *Service) invoke(ctx context.Context, kind agents.Kind, doc agents.Document, p ExecuteParams, bundle assembly.ContextBundle, cacheKey string, log zerolog.Logger) (*llm.GenerationResult, error) {
	var lastErr error

	for attempt := 0; attempt <= len(s.delays); attempt++ {
		if attempt > 0 {
			delay := s.delays[attempt-1]
			log.Warn().
				Err(lastErr).
				Int("attempt", attempt).
				Dur("delay", delay).
				Str("artifact_type", doc.ArtifactType).
				Msg("agent call failed, retrying")
			if err := s.sleep(ctx, delay); err != nil {
				return nil, fmt.Errorf("agent %s interrupted during backoff: %w", kind, err)
			}
		}

		if err := s.guard.Check(ctx, p.TenantID); err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		result, err := s.caller.Generate(ctx, doc, bundle, cacheKey)
		if err != nil {
			var exceeded *budget.ExceededError
			if errors.As(err, &exceeded) {
				return nil, err
			}
			lastErr = err
			continue
		}

		if err := s.guard.Record(ctx, p.TenantID, result.TokensUsed, result.Cost); err != nil {
			// Usage accounting must not undo a finished generation.
			log.Warn().Err(err).Msg("failed to record tenant usage")
		}
		return result, nil
	}

	return nil, fmt.Errorf("agent %s failed after %d retries: %w", kind, len(s.delays), lastErr)
}
