package agents

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"

	"github.com/mverbitski/consulting-agents/internal/assembly"
	"github.com/mverbitski/consulting-agents/internal/llm"
	"github.com/mverbitski/consulting-agents/internal/prompts"
)

// promptFile holds all agent prompt templates.
const promptFile = "agents.json"

// Generator turns a document spec and a context bundle into generated content
// through the configured LLM client.
type Generator struct {
	client llm.Client
	logger zerolog.Logger
}

// NewGenerator creates a generator over the given client.
func NewGenerator(client llm.Client) *Generator {
	return &Generator{client: client, logger: zerolog.Nop()}
}

// WithLogger returns the generator configured to log through the given logger.
func (g *Generator) WithLogger(logger zerolog.Logger) *Generator {
	g.logger = logger
	return g
}

// Generate produces the document's content from the bundle. Structured output
// is validated against the document's schema; a validation failure is an
// ordinary (retryable) error.
func (g *Generator) Generate(ctx context.Context, doc Document, bundle assembly.ContextBundle, cacheKey string) (*llm.GenerationResult, error) {
	template, err := prompts.Get(promptFile, doc.PromptKey)
	if err != nil {
		return nil, err
	}

	prompt := prompts.Format(template, map[string]string{
		"Documents":         bundle.Documents,
		"RepositorySummary": bundle.RepositorySummary,
		"CrawlData":         bundle.CrawlData,
	})

	result, err := g.client.Generate(ctx, llm.GenerateRequest{
		Prompt:   prompt,
		Tier:     doc.Tier,
		JSON:     doc.JSONSchema != "",
		CacheKey: cacheKey,
	})
	if err != nil {
		return nil, fmt.Errorf("generating %s: %w", doc.ArtifactType, err)
	}

	if doc.JSONSchema != "" {
		if err := validateAgainstSchema(doc.JSONSchema, result.Content); err != nil {
			return nil, fmt.Errorf("%s output failed schema validation: %w", doc.ArtifactType, err)
		}
	}

	g.logger.Debug().
		Str("artifact_type", doc.ArtifactType).
		Int64("tokens_used", result.TokensUsed).
		Bool("cached", result.Cached).
		Msg("agent document generated")

	return result, nil
}

// validateAgainstSchema checks generated JSON content against a schema.
func validateAgainstSchema(schema, content string) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewStringLoader(content),
	)
	if err != nil {
		return fmt.Errorf("schema validation could not run: %w", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return fmt.Errorf("%s", strings.Join(msgs, "; "))
}
