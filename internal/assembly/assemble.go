package assembly

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	// maxDocumentChunks caps how many parsed chunks are read per project.
	maxDocumentChunks = 500
	// maxContextTokens caps the concatenated document text. Truncation happens
	// on a token boundary, never by character slicing.
	maxContextTokens = 40_000
)

// Tokenizer is the canonical tokenizer used for the context cap. Encode and
// Decode must round-trip losslessly for truncation to stay correct.
type Tokenizer interface {
	Encode(text string) []int
	Decode(tokens []int) string
}

// SourceStore reads the three upstream context sources for a project.
type SourceStore interface {
	// ListDocumentChunks returns parsed chunk texts ordered by (document, chunk index).
	ListDocumentChunks(ctx context.Context, schema string, projectID uuid.UUID, limit int) ([]string, error)
	// LatestRepositorySummary returns the newest cloned repository analysis summary,
	// serialized to a string, or "" when none exists.
	LatestRepositorySummary(ctx context.Context, schema string, projectID uuid.UUID) (string, error)
	// LatestCrawlData returns the newest completed crawl session's data,
	// serialized to a string, or "" when none exists.
	LatestCrawlData(ctx context.Context, schema string, projectID uuid.UUID) (string, error)
}

// Assembler builds context bundles. Each source is independently fault-tolerant:
// a read failure is logged and degrades to an empty string, never an error.
type Assembler struct {
	store     SourceStore
	tokenizer Tokenizer
	logger    zerolog.Logger
}

// NewAssembler creates an assembler over the given store and tokenizer.
func NewAssembler(store SourceStore, tokenizer Tokenizer) *Assembler {
	return &Assembler{store: store, tokenizer: tokenizer, logger: zerolog.Nop()}
}

// WithLogger returns the assembler configured to log through the given logger.
func (a *Assembler) WithLogger(logger zerolog.Logger) *Assembler {
	a.logger = logger
	return a
}

// Assemble builds the bundle for one project. It never fails; missing or
// unreadable sources yield empty strings.
func (a *Assembler) Assemble(ctx context.Context, schema string, projectID uuid.UUID) ContextBundle {
	log := a.logger.With().Stringer("project_id", projectID).Logger()

	var bundle ContextBundle
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		chunks, err := a.store.ListDocumentChunks(gctx, schema, projectID, maxDocumentChunks)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load document chunks, continuing with empty document context")
			return nil
		}
		bundle.Documents = a.truncate(strings.Join(chunks, "\n\n"), log)
		return nil
	})

	g.Go(func() error {
		summary, err := a.store.LatestRepositorySummary(gctx, schema, projectID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load repository summary, continuing without it")
			return nil
		}
		bundle.RepositorySummary = summary
		return nil
	})

	g.Go(func() error {
		data, err := a.store.LatestCrawlData(gctx, schema, projectID)
		if err != nil {
			log.Warn().Err(err).Msg("failed to load crawl data, continuing without it")
			return nil
		}
		bundle.CrawlData = data
		return nil
	})

	// Source goroutines recover their own failures, so the group never errors.
	_ = g.Wait()

	return bundle
}

// truncate caps text at maxContextTokens, cutting on a token boundary.
func (a *Assembler) truncate(text string, log zerolog.Logger) string {
	if text == "" {
		return text
	}
	tokens := a.tokenizer.Encode(text)
	if len(tokens) <= maxContextTokens {
		return text
	}
	log.Warn().
		Int("original_tokens", len(tokens)).
		Int("capped_tokens", maxContextTokens).
		Msg("document context exceeds token cap, truncating")
	return a.tokenizer.Decode(tokens[:maxContextTokens])
}
