package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/mverbitski/consulting-agents/internal/agents"
	"github.com/mverbitski/consulting-agents/internal/assembly"
	"github.com/mverbitski/consulting-agents/internal/budget"
	"github.com/mverbitski/consulting-agents/internal/config"
	"github.com/mverbitski/consulting-agents/internal/db"
	"github.com/mverbitski/consulting-agents/internal/llm"
	"github.com/mverbitski/consulting-agents/internal/pipeline"
	"github.com/mverbitski/consulting-agents/internal/progress"
)

// app holds the wired service graph shared by the serve and run commands.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	db     *db.DB
	client llm.Client
	broker *progress.Broker
	svc    *pipeline.Service
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	database, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	client, err := llm.NewClient(ctx, llm.DefaultGeminiConfig(), cfg.GeminiAPIKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	tokenizer, err := assembly.NewTiktokenTokenizer()
	if err != nil {
		_ = client.Close()
		database.Close()
		return nil, fmt.Errorf("failed to load tokenizer: %w", err)
	}

	broker := progress.NewBroker()
	assembler := assembly.NewAssembler(database, tokenizer).WithLogger(logger)
	generator := agents.NewGenerator(client).WithLogger(logger)
	guard := budget.NewGuard(database, cfg.TenantTokenLimit, cfg.TenantCostLimit).WithLogger(logger)

	svc := pipeline.New(database, assembler, generator, guard, broker,
		pipeline.WithLogger(logger))

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		client: client,
		broker: broker,
		svc:    svc,
	}, nil
}

func (a *app) close() {
	_ = a.client.Close()
	a.db.Close()
}
