package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, ProviderGemini, cfg.Provider)
	assert.NotEmpty(t, cfg.Models[TierLite])
	assert.NotEmpty(t, cfg.Models[TierStandard])
	assert.NotEmpty(t, cfg.Models[TierAdvanced])
}

func TestGetModel_FallbackChain(t *testing.T) {
	cfg := &Config{
		Provider: ProviderGemini,
		Models:   map[ModelTier]string{TierStandard: "model-std"},
	}

	// Unconfigured tier falls back to standard
	assert.Equal(t, "model-std", cfg.GetModel(TierAdvanced))

	cfg = &Config{
		Provider: ProviderGemini,
		Models:   map[ModelTier]string{TierLite: "model-lite"},
	}
	assert.Equal(t, "model-lite", cfg.GetModel(TierAdvanced))

	cfg = &Config{Provider: ProviderGemini, Models: map[ModelTier]string{}}
	assert.Equal(t, "", cfg.GetModel(TierAdvanced))
}

func TestCost(t *testing.T) {
	cfg := &Config{
		Pricing: map[string]ModelPricing{
			"m": {InputPerMTok: 1.0, OutputPerMTok: 10.0},
		},
	}

	// 1M input + 100k output tokens
	cost := cfg.Cost("m", 1_000_000, 100_000)
	assert.InDelta(t, 2.0, cost, 1e-9)

	// Unknown models cost nothing rather than guessing
	assert.Zero(t, cfg.Cost("unknown", 1000, 1000))
}

func TestWithModel(t *testing.T) {
	cfg := DefaultGeminiConfig()
	custom := cfg.WithModel(TierAdvanced, "gemini-custom")

	assert.Equal(t, "gemini-custom", custom.GetModel(TierAdvanced))
	// Original config is untouched
	assert.NotEqual(t, "gemini-custom", cfg.GetModel(TierAdvanced))
}
