// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/config"
)

// NewClient builds the tier router from the agent configuration. Tiers that
// name the same model share one client.
func NewClient(ctx context.Context, cfg config.AgentConfig, logger *zap.Logger) (Model, error) {
	built := make(map[string]Model, 2)
	get := func(name string) (Model, error) {
		if m, ok := built[name]; ok {
			return m, nil
		}
		modelCfg, ok := cfg.LLM.Models[name]
		if !ok {
			return nil, fmt.Errorf("model '%s' not found in defined models", name)
		}
		m, err := NewModel(ctx, modelCfg, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize model '%s': %w", name, err)
		}
		built[name] = m
		return m, nil
	}

	fast, err := get(cfg.LLM.DefaultFastModel)
	if err != nil {
		return nil, err
	}
	powerful, err := get(cfg.LLM.DefaultPowerfulModel)
	if err != nil {
		_ = fast.Close()
		return nil, err
	}
	return NewLLMRouter(logger, fast, powerful)
}

// NewModel creates a client for one model configuration.
func NewModel(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (Model, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOpenAI:
		return NewOpenAIClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s]", cfg.Provider, config.ProviderGemini, config.ProviderOpenAI)
	}
}
