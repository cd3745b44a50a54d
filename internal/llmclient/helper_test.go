package llmclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/bwasti/llpkmn/internal/config"
)

// MockLLMClient is a testify mock of Model.
type MockLLMClient struct {
	mock.Mock
	Name string
}

func (m *MockLLMClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	args := m.Called(ctx, req)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Choose(ctx context.Context, req GenerationRequest, options []string) (string, error) {
	args := m.Called(ctx, req, options)
	return args.String(0), args.Error(1)
}

func (m *MockLLMClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

// setupTestLogger is a helper to create a zap logger for testing with an observer.
func setupTestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	core, _ := observer.New(zap.DebugLevel)
	return zap.New(core)
}

// getValidLLMConfig returns a valid Gemini LLMModelConfig for testing purposes.
func getValidLLMConfig() config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:    config.ProviderGemini,
		APIKey:      "test-api-key",
		Model:       "test-model",
		APITimeout:  5 * time.Second,
		Temperature: 0.7,
		TopP:        0.9,
		TopK:        50,
	}
}

// getValidOpenAIConfig mirrors the default local inference server settings.
func getValidOpenAIConfig(endpoint string) config.LLMModelConfig {
	return config.LLMModelConfig{
		Provider:   config.ProviderOpenAI,
		APIKey:     "sk-test",
		Model:      "feather",
		Endpoint:   endpoint,
		APITimeout: 5 * time.Second,
	}
}

func testRequest() GenerationRequest {
	return GenerationRequest{
		SystemPrompt: "You are playing a handheld game.",
		Parts: []Part{
			TextPart("We started our game state with the following:"),
			ImagePart("image/png", []byte("\x89PNG-one")),
			TextPart("What button would you press now?"),
		},
	}
}
