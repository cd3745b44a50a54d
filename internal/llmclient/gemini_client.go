// internal/llmclient/gemini_client.go
package llmclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/bwasti/llpkmn/internal/config"
)

// enumMIMEType makes Gemini answer with exactly one value of the response schema's enum.
const enumMIMEType = "text/x.enum"

// contentGenerator is the subset of *genai.Models the client uses.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// GeminiClient implements Model on the Google Gen AI SDK.
type GeminiClient struct {
	client         contentGenerator
	config         config.LLMModelConfig
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

// NewGeminiClient initializes the SDK client for one configured model.
func NewGeminiClient(ctx context.Context, cfg config.LLMModelConfig, logger *zap.Logger) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API Key is required")
	}

	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.Endpoint != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.Endpoint
	}
	if cfg.APITimeout > 0 {
		timeout := cfg.APITimeout
		clientCfg.HTTPOptions.Timeout = &timeout
	}

	sdk, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return newGeminiClient(sdk.Models, cfg, logger), nil
}

func newGeminiClient(gen contentGenerator, cfg config.LLMModelConfig, logger *zap.Logger) *GeminiClient {
	return &GeminiClient{
		client: gen,
		config: cfg,
		logger: logger.Named("llm_client.gemini"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}
}

// Generate sends a multimodal request and returns the text answer, retrying transient failures.
func (c *GeminiClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return c.generate(ctx, req, c.buildConfig(req))
}

// Choose constrains the answer to options via an enum response schema.
func (c *GeminiClient) Choose(ctx context.Context, req GenerationRequest, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("choose requires at least one option")
	}
	genCfg := c.buildConfig(req)
	genCfg.ResponseMIMEType = enumMIMEType
	genCfg.ResponseSchema = &genai.Schema{
		Type: genai.TypeString,
		Enum: options,
	}

	answer, err := c.generate(ctx, req, genCfg)
	if err != nil {
		return "", err
	}
	choice, ok := matchOption(answer, options)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidChoice, answer)
	}
	return choice, nil
}

func (c *GeminiClient) generate(ctx context.Context, req GenerationRequest, genCfg *genai.GenerateContentConfig) (string, error) {
	contents := []*genai.Content{buildContent(req.Parts)}

	var text string
	operation := func() error {
		start := time.Now()
		resp, err := c.client.GenerateContent(ctx, c.config.Model, contents, genCfg)
		duration := time.Since(start)
		if err != nil {
			return c.classifyError(err)
		}
		if len(resp.Candidates) == 0 {
			return backoff.Permanent(fmt.Errorf("gemini API returned no candidates"))
		}
		candidate := resp.Candidates[0]
		if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
			if candidate.FinishReason == genai.FinishReasonSafety || candidate.FinishReason == genai.FinishReasonBlocklist {
				return backoff.Permanent(fmt.Errorf("gemini API blocked the request (Reason: %s)", candidate.FinishReason))
			}
			return fmt.Errorf("gemini API returned empty content parts (Reason: %s)", candidate.FinishReason)
		}

		fields := []zap.Field{
			zap.String("model", c.config.Model),
			zap.Duration("duration", duration),
			zap.Int("images", imageCount(req.Parts)),
		}
		if u := resp.UsageMetadata; u != nil {
			fields = append(fields,
				zap.Int("prompt_tokens", int(u.PromptTokenCount)),
				zap.Int("completion_tokens", int(u.CandidatesTokenCount)),
				zap.Int("total_tokens", int(u.TotalTokenCount)),
			)
		}
		c.logger.Info("LLM generation complete (Gemini)", fields...)

		text = resp.Text()
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return text, nil
}

// classifyError marks API errors permanent unless they are rate limits or server faults.
func (c *GeminiClient) classifyError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		c.logger.Error("Gemini API returned error status", zap.Int("status", apiErr.Code), zap.String("message", apiErr.Message))
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return fmt.Errorf("gemini API error: %w", err)
		default:
			return backoff.Permanent(fmt.Errorf("gemini API error: %w", err))
		}
	}
	if errors.Is(err, context.Canceled) {
		return backoff.Permanent(err)
	}
	c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
	return fmt.Errorf("gemini request failed: %w", err)
}

func (c *GeminiClient) buildConfig(req GenerationRequest) *genai.GenerateContentConfig {
	temperature := c.config.Temperature
	if req.Options.Temperature != nil {
		temperature = *req.Options.Temperature
	}
	genCfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(temperature),
	}
	if c.config.TopP > 0 {
		genCfg.TopP = genai.Ptr(c.config.TopP)
	}
	if c.config.TopK > 0 {
		genCfg.TopK = genai.Ptr(float32(c.config.TopK))
	}
	maxTokens := c.config.MaxTokens
	if req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}
	if maxTokens > 0 {
		genCfg.MaxOutputTokens = int32(maxTokens)
	}
	if strings.TrimSpace(req.SystemPrompt) != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	return genCfg
}

func buildContent(parts []Part) *genai.Content {
	out := make([]*genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.Image != nil {
			out = append(out, genai.NewPartFromBytes(p.Image.Data, p.Image.MIME))
			continue
		}
		out = append(out, genai.NewPartFromText(p.Text))
	}
	return genai.NewContentFromParts(out, genai.RoleUser)
}

// Close is a no-op; the SDK holds no resources that need releasing.
func (c *GeminiClient) Close() error { return nil }
