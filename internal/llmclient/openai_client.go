// internal/llmclient/openai_client.go
package llmclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/bwasti/llpkmn/internal/config"
	"github.com/bwasti/llpkmn/internal/llmutil"
)

const defaultOpenAIEndpoint = "https://api.openai.com/v1"

// OpenAIClient implements Model against any OpenAI-compatible
// /chat/completions endpoint, including local inference servers.
type OpenAIClient struct {
	endpoint       string
	apiKey         string
	httpClient     *http.Client
	config         config.LLMModelConfig
	logger         *zap.Logger
	backoffFactory func() backoff.BackOff
}

// -- Chat completion wire types --

type openAIRequest struct {
	Model          string                `json:"model"`
	Messages       []openAIMessage       `json:"messages"`
	Temperature    *float32              `json:"temperature,omitempty"`
	TopP           *float32              `json:"top_p,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	ResponseFormat *openAIResponseFormat `json:"response_format,omitempty"`
	Stream         bool                  `json:"stream"`
}

// openAIMessage content is a string for system messages and a part list for user messages.
type openAIMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string         `json:"name"`
	Strict bool           `json:"strict"`
	Schema map[string]any `json:"schema"`
}

type openAIResponse struct {
	Choices []struct {
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// choiceResponse is the structured answer requested by Choose.
type choiceResponse struct {
	Choice string `json:"choice"`
}

// NewOpenAIClient initializes the client.
func NewOpenAIClient(cfg config.LLMModelConfig, logger *zap.Logger) (*OpenAIClient, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("model is required for the openai provider")
	}
	endpoint := strings.TrimRight(cfg.Endpoint, "/")
	if endpoint == "" {
		endpoint = defaultOpenAIEndpoint
	}

	return &OpenAIClient{
		endpoint:   endpoint,
		apiKey:     cfg.APIKey,
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger.Named("llm_client.openai"),
		backoffFactory: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.MaxElapsedTime = 2 * time.Minute
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, nil
}

// Generate returns the model's free-form answer.
func (c *OpenAIClient) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	return c.complete(ctx, c.buildRequestPayload(req))
}

// Choose asks for a JSON object whose "choice" field is constrained to options.
// Servers that ignore response_format still usually answer with either the
// object or the bare option, so both are accepted.
func (c *OpenAIClient) Choose(ctx context.Context, req GenerationRequest, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("choose requires at least one option")
	}
	payload := c.buildRequestPayload(req)
	payload.ResponseFormat = &openAIResponseFormat{
		Type: "json_schema",
		JSONSchema: &openAIJSONSchema{
			Name:   "choice",
			Strict: true,
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"choice": map[string]any{"type": "string", "enum": options},
				},
				"required":             []string{"choice"},
				"additionalProperties": false,
			},
		},
	}

	answer, err := c.complete(ctx, payload)
	if err != nil {
		return "", err
	}
	if parsed, perr := llmutil.ParseJSONResponse[choiceResponse](answer); perr == nil {
		if choice, ok := matchOption(parsed.Choice, options); ok {
			return choice, nil
		}
	}
	if choice, ok := matchOption(answer, options); ok {
		return choice, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidChoice, llmutil.Truncate(answer, 200))
}

func (c *OpenAIClient) complete(ctx context.Context, payload openAIRequest) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request payload: %w", err)
	}

	var content string
	operation := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create HTTP request: %w", err))
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		start := time.Now()
		resp, err := c.httpClient.Do(httpReq)
		duration := time.Since(start)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return backoff.Permanent(err)
			}
			c.logger.Warn("Network error during LLM request, retrying...", zap.Error(err))
			return fmt.Errorf("failed to execute HTTP request: %w", err)
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return c.handleAPIError(resp.StatusCode, respBody)
		}

		var decoded openAIResponse
		if err := json.Unmarshal(respBody, &decoded); err != nil {
			return backoff.Permanent(fmt.Errorf("failed to decode response payload: %w", err))
		}
		if len(decoded.Choices) == 0 {
			return backoff.Permanent(fmt.Errorf("openai API returned no choices"))
		}

		c.logger.Info("LLM generation complete (OpenAI)",
			zap.String("model", c.config.Model),
			zap.Duration("duration", duration),
			zap.String("finish_reason", decoded.Choices[0].FinishReason),
			zap.Int("prompt_tokens", decoded.Usage.PromptTokens),
			zap.Int("completion_tokens", decoded.Usage.CompletionTokens),
			zap.Int("total_tokens", decoded.Usage.TotalTokens),
		)
		content = decoded.Choices[0].Message.Content
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(c.backoffFactory(), ctx)); err != nil {
		return "", err
	}
	return content, nil
}

func (c *OpenAIClient) buildRequestPayload(req GenerationRequest) openAIRequest {
	temperature := c.config.Temperature
	if req.Options.Temperature != nil {
		temperature = *req.Options.Temperature
	}
	payload := openAIRequest{
		Model:       c.config.Model,
		Temperature: &temperature,
		MaxTokens:   c.config.MaxTokens,
	}
	if req.Options.MaxTokens > 0 {
		payload.MaxTokens = req.Options.MaxTokens
	}
	if c.config.TopP > 0 {
		topP := c.config.TopP
		payload.TopP = &topP
	}

	if strings.TrimSpace(req.SystemPrompt) != "" {
		payload.Messages = append(payload.Messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	parts := make([]openAIContentPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		if p.Image != nil {
			parts = append(parts, openAIContentPart{
				Type:     "image_url",
				ImageURL: &openAIImageURL{URL: dataURI(p.Image)},
			})
			continue
		}
		parts = append(parts, openAIContentPart{Type: "text", Text: p.Text})
	}
	payload.Messages = append(payload.Messages, openAIMessage{Role: "user", Content: parts})
	return payload
}

func (c *OpenAIClient) handleAPIError(statusCode int, body []byte) error {
	msg := string(body)
	var decoded openAIErrorBody
	if json.Unmarshal(body, &decoded) == nil && decoded.Error.Message != "" {
		msg = decoded.Error.Message
	}
	c.logger.Error("OpenAI API returned error status", zap.Int("status", statusCode), zap.String("response", llmutil.Truncate(msg, 500)))
	err := fmt.Errorf("openai API error: status %d: %s", statusCode, msg)

	switch statusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return err
	default:
		return backoff.Permanent(err)
	}
}

func dataURI(img *Image) string {
	mime := img.MIME
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// Close releases idle HTTP connections.
func (c *OpenAIClient) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
