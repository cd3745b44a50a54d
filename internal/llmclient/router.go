// internal/llmclient/router.go
package llmclient

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// LLMRouter implements Model and routes requests to a client per tier.
type LLMRouter struct {
	logger  *zap.Logger
	clients map[ModelTier]Model
}

// NewLLMRouter creates a new router with the specified clients for each tier.
// The same client may serve both tiers.
func NewLLMRouter(logger *zap.Logger, fastClient, powerfulClient Model) (*LLMRouter, error) {
	if fastClient == nil || powerfulClient == nil {
		return nil, fmt.Errorf("both fast and powerful tier clients must be provided")
	}

	return &LLMRouter{
		logger: logger.Named("llm_router"),
		clients: map[ModelTier]Model{
			TierFast:     fastClient,
			TierPowerful: powerfulClient,
		},
	}, nil
}

func (r *LLMRouter) route(tier ModelTier) (Model, ModelTier, error) {
	if tier == "" {
		tier = TierPowerful
	}
	client, ok := r.clients[tier]
	if !ok {
		return nil, tier, fmt.Errorf("no LLM client configured for tier: %s", tier)
	}
	r.logger.Debug("Routing LLM request", zap.String("tier", string(tier)))
	return client, tier, nil
}

// Generate routes on req.Tier, defaulting to the powerful tier.
func (r *LLMRouter) Generate(ctx context.Context, req GenerationRequest) (string, error) {
	client, _, err := r.route(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Generate(ctx, req)
}

// Choose routes on req.Tier, defaulting to the powerful tier.
func (r *LLMRouter) Choose(ctx context.Context, req GenerationRequest, options []string) (string, error) {
	client, _, err := r.route(req.Tier)
	if err != nil {
		return "", err
	}
	return client.Choose(ctx, req, options)
}

// Close closes every distinct underlying client.
func (r *LLMRouter) Close() error {
	seen := make(map[Model]bool, len(r.clients))
	var errs []error
	for _, c := range r.clients {
		if seen[c] {
			continue
		}
		seen[c] = true
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
