// internal/llmclient/types.go
package llmclient

import (
	"context"
	"errors"
	"strings"
)

// ModelTier selects which configured model serves a request.
type ModelTier string

const (
	TierFast     ModelTier = "fast"
	TierPowerful ModelTier = "powerful"
)

// ErrInvalidChoice is returned by Choose when the model answers outside the option set.
var ErrInvalidChoice = errors.New("model chose a value outside the allowed options")

// Image is inline image data attached to a request.
type Image struct {
	MIME string
	Data []byte
}

// Part is one element of a multi-part prompt: either text or an image.
type Part struct {
	Text  string
	Image *Image
}

// TextPart builds a text part.
func TextPart(text string) Part { return Part{Text: text} }

// ImagePart builds an inline image part.
func ImagePart(mime string, data []byte) Part {
	return Part{Image: &Image{MIME: mime, Data: data}}
}

// GenerationOptions override the model's configured sampling settings.
type GenerationOptions struct {
	// Temperature overrides the configured temperature when non-nil.
	Temperature *float32
	// MaxTokens overrides the configured limit when positive.
	MaxTokens int
}

// GenerationRequest is a provider-neutral multimodal request.
type GenerationRequest struct {
	SystemPrompt string
	Parts        []Part
	Tier         ModelTier
	Options      GenerationOptions
}

// Model is the capability the decision loop needs from a vision language model.
type Model interface {
	// Generate returns free-form text.
	Generate(ctx context.Context, req GenerationRequest) (string, error)
	// Choose returns exactly one of options.
	Choose(ctx context.Context, req GenerationRequest, options []string) (string, error)
	Close() error
}

// matchOption resolves a model answer against options, case-insensitively
// and ignoring surrounding whitespace and quotes.
func matchOption(answer string, options []string) (string, bool) {
	answer = strings.Trim(strings.TrimSpace(answer), "\"'`.")
	for _, o := range options {
		if strings.EqualFold(answer, o) {
			return o, true
		}
	}
	return "", false
}

func imageCount(parts []Part) int {
	n := 0
	for _, p := range parts {
		if p.Image != nil {
			n++
		}
	}
	return n
}
