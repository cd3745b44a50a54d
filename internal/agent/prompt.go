// internal/agent/prompt.go
package agent

import (
	"fmt"
	"strings"

	"github.com/bwasti/llpkmn/internal/llmclient"
	"github.com/bwasti/llpkmn/internal/screenshot"
)

const (
	promptLead       = "We started our game state with the following:"
	promptTransition = "This was your response at the time: %s, yielding the following game state:"
	keysPlaceholder  = "{keys}"
)

// PromptBuilder assembles the multimodal prompt for one step.
type PromptBuilder struct {
	instruction string
	keys        []string
}

// NewPromptBuilder renders template once; "{keys}" becomes the comma-separated action list.
func NewPromptBuilder(template string, keys []string) *PromptBuilder {
	return &PromptBuilder{
		instruction: strings.ReplaceAll(template, keysPlaceholder, strings.Join(keys, ", ")),
		keys:        append([]string(nil), keys...),
	}
}

// Instruction is the trailing instruction text.
func (b *PromptBuilder) Instruction() string { return b.instruction }

// Build interleaves images with the entries that connect them: the first
// image is the starting state, and every later image is introduced by the
// response that led to it. len(images) must be len(entries)+1.
func (b *PromptBuilder) Build(entries []Entry, images []screenshot.Image) ([]llmclient.Part, error) {
	if len(images) != len(entries)+1 {
		return nil, fmt.Errorf("%w: %d screenshots for %d actions", ErrHistoryMismatch, len(images), len(entries))
	}

	parts := make([]llmclient.Part, 0, 2*len(images)+1)
	parts = append(parts,
		llmclient.TextPart(promptLead),
		llmclient.ImagePart(images[0].MIME, images[0].Data),
	)
	for i, e := range entries {
		img := images[i+1]
		parts = append(parts,
			llmclient.TextPart(fmt.Sprintf(promptTransition, e.Label())),
			llmclient.ImagePart(img.MIME, img.Data),
		)
	}
	parts = append(parts, llmclient.TextPart(b.instruction))
	return parts, nil
}

// ChoiceParts extends a prompt for the constrained second phase.
func (b *PromptBuilder) ChoiceParts(parts []llmclient.Part, rationale string) []llmclient.Part {
	out := append([]llmclient.Part(nil), parts...)
	return append(out,
		llmclient.TextPart("Your reasoning was:\n"+rationale),
		llmclient.TextPart("Answer with exactly one of: "+strings.Join(b.keys, ", ")+"."),
	)
}
