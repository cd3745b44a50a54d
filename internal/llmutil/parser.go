// internal/llmutil/parser.go
package llmutil

import (
	"fmt"
	"regexp"
	"strings"

	json "github.com/json-iterator/go"
)

var (
	// \x60 is a backtick; raw strings cannot contain one.

	// fencedRegex extracts the body of a markdown code fence, with or without a json tag.
	fencedRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json|JSON)?\\s*(.*?)\\s*\x60\x60\x60")
)

// ParseJSONResponse parses a model response into T. Local models often wrap
// structured output in a markdown fence or surround it with prose, so the
// first JSON object or array is extracted before decoding.
func ParseJSONResponse[T any](response string) (*T, error) {
	extracted := ExtractJSON(response)

	var result T
	if err := json.Unmarshal([]byte(extracted), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal LLM JSON response: %w. Extracted JSON (truncated): %s", err, Truncate(extracted, 500))
	}
	return &result, nil
}

// ExtractJSON returns the most plausible JSON document inside response.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if strings.HasPrefix(response, "```") {
		if m := fencedRegex.FindStringSubmatch(response); len(m) > 1 {
			response = strings.TrimSpace(m[1])
		}
	}
	if strings.HasPrefix(response, "{") || strings.HasPrefix(response, "[") {
		return response
	}

	// Prefer an object; fall back to an array.
	if first, last := strings.Index(response, "{"), strings.LastIndex(response, "}"); first != -1 && last > first {
		return response[first : last+1]
	}
	if first, last := strings.Index(response, "["), strings.LastIndex(response, "]"); first != -1 && last > first {
		return response[first : last+1]
	}
	return response
}

// Truncate shortens s for logging. It does not respect rune boundaries.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
