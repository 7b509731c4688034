package llm

import "strings"

// ReservedTokens is the floor held back from the context window for the
// system prompt, tool schemas, and the model's own response.
const ReservedTokens = 20_000

var contextLimitOverrides map[string]int

// SetContextLimitOverrides installs config-driven context limit overrides.
// Keys are "provider/model" or bare model names.
func SetContextLimitOverrides(m map[string]int) {
	contextLimitOverrides = m
}

// ContextLimitForModel returns the token limit for a given provider+model,
// falling back to conservative defaults when the model is unknown.
func ContextLimitForModel(provider, model string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.ToLower(strings.TrimSpace(model))

	if contextLimitOverrides != nil {
		if v, ok := contextLimitOverrides[provider+"/"+model]; ok {
			return v
		}
		if v, ok := contextLimitOverrides[model]; ok {
			return v
		}
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"), strings.HasPrefix(model, "o1"), strings.HasPrefix(model, "o3"):
		return 128_000
	}

	switch provider {
	case "google":
		return 1_048_576
	case "anthropic":
		return 200_000
	case "openai", "openrouter":
		return 128_000
	}

	return 128_000
}
