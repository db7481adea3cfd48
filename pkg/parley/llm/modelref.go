// Package llm implements the provider abstraction for the relay: parsing and
// normalizing model identifiers, the Ollama and Gemini clients, availability
// resolution for Gemini models, and the router that unifies streaming and
// non-streaming generation behind one interface.
package llm

import "strings"

// Provider identifies which backend serves a model.
type Provider string

const (
	// ProviderOllama is the local model-serving daemon.
	ProviderOllama Provider = "ollama"

	// ProviderGemini is the Google Generative Language API.
	ProviderGemini Provider = "gemini"
)

// DefaultOllamaModel is used when a request names no model at all.
const DefaultOllamaModel = "llama3"

// geminiPrefix selects the cloud provider in raw model strings.
const geminiPrefix = "gemini:"

// ModelRef is a parsed, normalized model identifier. Immutable once built.
type ModelRef struct {
	Provider Provider
	Name     string
}

func (r ModelRef) String() string {
	if r.Provider == ProviderGemini {
		return geminiPrefix + r.Name
	}
	return r.Name
}

// geminiAliases maps friendly Gemini model names to their canonical API names.
// Lookup is case-insensitive; unknown names pass through unchanged.
var geminiAliases = map[string]string{
	"flash":        "gemini-1.5-flash",
	"flash-latest": "gemini-1.5-flash-latest",
	"pro":          "gemini-1.5-pro",
	"pro-latest":   "gemini-1.5-pro-latest",
	"gemini-pro":   "gemini-pro",
}

// NormalizeGeminiModel converts short Gemini aliases to full API model names.
// Idempotent: canonical names are not alias keys, so a second pass is a no-op.
func NormalizeGeminiModel(name string) string {
	if canonical, ok := geminiAliases[strings.ToLower(name)]; ok {
		return canonical
	}
	return name
}

// ParseModelRef splits a raw model string into a provider and model name.
//
// An empty string falls back to defaultModel on Ollama (or DefaultOllamaModel
// when defaultModel is also empty). A "gemini:" prefix (case-insensitive)
// selects the Gemini provider with the rest alias-normalized. Everything else
// is an Ollama model name verbatim — Ollama tags contain ':' as version syntax
// (llama3:8b-instruct), so a non-gemini prefix is part of the name, not an
// unknown provider.
func ParseModelRef(raw, defaultModel string) ModelRef {
	if raw == "" {
		if defaultModel == "" {
			defaultModel = DefaultOllamaModel
		}
		return ModelRef{Provider: ProviderOllama, Name: defaultModel}
	}
	if len(raw) >= len(geminiPrefix) && strings.EqualFold(raw[:len(geminiPrefix)], geminiPrefix) {
		return ModelRef{Provider: ProviderGemini, Name: NormalizeGeminiModel(raw[len(geminiPrefix):])}
	}
	return ModelRef{Provider: ProviderOllama, Name: raw}
}
