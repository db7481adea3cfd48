package llm

import (
	"context"
	"log/slog"
)

// Generator is the unified generation surface the relay consumes: one
// streaming and one non-streaming call regardless of provider.
type Generator interface {
	Generate(ctx context.Context, rawModel, prompt string) (string, error)
	GenerateStream(ctx context.Context, rawModel, prompt string, onFragment FragmentFunc) (string, error)
}

// Router dispatches generation requests to the matching provider client after
// identifier parsing and, for Gemini, availability resolution. It adds no
// error kinds of its own; everything from the nested steps propagates as-is.
type Router struct {
	ollama       *OllamaClient
	gemini       *GeminiClient
	resolver     *Resolver
	defaultModel string
	logger       *slog.Logger
}

// NewRouter wires the two provider clients and the resolver together.
func NewRouter(ollama *OllamaClient, gemini *GeminiClient, resolver *Resolver, defaultModel string, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		ollama:       ollama,
		gemini:       gemini,
		resolver:     resolver,
		defaultModel: defaultModel,
		logger:       logger.With("component", "router"),
	}
}

// route parses and resolves a raw model string into a dispatchable ref.
func (r *Router) route(ctx context.Context, rawModel string) (ModelRef, error) {
	ref := ParseModelRef(rawModel, r.defaultModel)
	if ref.Provider == ProviderGemini {
		resolved, err := r.resolver.Resolve(ctx, ref)
		if err != nil {
			return ModelRef{}, err
		}
		ref = resolved
	}
	return ref, nil
}

// Generate runs a non-streaming generation against the routed provider.
func (r *Router) Generate(ctx context.Context, rawModel, prompt string) (string, error) {
	ref, err := r.route(ctx, rawModel)
	if err != nil {
		return "", err
	}
	r.logger.Debug("dispatching generate", "provider", ref.Provider, "model", ref.Name)
	if ref.Provider == ProviderGemini {
		return r.gemini.Generate(ctx, ref.Name, prompt)
	}
	return r.ollama.Generate(ctx, ref.Name, prompt)
}

// GenerateStream runs a streaming generation against the routed provider,
// forwarding fragments in order until the provider signals completion.
func (r *Router) GenerateStream(ctx context.Context, rawModel, prompt string, onFragment FragmentFunc) (string, error) {
	ref, err := r.route(ctx, rawModel)
	if err != nil {
		return "", err
	}
	r.logger.Debug("dispatching stream", "provider", ref.Provider, "model", ref.Name)
	if ref.Provider == ProviderGemini {
		return r.gemini.GenerateStream(ctx, ref.Name, prompt, onFragment)
	}
	return r.ollama.GenerateStream(ctx, ref.Name, prompt, onFragment)
}
