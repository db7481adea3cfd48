package llm

import (
	"context"
	"log/slog"
	"strings"
)

// latestSuffix is the canonical suffix toggled when hunting for an alternate
// spelling of a requested model ("gemini-1.5-flash" vs
// "gemini-1.5-flash-latest").
const latestSuffix = "-latest"

// stableFallbacks is the ordered list of known-good Gemini models tried when
// neither the requested name nor its suffix toggle is servable.
var stableFallbacks = []string{
	"gemini-1.5-flash-latest",
	"gemini-1.5-flash",
	"gemini-1.5-pro-latest",
	"gemini-1.5-pro",
	"gemini-pro",
}

// ModelLister is the slice of the Gemini client the resolver depends on.
type ModelLister interface {
	ListModels(ctx context.Context) []string
}

// Resolver substitutes unavailable Gemini model names with servable
// equivalents. Resolution is deterministic and never promotes a caller into a
// preview model unless previews are explicitly permitted.
type Resolver struct {
	lister ModelLister
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewResolver creates a resolver over the given model lister.
func NewResolver(lister ModelLister, cfg GeminiConfig, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{lister: lister, cfg: cfg, logger: logger.With("component", "resolver")}
}

// Resolve returns a servable ModelRef for the request. Ollama refs pass
// through untouched. For Gemini the order is: exact (or unknown availability)
// → suffix toggle → stable fallbacks → permitted preview → not found. The
// availability set is re-fetched on every call; staleness beats caching here.
func (r *Resolver) Resolve(ctx context.Context, ref ModelRef) (ModelRef, error) {
	if ref.Provider != ProviderGemini {
		return ref, nil
	}

	// Preview requests are never silently substituted: either the caller is
	// allowed previews or the request fails before any listing call is made.
	if isPreviewName(ref.Name) && !r.cfg.AllowPreviews {
		return ModelRef{}, &ConfigError{
			Reason: "model " + ref.Name + " is a preview model and previews are disabled",
		}
	}

	available := r.lister.ListModels(ctx)

	// Unknown availability: optimistic pass-through, the generate call will
	// surface the real failure if the model truly is not servable.
	if available == nil {
		return ref, nil
	}

	avail := make(map[string]bool, len(available))
	for _, name := range available {
		avail[name] = true
	}

	if avail[ref.Name] {
		return ref, nil
	}

	// Suffix toggle, suffix-present variant first.
	for _, alt := range []string{ref.Name + latestSuffix, strings.TrimSuffix(ref.Name, latestSuffix)} {
		if alt != ref.Name && avail[alt] {
			r.logger.Info("substituting unavailable model", "requested", ref.Name, "using", alt)
			return ModelRef{Provider: ProviderGemini, Name: alt}, nil
		}
	}

	for _, fallback := range stableFallbacks {
		if avail[fallback] {
			r.logger.Info("substituting unavailable model", "requested", ref.Name, "using", fallback)
			return ModelRef{Provider: ProviderGemini, Name: fallback}, nil
		}
	}

	if r.cfg.AllowPreviews {
		for _, name := range available {
			if !isPreviewName(name) {
				continue
			}
			if strings.Contains(strings.ToLower(name), "tts") && !r.cfg.AllowTTSPreviews {
				continue
			}
			r.logger.Info("substituting unavailable model with preview", "requested", ref.Name, "using", name)
			return ModelRef{Provider: ProviderGemini, Name: name}, nil
		}
	}

	return ModelRef{}, &ModelNotFoundError{Requested: ref.Name}
}

// isPreviewName reports whether a model name marks itself as provisional.
// Deliberately a substring match: that is how the names are flagged upstream.
func isPreviewName(name string) bool {
	return strings.Contains(strings.ToLower(name), "preview")
}
