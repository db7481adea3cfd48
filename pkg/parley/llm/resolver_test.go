package llm

import (
	"context"
	"errors"
	"testing"
)

// fakeLister returns a fixed availability set and counts calls.
type fakeLister struct {
	models []string
	calls  int
}

func (f *fakeLister) ListModels(ctx context.Context) []string {
	f.calls++
	return f.models
}

func TestResolveOllamaPassthrough(t *testing.T) {
	lister := &fakeLister{models: []string{"gemini-1.5-flash"}}
	r := NewResolver(lister, GeminiConfig{}, nil)

	ref := ModelRef{Provider: ProviderOllama, Name: "llama3:8b"}
	got, err := r.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != ref {
		t.Errorf("Resolve() = %+v, want %+v", got, ref)
	}
	if lister.calls != 0 {
		t.Errorf("lister called %d times for an ollama ref, want 0", lister.calls)
	}
}

func TestResolveUnknownAvailabilityPassthrough(t *testing.T) {
	r := NewResolver(&fakeLister{models: nil}, GeminiConfig{}, nil)

	ref := ModelRef{Provider: ProviderGemini, Name: "gemini-9.9-ultra"}
	got, err := r.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != ref {
		t.Errorf("Resolve() = %+v, want pass-through %+v", got, ref)
	}
}

func TestResolvePreviewDisabledFailsBeforeListing(t *testing.T) {
	lister := &fakeLister{models: []string{"gemini-1.5-flash"}}
	r := NewResolver(lister, GeminiConfig{AllowPreviews: false}, nil)

	_, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-3-pro-preview"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Resolve() error = %v, want *ConfigError", err)
	}
	if lister.calls != 0 {
		t.Errorf("lister called %d times, want 0 (preview check precedes listing)", lister.calls)
	}
}

func TestResolveExactMatch(t *testing.T) {
	r := NewResolver(&fakeLister{models: []string{"gemini-1.5-pro", "gemini-1.5-flash"}}, GeminiConfig{}, nil)

	got, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-1.5-pro"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Name != "gemini-1.5-pro" {
		t.Errorf("Resolve() = %q, want exact match kept", got.Name)
	}
}

func TestResolveSuffixToggle(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		available []string
		expected  string
	}{
		{"adds latest", "gemini-1.5-flash", []string{"gemini-1.5-flash-latest"}, "gemini-1.5-flash-latest"},
		{"strips latest", "gemini-1.5-pro-latest", []string{"gemini-1.5-pro"}, "gemini-1.5-pro"},
		{
			// Both spellings servable but neither is the request: the
			// suffix-present variant wins.
			"suffixed first",
			"gemini-1.0-pro",
			[]string{"gemini-1.0-pro-latest", "gemini-pro"},
			"gemini-1.0-pro-latest",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(&fakeLister{models: tt.available}, GeminiConfig{}, nil)
			got, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: tt.requested})
			if err != nil {
				t.Fatalf("Resolve(%q) error = %v", tt.requested, err)
			}
			if got.Name != tt.expected {
				t.Errorf("Resolve(%q) = %q, want %q", tt.requested, got.Name, tt.expected)
			}
		})
	}
}

func TestResolveStableFallbackOrder(t *testing.T) {
	// Neither the request nor its toggle exist; the first servable stable
	// fallback is chosen in list order.
	r := NewResolver(&fakeLister{models: []string{"gemini-pro", "gemini-1.5-pro"}}, GeminiConfig{}, nil)

	got, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-0.5-nano"})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got.Name != "gemini-1.5-pro" {
		t.Errorf("Resolve() = %q, want %q (first stable fallback present)", got.Name, "gemini-1.5-pro")
	}
}

func TestResolvePreviewFallback(t *testing.T) {
	available := []string{"gemini-3-tts-preview", "gemini-3-pro-preview"}

	t.Run("tts excluded by default", func(t *testing.T) {
		r := NewResolver(&fakeLister{models: available}, GeminiConfig{AllowPreviews: true}, nil)
		got, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-0.5-nano"})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got.Name != "gemini-3-pro-preview" {
			t.Errorf("Resolve() = %q, want tts preview skipped", got.Name)
		}
	})

	t.Run("tts allowed when configured", func(t *testing.T) {
		r := NewResolver(&fakeLister{models: available}, GeminiConfig{AllowPreviews: true, AllowTTSPreviews: true}, nil)
		got, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-0.5-nano"})
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if got.Name != "gemini-3-tts-preview" {
			t.Errorf("Resolve() = %q, want first preview in listing order", got.Name)
		}
	})

	t.Run("previews disabled means not found", func(t *testing.T) {
		r := NewResolver(&fakeLister{models: available}, GeminiConfig{}, nil)
		_, err := r.Resolve(context.Background(), ModelRef{Provider: ProviderGemini, Name: "gemini-0.5-nano"})
		var nfErr *ModelNotFoundError
		if !errors.As(err, &nfErr) {
			t.Fatalf("Resolve() error = %v, want *ModelNotFoundError", err)
		}
		if nfErr.Requested != "gemini-0.5-nano" {
			t.Errorf("Requested = %q, want requested name", nfErr.Requested)
		}
	})
}

func TestResolveDeterministic(t *testing.T) {
	r := NewResolver(&fakeLister{models: []string{"gemini-1.5-flash", "gemini-1.5-flash-latest"}}, GeminiConfig{}, nil)
	ref := ModelRef{Provider: ProviderGemini, Name: "gemini-2.0-flash"}

	first, err := r.Resolve(context.Background(), ref)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	for i := 0; i < 5; i++ {
		again, err := r.Resolve(context.Background(), ref)
		if err != nil {
			t.Fatalf("Resolve() error = %v", err)
		}
		if again != first {
			t.Fatalf("Resolve() not deterministic: %+v then %+v", first, again)
		}
	}
}

func TestIsPreviewName(t *testing.T) {
	tests := []struct {
		name     string
		expected bool
	}{
		{"gemini-3-pro-preview", true},
		{"gemini-2.5-flash-Preview-0514", true},
		{"gemini-1.5-flash", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := isPreviewName(tt.name); got != tt.expected {
			t.Errorf("isPreviewName(%q) = %v, want %v", tt.name, got, tt.expected)
		}
	}
}
