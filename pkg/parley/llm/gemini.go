package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/zalando/go-keyring"
)

// keyringService and keyringAPIKey locate the Gemini API key in the OS keyring
// when the GEMINI_API_KEY environment variable is not set.
const (
	keyringService = "parley"
	keyringAPIKey  = "gemini_api_key"
)

// defaultGeminiBase is the production Generative Language API host.
const defaultGeminiBase = "https://generativelanguage.googleapis.com"

// geminiVariant identifies which API generation the client speaks. Two
// generations of the API are in circulation with incompatible response shapes;
// exactly one is usable per environment.
type geminiVariant int

const (
	variantUnresolved geminiVariant = iota
	variantUnloaded                 // neither generation reachable, or no key
	variantCurrent                  // v1beta generateContent / streamGenerateContent
	variantLegacy                   // v1beta2 generateText (no streaming)
)

func (v geminiVariant) String() string {
	switch v {
	case variantCurrent:
		return "v1beta"
	case variantLegacy:
		return "v1beta2"
	case variantUnloaded:
		return "unloaded"
	default:
		return "unresolved"
	}
}

// GeminiConfig carries the knobs the Gemini client and resolver need.
type GeminiConfig struct {
	// APIBase overrides the API host. Empty means the production host.
	APIBase string `yaml:"api_base"`

	// AllowPreviews permits preview models in listings and fallback selection.
	AllowPreviews bool `yaml:"allow_previews"`

	// AllowTTSPreviews additionally permits text-to-speech flavored preview
	// models during fallback selection. Ignored unless AllowPreviews is set.
	AllowTTSPreviews bool `yaml:"allow_tts_previews"`
}

// GeminiClient talks to the Google Generative Language API. The API generation
// is resolved lazily on first use and cached; InvalidateVariant forces a fresh
// probe on the next call.
type GeminiClient struct {
	base       string
	cfg        GeminiConfig
	httpClient *http.Client
	logger     *slog.Logger

	mu      sync.Mutex
	variant geminiVariant
	apiKey  string
}

// NewGeminiClient creates a client. The API key is resolved from the
// GEMINI_API_KEY environment variable, falling back to the OS keyring.
func NewGeminiClient(cfg GeminiConfig, logger *slog.Logger) *GeminiClient {
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(cfg.APIBase, "/")
	if base == "" {
		base = defaultGeminiBase
	}
	return &GeminiClient{
		base: base,
		cfg:  cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "gemini"),
	}
}

// resolveAPIKey returns the configured Gemini API key or "".
func resolveAPIKey() string {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		return key
	}
	if key, err := keyring.Get(keyringService, keyringAPIKey); err == nil && key != "" {
		return key
	}
	return ""
}

// resolveVariant probes which API generation is usable and caches the result.
// No key means unloaded without any network call.
func (c *GeminiClient) resolveVariant(ctx context.Context) (geminiVariant, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.variant != variantUnresolved {
		return c.variant, c.apiKey
	}

	key := resolveAPIKey()
	if key == "" {
		c.logger.Warn("no Gemini API key configured; cloud provider disabled")
		c.variant = variantUnloaded
		return c.variant, ""
	}
	c.apiKey = key

	for _, v := range []geminiVariant{variantCurrent, variantLegacy} {
		if c.probeVariant(ctx, v, key) {
			c.variant = v
			c.logger.Info("gemini API generation resolved", "variant", v.String())
			return c.variant, key
		}
	}

	c.logger.Warn("no Gemini API generation reachable; cloud provider disabled")
	c.variant = variantUnloaded
	return c.variant, key
}

// probeVariant checks whether the generation's models collection answers.
func (c *GeminiClient) probeVariant(ctx context.Context, v geminiVariant, key string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL(v, key), nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

// InvalidateVariant discards the cached API generation so the next call
// re-probes. Exposed for recovery after credential or endpoint changes.
func (c *GeminiClient) InvalidateVariant() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.variant = variantUnresolved
	c.apiKey = ""
}

func (c *GeminiClient) modelsURL(v geminiVariant, key string) string {
	if v == variantLegacy {
		return c.base + "/v1beta2/models?key=" + key
	}
	return c.base + "/v1beta/models?key=" + key
}

// ---------- Wire types ----------

// geminiContentRequest is the v1beta generateContent request.
type geminiContentRequest struct {
	Contents []geminiContent `json:"contents"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// geminiContentResponse is the v1beta response; text lives under
// candidates[].content.parts[].text.
type geminiContentResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *geminiAPIError `json:"error,omitempty"`
}

// geminiTextRequest is the legacy v1beta2 generateText request.
type geminiTextRequest struct {
	Prompt geminiPart `json:"prompt"`
}

// geminiTextResponse is the legacy response; text lives under
// candidates[].output.
type geminiTextResponse struct {
	Candidates []struct {
		Output string `json:"output"`
	} `json:"candidates"`
	Error *geminiAPIError `json:"error,omitempty"`
}

type geminiAPIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

type geminiModelsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// normalizeGeminiFailure maps raw upstream failures onto the typed taxonomy:
// unsupported response modality and quota exhaustion get dedicated errors, the
// rest propagate as an UpstreamError.
func normalizeGeminiFailure(status int, body string) error {
	lower := strings.ToLower(body)
	if strings.Contains(lower, "modality") || strings.Contains(lower, "modalities") {
		return ErrUnsupportedModality
	}
	if status == http.StatusTooManyRequests ||
		strings.Contains(lower, "quota") ||
		strings.Contains(lower, "resource_exhausted") {
		return ErrQuotaExceeded
	}
	return &UpstreamError{Provider: ProviderGemini, Status: status, Body: body}
}

// ---------- Generation ----------

// Generate issues a non-streaming generation call through whichever API
// generation is loaded.
func (c *GeminiClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	variant, key := c.resolveVariant(ctx)
	switch variant {
	case variantCurrent:
		return c.generateCurrent(ctx, model, prompt, key)
	case variantLegacy:
		return c.generateLegacy(ctx, model, prompt, key)
	default:
		return "", ErrProviderUnavailable
	}
}

// GenerateStream issues a streaming generation call. The legacy generation has
// no streaming surface, so it degrades to one fragment carrying the full text.
func (c *GeminiClient) GenerateStream(ctx context.Context, model, prompt string, onFragment FragmentFunc) (string, error) {
	variant, key := c.resolveVariant(ctx)
	switch variant {
	case variantCurrent:
		return c.streamCurrent(ctx, model, prompt, key, onFragment)
	case variantLegacy:
		text, err := c.generateLegacy(ctx, model, prompt, key)
		if err != nil {
			return "", err
		}
		if onFragment != nil && text != "" {
			if err := onFragment(text); err != nil {
				return text, err
			}
		}
		return text, nil
	default:
		return "", ErrProviderUnavailable
	}
}

func (c *GeminiClient) generateCurrent(ctx context.Context, model, prompt, key string) (string, error) {
	body, err := json.Marshal(geminiContentRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", c.base, model, key)
	respBody, err := c.post(ctx, endpoint, body)
	if err != nil {
		return "", err
	}

	var out geminiContentResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parsing gemini response: %w", err)
	}
	if out.Error != nil {
		return "", normalizeGeminiFailure(out.Error.Code, out.Error.Message)
	}

	var text strings.Builder
	for _, cand := range out.Candidates {
		for _, part := range cand.Content.Parts {
			text.WriteString(part.Text)
		}
		break // first candidate only
	}
	return text.String(), nil
}

func (c *GeminiClient) generateLegacy(ctx context.Context, model, prompt, key string) (string, error) {
	body, err := json.Marshal(geminiTextRequest{Prompt: geminiPart{Text: prompt}})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta2/models/%s:generateText?key=%s", c.base, model, key)
	respBody, err := c.post(ctx, endpoint, body)
	if err != nil {
		return "", err
	}

	var out geminiTextResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parsing gemini response: %w", err)
	}
	if out.Error != nil {
		return "", normalizeGeminiFailure(out.Error.Code, out.Error.Message)
	}
	if len(out.Candidates) == 0 {
		return "", nil
	}
	return out.Candidates[0].Output, nil
}

// streamCurrent reads the SSE surface of streamGenerateContent. Each data
// chunk has the same shape as a non-streaming response; the text deltas are
// forwarded in order.
func (c *GeminiClient) streamCurrent(ctx context.Context, model, prompt, key string, onFragment FragmentFunc) (string, error) {
	body, err := json.Marshal(geminiContentRequest{
		Contents: []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:streamGenerateContent?alt=sse&key=%s", c.base, model, key)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("gemini API error", "model", model, "status", resp.StatusCode, "body", truncate(string(errBody), 500))
		return "", normalizeGeminiFailure(resp.StatusCode, string(errBody))
	}

	var full strings.Builder
	fragments := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			break
		}

		var chunk geminiContentResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			c.logger.Debug("skipping malformed SSE chunk", "payload", truncate(payload, 100), "error", err)
			continue
		}
		if chunk.Error != nil {
			return "", normalizeGeminiFailure(chunk.Error.Code, chunk.Error.Message)
		}

		for _, cand := range chunk.Candidates {
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				full.WriteString(part.Text)
				fragments++
				if onFragment != nil {
					if err := onFragment(part.Text); err != nil {
						c.logger.Debug("fragment consumer stopped stream", "model", model, "error", err)
						return full.String(), err
					}
				}
			}
			break // first candidate only
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}

	c.logger.Info("gemini stream done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"fragments", fragments,
		"chars", full.Len(),
	)
	return full.String(), nil
}

// post sends a JSON body and returns the response body, normalizing non-2xx
// statuses through the Gemini error taxonomy.
func (c *GeminiClient) post(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gemini request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.logger.Error("gemini API error", "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return nil, normalizeGeminiFailure(resp.StatusCode, string(respBody))
	}
	return respBody, nil
}

// ---------- Model listing ----------

// ListModels returns the set of currently servable model names with the
// structural "models/" prefix stripped. Preview models are filtered out unless
// the configuration permits them. A nil slice means availability is unknown
// (no key, no loaded generation, or the listing call itself failed) — callers
// must treat nil and empty differently.
func (c *GeminiClient) ListModels(ctx context.Context) []string {
	variant, key := c.resolveVariant(ctx)
	if variant == variantUnloaded {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.modelsURL(variant, key), nil)
	if err != nil {
		return nil
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gemini model listing failed", "error", err)
		return nil
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil || resp.StatusCode != http.StatusOK {
		c.logger.Warn("gemini model listing failed", "status", resp.StatusCode)
		return nil
	}

	var list geminiModelsResponse
	if err := json.Unmarshal(respBody, &list); err != nil {
		c.logger.Warn("gemini model listing unparsable", "error", err)
		return nil
	}

	names := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		name := strings.TrimPrefix(m.Name, "models/")
		if !c.cfg.AllowPreviews && strings.Contains(strings.ToLower(name), "preview") {
			continue
		}
		names = append(names, name)
	}
	return names
}
