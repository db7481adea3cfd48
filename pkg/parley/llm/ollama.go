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
	"strings"
	"time"
)

// FragmentFunc receives one streamed text fragment. Returning an error stops
// consumption of the stream (the usual cause is a disconnected client).
type FragmentFunc func(fragment string) error

// OllamaClient talks to a local Ollama daemon over its generate HTTP API.
type OllamaClient struct {
	host       string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a client for the daemon at host ("127.0.0.1:11434").
func NewOllamaClient(host string, logger *slog.Logger) *OllamaClient {
	if logger == nil {
		logger = slog.Default()
	}
	if host == "" {
		host = "127.0.0.1:11434"
	}
	return &OllamaClient{
		host: host,
		httpClient: &http.Client{
			// No global timeout: generation can legitimately run for minutes
			// and each call carries a context for cancellation.
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 180 * time.Second,
			},
		},
		logger: logger.With("component", "ollama"),
	}
}

// ollamaGenerateRequest is the wire format of POST /api/generate.
type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

// ollamaGenerateLine is one NDJSON line of a streaming response, and also the
// whole body of a non-streaming one.
type ollamaGenerateLine struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *OllamaClient) generateURL() string {
	return "http://" + c.host + "/api/generate"
}

// GenerateStream issues a streaming generate call. Each non-empty response
// fragment is passed to onFragment in order; the accumulated text is returned
// when the daemon signals done. Malformed lines are skipped, never fatal.
func (c *OllamaClient) GenerateStream(ctx context.Context, model, prompt string, onFragment FragmentFunc) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		c.logger.Error("ollama API error", "model", model, "status", resp.StatusCode, "body", truncate(string(errBody), 500))
		return "", &UpstreamError{Provider: ProviderOllama, Status: resp.StatusCode, Body: string(errBody)}
	}

	var full strings.Builder
	fragments := 0

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk ollamaGenerateLine
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			c.logger.Debug("skipping malformed stream line", "line", truncate(line, 100), "error", err)
			continue
		}

		if chunk.Response != "" {
			full.WriteString(chunk.Response)
			fragments++
			if onFragment != nil {
				if err := onFragment(chunk.Response); err != nil {
					c.logger.Debug("fragment consumer stopped stream", "model", model, "error", err)
					return full.String(), err
				}
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("reading stream: %w", err)
	}

	c.logger.Info("ollama generate done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"fragments", fragments,
		"chars", full.Len(),
	)
	return full.String(), nil
}

// Generate issues a non-streaming generate call and returns the full text, or
// "" when the daemon omits the response field.
func (c *OllamaClient) Generate(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: false})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.generateURL(), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("ollama request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error("ollama API error", "model", model, "status", resp.StatusCode, "body", truncate(string(respBody), 500))
		return "", &UpstreamError{Provider: ProviderOllama, Status: resp.StatusCode, Body: string(respBody)}
	}

	var out ollamaGenerateLine
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}

	c.logger.Info("ollama generate done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"chars", len(out.Response),
	)
	return out.Response, nil
}

// Ping checks daemon liveness via the tags endpoint. Used by the health probe.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+c.host+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama unreachable: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama tags endpoint returned %d", resp.StatusCode)
	}
	return nil
}
