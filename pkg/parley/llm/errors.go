package llm

import (
	"errors"
	"fmt"
)

// ErrProviderUnavailable is returned when no usable Gemini API generation could
// be loaded, typically because no API key is configured.
var ErrProviderUnavailable = errors.New("gemini provider unavailable: no API key configured or no reachable API generation")

// ErrUnsupportedModality is returned when the selected model cannot produce
// text output.
var ErrUnsupportedModality = errors.New("model does not support text output; choose a text-capable model")

// ErrQuotaExceeded is returned when the upstream provider reports an exhausted
// quota or rate limit.
var ErrQuotaExceeded = errors.New("quota exceeded; switch provider or model")

// ConfigError reports a configuration problem detected before any network call,
// such as requesting a preview model while previews are disabled.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "configuration error: " + e.Reason
}

// UpstreamError carries a non-success HTTP status and the raw error body from
// either provider. It is terminal for the current turn; the core never retries.
type UpstreamError struct {
	Provider Provider
	Status   int
	Body     string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API returned %d: %s", e.Provider, e.Status, truncate(e.Body, 200))
}

// ModelNotFoundError reports that a requested Gemini model is absent from the
// availability set and no fallback step produced a viable substitute.
type ModelNotFoundError struct {
	Requested string
}

func (e *ModelNotFoundError) Error() string {
	return fmt.Sprintf("model %q not available and no suitable fallback found", e.Requested)
}

// Kind labels an error from the taxonomy for logs and accounting. Unknown
// errors (including wrapped transport failures) report "other".
func Kind(err error) string {
	var cfgErr *ConfigError
	var upErr *UpstreamError
	var nfErr *ModelNotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrProviderUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnsupportedModality):
		return "modality"
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.As(err, &cfgErr):
		return "config"
	case errors.As(err, &upErr):
		return "upstream"
	case errors.As(err, &nfErr):
		return "not_found"
	default:
		return "other"
	}
}

// truncate shortens s to at most n runes for log and error messages.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
