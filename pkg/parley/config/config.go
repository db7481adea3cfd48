// Package config defines the relay configuration: a YAML file, an optional
// .env file, and environment variable overrides, in that order of precedence
// (env wins).
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/parley/pkg/parley/llm"
)

// Config holds all relay configuration.
type Config struct {
	// ListenAddr is the HTTP listen address (":8000").
	ListenAddr string `yaml:"listen_addr"`

	// OllamaHost is the host:port of the local Ollama daemon.
	OllamaHost string `yaml:"ollama_host"`

	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`

	// Gemini configures the cloud provider client and resolver.
	Gemini llm.GeminiConfig `yaml:"gemini"`

	// CORSOrigins lists allowed origins. Defaults to ["*"] for local dev.
	CORSOrigins []string `yaml:"cors_origins"`

	// UsageDB is the sqlite path for turn accounting. Empty disables it.
	UsageDB string `yaml:"usage_db"`

	// ProbeSchedule is a cron expression for the Ollama health probe.
	// Empty disables the probe.
	ProbeSchedule string `yaml:"probe_schedule"`

	// LogFormat selects "text" or "json" log output.
	LogFormat string `yaml:"log_format"`

	// Verbose enables debug logging.
	Verbose bool `yaml:"verbose"`
}

// ApplyDefaults fills unset fields with their defaults and environment
// fallbacks (OLLAMA_HOST is the convention the daemon itself honors).
func (c *Config) ApplyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8000"
	}
	if c.OllamaHost == "" {
		c.OllamaHost = os.Getenv("OLLAMA_HOST")
	}
	if c.OllamaHost == "" {
		c.OllamaHost = "127.0.0.1:11434"
	}
	if c.DefaultModel == "" {
		c.DefaultModel = llm.DefaultOllamaModel
	}
	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"*"}
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
}

// Load reads the YAML config at path (missing file is fine: defaults apply)
// after loading a .env file when one exists next to the working directory.
func Load(path string) (*Config, error) {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %q: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	return cfg, nil
}
