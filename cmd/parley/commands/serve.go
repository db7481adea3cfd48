package commands

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/parley/pkg/parley/config"
	"github.com/jholhewres/parley/pkg/parley/llm"
	"github.com/jholhewres/parley/pkg/parley/relay"
	"github.com/jholhewres/parley/pkg/parley/session"
	"github.com/jholhewres/parley/pkg/parley/usage"
)

// newServeCmd creates the `parley serve` command that starts the relay.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay HTTP server",
		Long: `Start the Parley relay, serving the session and messaging API
until interrupted.

Examples:
  parley serve
  parley serve --config ./parley.yaml
  parley serve --listen :9000`,
		RunE: runServe,
	}

	cmd.Flags().String("listen", "", "listen address (overrides config)")
	cmd.Flags().String("log-format", "", "log output format: text or json (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	// ── Load config ──
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		cfg.ListenAddr = listen
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.LogFormat = format
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Verbose {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// ── Build the model stack ──
	ollama := llm.NewOllamaClient(cfg.OllamaHost, logger)
	gemini := llm.NewGeminiClient(cfg.Gemini, logger)
	resolver := llm.NewResolver(gemini, cfg.Gemini, logger)
	router := llm.NewRouter(ollama, gemini, resolver, cfg.DefaultModel, logger)

	// ── Usage accounting (optional) ──
	var recorder *usage.Recorder
	if cfg.UsageDB != "" {
		recorder, err = usage.Open(cfg.UsageDB, logger)
		if err != nil {
			logger.Warn("usage accounting disabled", "path", cfg.UsageDB, "error", err)
			recorder = nil
		} else {
			defer recorder.Close()
		}
	}

	// ── Start the gateway ──
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := session.NewStore()
	gw := relay.New(store, router, recorder, relay.Config{
		Address:      cfg.ListenAddr,
		CORSOrigins:  cfg.CORSOrigins,
		DefaultModel: cfg.DefaultModel,
	}, logger)
	if err := gw.Start(ctx); err != nil {
		return err
	}

	// ── Health probe (optional) ──
	var probe *relay.Probe
	if cfg.ProbeSchedule != "" {
		probe = relay.NewProbe(ollama, cfg.ProbeSchedule, logger)
		if err := probe.Start(); err != nil {
			logger.Warn("health probe disabled", "schedule", cfg.ProbeSchedule, "error", err)
			probe = nil
		}
	}

	logger.Info("Parley relay running. Press Ctrl+C to stop.",
		"address", cfg.ListenAddr,
		"ollama", cfg.OllamaHost,
		"default_model", cfg.DefaultModel,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	if probe != nil {
		probe.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := gw.Stop(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	} else {
		logger.Info("shutdown complete")
	}

	return nil
}
