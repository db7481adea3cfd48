// Package relay provides the HTTP surface of the roleplay backend: session
// creation and lookup, the streamed turn endpoint, and the situation
// suggestion endpoint.
package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/jholhewres/parley/pkg/parley/llm"
	"github.com/jholhewres/parley/pkg/parley/session"
	"github.com/jholhewres/parley/pkg/parley/usage"
)

// Config holds the gateway-level settings.
type Config struct {
	// Address is the HTTP listen address.
	Address string

	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string

	// DefaultModel is used by endpoints that name no model.
	DefaultModel string
}

// Gateway is the HTTP server for the relay.
type Gateway struct {
	store     *session.Store
	generator llm.Generator
	recorder  *usage.Recorder
	config    Config
	server    *http.Server
	logger    *slog.Logger
	startedAt time.Time
}

// New creates a Gateway. recorder may be nil (accounting disabled).
func New(store *session.Store, generator llm.Generator, recorder *usage.Recorder, cfg Config, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8000"
	}
	return &Gateway{
		store:     store,
		generator: generator,
		recorder:  recorder,
		config:    cfg,
		logger:    logger.With("component", "gateway"),
	}
}

// Start begins serving in a background goroutine.
func (g *Gateway) Start(ctx context.Context) error {
	g.startedAt = time.Now()
	g.server = &http.Server{
		Addr:    g.config.Address,
		Handler: g.Handler(),
	}

	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			g.logger.Error("gateway server error", "error", err)
		}
	}()
	g.logger.Info("gateway started", "address", g.config.Address)
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(ctx context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("gateway stopping...")
	return g.server.Shutdown(ctx)
}

// Handler builds the gateway's route and middleware chain. Exposed so tests
// can run it against httptest servers without a listener.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/api/session", g.handleCreateSession)
	mux.HandleFunc("/api/session/", g.handleGetSession)
	mux.HandleFunc("/api/message", g.handleMessage)
	mux.HandleFunc("/api/suggest-situation", g.handleSuggestSituation)
	return g.securityHeadersMiddleware(g.corsMiddleware(mux))
}
