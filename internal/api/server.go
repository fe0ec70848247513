package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-lab/internal/config"
	"polymarket-lab/internal/metrics"
)

// Server runs the HTTP and WebSocket surface for observers and
// operators: snapshot, healthz, metrics, control, strategy admin, and
// the event stream.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer builds the API server. The hub is created by the caller so
// the cycle driver can broadcast without holding the server.
func NewServer(
	cfg *config.Config,
	provider StateProvider,
	control ControlWriter,
	admin StrategyAdmin,
	hub *Hub,
	m *metrics.Registry,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(provider, cfg, control, admin, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handlers.HandleHealthz)
	mux.HandleFunc("GET /api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("POST /api/control", handlers.HandleControl)
	mux.HandleFunc("POST /api/strategies/{name}/{action}", handlers.HandleStrategyAction)
	mux.Handle("GET /metrics", m.Handler())
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub and serves until Stop or a listener error.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)

	s.logger.Info("api server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
