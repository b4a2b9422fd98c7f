// Package api serves the read-only dashboard: JSON endpoints over the poll,
// market and position snapshots plus a WebSocket event stream.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pollscan/internal/config"
)

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      *config.Config
	provider Provider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, provider Provider, logger *slog.Logger) *Server {
	hub := NewHub(StreamOptionsFrom(cfg.Dashboard), logger)
	handlers := NewHandlers(provider, cfg, hub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Dashboard.Port),
		Handler:      Routes(handlers),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Routes builds the request multiplexer.
func Routes(h *Handlers) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /api/snapshot", h.HandleSnapshot)
	mux.HandleFunc("GET /api/polls", h.HandlePolls)
	mux.HandleFunc("GET /api/polls/{address}", h.HandlePoll)
	mux.HandleFunc("GET /api/markets", h.HandleMarkets)
	mux.HandleFunc("GET /api/positions", h.HandlePositions)
	mux.HandleFunc("GET /api/activity", h.HandleActivity)
	mux.HandleFunc("POST /api/refresh", h.HandleRefresh)
	mux.HandleFunc("POST /api/positions/{address}/refresh", h.HandleRefreshPosition)
	mux.HandleFunc("GET /api/allowance/{token}/{spender}", h.HandleAllowance)
	mux.HandleFunc("GET /api/stream", h.HandleStreamStats)
	mux.HandleFunc("GET /ws", h.HandleWebSocket)
	return mux
}

// Start runs the hub and serves until ctx is done or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.consumeEvents(ctx)

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents reads events from the engine and broadcasts them
func (s *Server) consumeEvents(ctx context.Context) {
	eventsCh := s.provider.DashboardEvents()
	if eventsCh == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-eventsCh:
			if !ok {
				return
			}
			s.hub.BroadcastEvent(evt)
		}
	}
}
