package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server exposes the Service over a local JSON API.
type Server struct {
	service    *Service
	logger     *slog.Logger
	httpServer *http.Server
	started    time.Time

	// closing ends hijacked progress sockets, which Shutdown does not track.
	closing context.Context
	close   context.CancelFunc
}

// NewServer creates a new Server instance.
func NewServer(svc *Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	closing, cancel := context.WithCancel(context.Background())
	return &Server{
		service: svc,
		logger:  logger,
		started: time.Now(),
		closing: closing,
		close:   cancel,
	}
}

// Handler returns the API routes without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", listenAddr, err)
	}
	return s.Serve(ln)
}

// Serve serves the API on ln until Shutdown is called.
func (s *Server) Serve(ln net.Listener) error {
	// Write timeout stays zero: progress websockets are long-lived.
	s.httpServer = &http.Server{
		Handler:           s.setupRoutes(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.close()
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleAPIHealth)

	// Shares and seeding
	mux.HandleFunc("GET /api/shares", s.handleAPIShares)
	mux.HandleFunc("POST /api/seeds", s.handleAPIStartSeed)
	mux.HandleFunc("DELETE /api/seeds/{export_id}", s.handleAPIStopSeed)

	// Exports
	mux.HandleFunc("GET /api/exports", s.handleAPIExports)
	mux.HandleFunc("POST /api/exports", s.handleAPIPrepareExport)

	// Progress
	mux.HandleFunc("GET /api/progress", s.handleAPIProgress)
	mux.HandleFunc("GET /api/progress/ws", s.handleProgressSocket)

	// History
	mux.HandleFunc("GET /api/transfers", s.handleAPITransfers)

	return mux
}
