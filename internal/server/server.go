// Package server runs the hub behind an HTTP listener.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/HMasataka/fanout/internal/config"
	"github.com/HMasataka/fanout/internal/logging"
	"github.com/HMasataka/fanout/internal/metrics"
	"github.com/HMasataka/fanout/pkg/hub"
)

// ShutdownTimeout bounds graceful shutdown
const ShutdownTimeout = 10 * time.Second

// Server represents the HTTP front of a hub
type Server struct {
	hub    *hub.Hub
	http   *http.Server
	logger *logging.Logger
}

// New creates a server for h using the listener settings in cfg
func New(cfg config.ServerConfig, h *hub.Hub, m *metrics.Metrics, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}

	return &Server{
		hub: h,
		http: &http.Server{
			Addr:    cfg.Addr(),
			Handler: NewRouter(h, m, cfg.Path, logger.Named("http")),
			// Upgraded sockets manage their own deadlines, so only the
			// request header read is bounded here.
			ReadHeaderTimeout: cfg.ReadTimeout.Duration,
			WriteTimeout:      cfg.WriteTimeout.Duration,
			IdleTimeout:       cfg.IdleTimeout.Duration,
		},
		logger: logger,
	}
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// ListenAndServe serves until ctx is done, then drains the hub
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", ln.Addr().String())
		errc <- s.http.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	s.logger.Info("shutting down")
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	return s.hub.Shutdown(shutdownCtx)
}
