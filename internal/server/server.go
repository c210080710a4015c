package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/piwi3910/rdmaxfer/internal/config"
	"github.com/piwi3910/rdmaxfer/internal/transport/rdma"
	"github.com/piwi3910/rdmaxfer/internal/xfer"
)

// Version is the current version of rdmaxfer
const Version = "0.1.0"

// Server is the long-running rdmaxfer server: the transfer accept loop plus
// an optional metrics listener.
type Server struct {
	cfg     *config.Config
	backend rdma.VerbsBackend
	xfer    *xfer.Server

	listener      net.Listener
	metricsServer *http.Server

	sessions atomic.Int64
	failures atomic.Int64
	lastErr  atomic.Pointer[string]
}

// New creates a server that listens on cfg.Port.
func New(cfg *config.Config, backend rdma.VerbsBackend) (*Server, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on port %d: %w", cfg.Port, err)
	}

	return NewWithListener(cfg, backend, ln), nil
}

// NewWithListener creates a server that accepts on ln.
func NewWithListener(cfg *config.Config, backend rdma.VerbsBackend, ln net.Listener) *Server {
	srv := &Server{
		cfg:      cfg,
		backend:  backend,
		listener: ln,
	}

	opts := xfer.ServerOptions(cfg)
	opts.OnReport = srv.recordReport
	srv.xfer = xfer.NewServer(backend, opts)

	if cfg.MetricsAddr != "" {
		srv.setupMetricsServer()
	}

	return srv
}

func (s *Server) recordReport(_ *xfer.Report, err error) {
	s.sessions.Add(1)

	if err != nil {
		s.failures.Add(1)
		msg := err.Error()
		s.lastErr.Store(&msg)
	}
}

// Router returns the HTTP handler for the metrics listener.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthHandler)

	// Prometheus metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	return r
}

func (s *Server) setupMetricsServer() {
	s.metricsServer = &http.Server{
		Addr:         s.cfg.MetricsAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

type healthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Backend   string `json:"backend"`
	Device    string `json:"device"`
	Sessions  int64  `json:"sessions"`
	Failures  int64  `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) healthHandler(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:   "ok",
		Version:  Version,
		Backend:  s.cfg.Backend,
		Device:   s.cfg.Device,
		Sessions: s.sessions.Load(),
		Failures: s.failures.Load(),
	}

	if msg := s.lastErr.Load(); msg != nil {
		resp.LastError = *msg
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode health response")
	}
}

// Addr returns the transfer listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Start runs until ctx is done or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	// Transfer accept loop
	g.Go(func() error {
		log.Info().
			Str("addr", s.listener.Addr().String()).
			Str("device", s.cfg.Device).
			Str("backend", s.cfg.Backend).
			Msg("Starting transfer server")

		return s.xfer.Serve(ctx, s.listener)
	})

	if s.metricsServer != nil {
		g.Go(func() error {
			log.Info().Str("addr", s.cfg.MetricsAddr).Msg("Prometheus metrics available at /metrics")
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		})
	}

	// Wait for shutdown signal
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server...")

		if s.metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := s.metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error shutting down metrics server")
			}
		}

		return nil
	})

	return g.Wait()
}
