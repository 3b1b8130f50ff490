// Package server exposes the orchestrator over HTTP: resolve, execute and
// ranged artifact delivery.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ytget/ytmux"
	"github.com/ytget/ytmux/internal/logger"
	"github.com/ytget/ytmux/internal/metrics"
	"github.com/ytget/ytmux/internal/ratelimit"
	"github.com/ytget/ytmux/store"
	"github.com/ytget/ytmux/types"
)

const (
	maxBodyBytes      = 64 << 10
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// Service is the orchestrator surface used by the handlers.
type Service interface {
	Resolve(ctx context.Context, sourceURL string) (*types.MediaInfo, error)
	Execute(ctx context.Context, sourceURL string, q types.Quality, opts ...ytmux.ExecuteOption) (*types.Artifact, error)
	Active() []ytmux.JobStatus
}

// Server routes HTTP requests to a Service and the artifact store.
type Server struct {
	svc     Service
	store   *store.Store
	limiter ratelimit.Limiter
	origins []string
	log     *logger.ComponentLogger
}

// New creates a server without rate limiting that allows any origin.
func New(svc Service, st *store.Store) *Server {
	return &Server{
		svc:     svc,
		store:   st,
		origins: []string{"*"},
		log:     logger.WithComponent(logger.ComponentServer),
	}
}

// WithLimiter enables per-client limiting of resolve and execute calls.
func (s *Server) WithLimiter(l ratelimit.Limiter) *Server {
	s.limiter = l
	return s
}

// WithAllowedOrigins sets the CORS allow list. "*" allows every origin.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	if len(origins) > 0 {
		s.origins = origins
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(s.cors)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Get("/jobs", s.handleJobs)
	r.Get("/artifact/{ref}", s.handleArtifact)
	r.Head("/artifact/{ref}", s.handleArtifact)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)
		r.Get("/resolve", s.handleResolve)
		r.Post("/execute", s.handleExecute)
	})
	return r
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("Listening", map[string]interface{}{"addr": ln.Addr().String()})

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.log.Info("Shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
