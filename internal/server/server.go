// Package server is the annovault HTTP surface: health, version, metrics and
// the /v1 job API.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/annovault/internal/errors"
	"github.com/3leaps/annovault/internal/server/handlers"
	"github.com/3leaps/annovault/internal/server/middleware"
	"github.com/3leaps/annovault/pkg/bus"
)

// Services are the domain endpoints behind /v1. Any may be nil.
type Services struct {
	Jobs     handlers.JobService
	Upgrader handlers.Upgrader
	Thaw     bus.Publisher
}

type Server struct {
	host   string
	port   int
	router chi.Router
	logger *zap.Logger

	services Services
	metrics  http.Handler
	pprof    bool

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	httpServer *http.Server
}

type Option func(*Server)

func WithServices(s Services) Option {
	return func(srv *Server) { srv.services = s }
}

// WithMetrics mounts h at /metrics.
func WithMetrics(h http.Handler) Option {
	return func(srv *Server) { srv.metrics = h }
}

func WithLogger(l *zap.Logger) Option {
	return func(srv *Server) {
		if l != nil {
			srv.logger = l
		}
	}
}

// WithPprof mounts the runtime profiler at /debug.
func WithPprof(enabled bool) Option {
	return func(srv *Server) { srv.pprof = enabled }
}

func WithTimeouts(read, write, idle time.Duration) Option {
	return func(srv *Server) {
		srv.readTimeout, srv.writeTimeout, srv.idleTimeout = read, write, idle
	}
}

func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		logger:       zap.NewNop(),
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.httpServer = &http.Server{
		Addr:              net.JoinHostPort(host, strconv.Itoa(port)),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, apperrors.NewEnvelope(apperrors.CodeNotFound, "route not found"), http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.WriteError(w, r, apperrors.NewEnvelope(apperrors.CodeMethodNotAllowed, "method not allowed"), http.StatusMethodNotAllowed)
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}
	if s.pprof {
		r.Mount("/debug", chimw.Profiler())
	}

	svc := s.services
	if svc.Jobs == nil && svc.Upgrader == nil && svc.Thaw == nil {
		return r
	}
	r.Route("/v1", func(r chi.Router) {
		if svc.Jobs != nil {
			jobs := handlers.NewJobsHandler(svc.Jobs)
			r.Post("/jobs", jobs.Submit)
			r.Get("/jobs/{jobID}", jobs.Get)
			r.Post("/jobs/{jobID}/start", jobs.Start)
			r.Post("/jobs/{jobID}/complete", jobs.Complete)
			r.Get("/users/{userID}/jobs", jobs.ListByUser)
		}
		if svc.Upgrader != nil {
			r.Post("/users/{userID}/upgrade", handlers.NewUsersHandler(svc.Upgrader).Upgrade)
		}
		if svc.Thaw != nil {
			r.Post("/notifications/thaw", handlers.NewThawHandler(svc.Thaw).Notify)
		}
	})
	return r
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Port() int {
	return s.port
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
