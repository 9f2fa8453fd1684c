// Package api serves the compile service's HTTP interface.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/martec-compiler/internal/events"
	"github.com/mattjoyce/martec-compiler/internal/metrics"
	"github.com/mattjoyce/martec-compiler/internal/session"
)

// Sessions is the registry surface the API drives.
type Sessions interface {
	Create(ctx context.Context) (string, error)
	StartBuild(ctx context.Context, id string) (session.Job, error)
	StartBuildAsync(ctx context.Context, id string) (<-chan session.Outcome, error)
	Snapshot() session.Status
	Get(id string) (session.Job, bool)
	Counts() map[session.State]int
}

// History looks up persisted job records. Optional.
type History interface {
	List(ctx context.Context, limit int) ([]session.Job, error)
	Get(ctx context.Context, id string) (session.Job, bool, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey enables bearer authentication on every route but /healthz.
	APIKey string
	// LogFile is the build log name inside each workspace.
	LogFile string
	// Fingerprint of the loaded settings, reported by /healthz.
	Fingerprint string
	// ShutdownTimeout bounds the wait for in-flight requests. Defaults to 5s.
	ShutdownTimeout time.Duration
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	sessions  Sessions
	history   History
	events    *events.Hub
	metrics   *metrics.Recorder
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance. history, hub and rec may be nil.
func New(config Config, sessions Sessions, history History, hub *events.Hub, rec *metrics.Recorder, logger *slog.Logger) *Server {
	if config.LogFile == "" {
		config.LogFile = "output.log"
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		config:    config,
		sessions:  sessions,
		history:   history,
		events:    hub,
		metrics:   rec,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start listens on Config.Listen and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve runs the HTTP server on ln until ctx is cancelled. Synchronous builds
// still running when the shutdown timeout expires are left to finish on
// their own; their connections are closed and Serve returns nil.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: a synchronous build holds its response open until
		// the container exits.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String(), "auth", s.config.APIKey != "")

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		err := s.server.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timed out with requests in flight, closing connections",
				"timeout", s.config.ShutdownTimeout.String(),
				"running", len(s.sessions.Snapshot().Running))
			_ = s.server.Close()
			return nil
		}
		if err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/create-session", s.handleCreateSession)
		r.Post("/run-session", s.handleRunSession)
		r.Get("/status", s.handleStatus)

		// Route names used by existing clients.
		r.Get("/start_session", s.handleCreateSession)
		r.Get("/run_session", s.handleRunSession)
		r.Get("/", s.handleStatus)

		r.Get("/session/{id}", s.handleGetSession)
		r.Get("/session/{id}/log", s.handleSessionLog)
		r.Get("/history", s.handleHistory)
		r.Get("/events", s.handleEvents)
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
