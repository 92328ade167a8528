// Package web serves the HTTP API used by the editor plugin and the browser
// login flow.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	// DefaultAddr is the default server address.
	DefaultAddr = "127.0.0.1:5000"

	shutdownTimeout = 10 * time.Second
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	Addr    string
	Service Service
	Auth    LoginURLer
	Logger  *log.Logger

	// ThrottlePerSecond limits play triggers per user. Zero disables it.
	ThrottlePerSecond float64
	ThrottleBurst     int

	// OnShutdown runs after the listener stops accepting requests.
	OnShutdown func()
}

// Server is the HTTP server for the API.
type Server struct {
	router     chi.Router
	server     *http.Server
	handlers   *Handlers
	logger     *log.Logger
	onShutdown func()
}

// NewServer creates a new web server.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("missing service")
	}
	if cfg.Auth == nil {
		return nil, errors.New("missing authenticator")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	logger := cfg.Logger.WithPrefix("web")

	var throttle *Throttle
	if cfg.ThrottlePerSecond > 0 {
		throttle = NewThrottle(cfg.ThrottlePerSecond, cfg.ThrottleBurst)
	}

	s := &Server{
		router:     chi.NewRouter(),
		handlers:   NewHandlers(cfg.Service, cfg.Auth, throttle, logger),
		logger:     logger,
		onShutdown: cfg.OnShutdown,
	}

	// Configure middleware
	s.setupMiddleware()

	// Configure routes
	s.setupRoutes()

	// Create HTTP server
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// setupMiddleware configures middleware for the router.
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))
}

// setupRoutes configures routes for the application.
func (s *Server) setupRoutes() {
	s.router.Get("/", s.handlers.Home)

	// Auth routes
	s.router.Get("/login", s.handlers.Login)
	s.router.Get("/callback", s.handlers.Callback)

	// Editor plugin routes
	s.router.Route("/vscode", func(r chi.Router) {
		r.Get("/check_login_status", s.handlers.CheckLoginStatus)
		r.Get("/now_playing", s.handlers.NowPlaying)
		r.Post("/refresh_token", s.handlers.RefreshToken)
		r.Post("/success", s.handlers.Success)
		r.Post("/error/{code}", s.handlers.Error)
		r.Post("/stop", s.handlers.Stop)
		r.Post("/logout", s.handlers.Logout)
	})
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "url", "http://"+s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server, then runs the shutdown hook.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.server.Shutdown(ctx)
	if s.onShutdown != nil {
		s.onShutdown()
	}
	return err
}

// Run starts the server and handles graceful shutdown on interrupt signals.
func (s *Server) Run() error {
	// Channel to receive shutdown signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := s.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt or error
	select {
	case err := <-errCh:
		return err
	case <-stop:
		s.logger.Info("shutting down server")
	}

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	s.logger.Info("server stopped")
	return nil
}

// requestLogger logs one line per request.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Info("request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
