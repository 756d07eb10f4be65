// Package api serves the local HTTP API for status, reports and settings.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/goodtune/ktrack/internal/activity"
	"github.com/goodtune/ktrack/internal/detector"
	"github.com/goodtune/ktrack/internal/privacy"
	"github.com/goodtune/ktrack/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the API server configuration.
type Config struct {
	ListenAddr string
	DBPath     string
}

// Tracker is the engine surface used by the API.
type Tracker interface {
	Status() activity.Status
	SetPaused(ctx context.Context, paused bool) error
	WithPaused(ctx context.Context, fn func(ctx context.Context) error) error
}

// WindowCapabilities reports the window detection backends.
type WindowCapabilities interface {
	Capabilities(ctx context.Context) detector.Capabilities
}

// IdleCapabilities reports the idle detection backends.
type IdleCapabilities interface {
	Capabilities() detector.IdleCapabilities
}

// Server represents the API HTTP server.
type Server struct {
	config   Config
	store    storage.Store
	rules    *privacy.Manager
	tracker  Tracker
	windows  WindowCapabilities
	idle     IdleCapabilities
	now      func() time.Time
	server   *http.Server
	router   *mux.Router
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
	logger   zerolog.Logger
}

// NewServer creates a new API server.
func NewServer(cfg Config, store storage.Store, rules *privacy.Manager, tracker Tracker, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:  cfg,
		store:   store,
		rules:   rules,
		tracker: tracker,
		now:     time.Now,
		router:  router,
		logger:  logger.With().Str("component", "api").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// SetCapabilities attaches the detectors reported by /health.
func (s *Server) SetCapabilities(windows WindowCapabilities, idle IdleCapabilities) {
	s.windows = windows
	s.idle = idle
}

// SetClock sets the time source (useful for testing).
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/api/status", s.handleStatus).Methods("GET")

	// Reports
	s.router.HandleFunc("/api/overview", s.handleOverview).Methods("GET")
	s.router.HandleFunc("/api/ranking", s.handleRanking).Methods("GET")
	s.router.HandleFunc("/api/sessions/recent", s.handleRecent).Methods("GET")
	s.router.HandleFunc("/api/export/sessions", s.handleExport).Methods("GET")

	// Privacy rules
	s.router.HandleFunc("/api/privacy/rules", s.handleListRules).Methods("GET")
	s.router.HandleFunc("/api/privacy/rules", s.handleCreateRule).Methods("POST")
	s.router.HandleFunc("/api/privacy/rules/{id:[0-9]+}", s.handlePatchRule).Methods("PATCH")
	s.router.HandleFunc("/api/privacy/rules/{id:[0-9]+}", s.handleDeleteRule).Methods("DELETE")

	// Categories
	s.router.HandleFunc("/api/categories", s.handleListCategories).Methods("GET")
	s.router.HandleFunc("/api/categories/{app}", s.handleSetCategory).Methods("PUT")
	s.router.HandleFunc("/api/categories/{app}", s.handleDeleteCategory).Methods("DELETE")

	// Backup
	s.router.HandleFunc("/api/backup/export", s.handleBackupExport).Methods("GET")
	s.router.HandleFunc("/api/backup/restore", s.handleBackupRestore).Methods("POST")

	// Control
	s.router.HandleFunc("/api/control/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/control/resume", s.handleResume).Methods("POST")
	s.router.HandleFunc("/api/control/state", s.handleGetState).Methods("GET")
	s.router.HandleFunc("/api/control/state", s.handleSetState).Methods("POST")
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.config.ListenAddr).Msg("Starting API server")

	ln := s.listener
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.config.ListenAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
		}
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated API listener")
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()

	return nil
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}

	return nil
}
