package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/BadgerOps/bimigrate/internal/config"
	"github.com/BadgerOps/bimigrate/internal/engine"
	"github.com/BadgerOps/bimigrate/internal/progress"
	"github.com/BadgerOps/bimigrate/internal/store"
)

// TaskLoader reads task snapshots written by other processes.
// *progress.RedisMirror implements it.
type TaskLoader interface {
	Load(ctx context.Context, taskID string) (progress.Task, error)
}

const (
	defaultKeepalive = 15 * time.Second
	defaultAckDelay  = 2 * time.Second
	sweepInterval    = time.Minute
	staleTaskAge     = time.Hour
)

// Server is the HTTP API for starting migrations and following their progress.
type Server struct {
	manager    *engine.Manager
	store      *store.Store
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
	mirror     TaskLoader

	// keepalive is the idle interval between SSE keepalive events.
	keepalive time.Duration
	// ackDelay is how long a finished task stays visible to pollers after
	// its event stream delivered the terminal event.
	ackDelay time.Duration

	stopOnce sync.Once
	stop     chan struct{}
}

// NewServer creates a new Server instance.
func NewServer(
	mgr *engine.Manager,
	st *store.Store,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		manager:   mgr,
		store:     st,
		config:    cfg,
		logger:    logger,
		keepalive: defaultKeepalive,
		ackDelay:  defaultAckDelay,
		stop:      make(chan struct{}),
	}
}

// SetMirror lets GET /api/migrations/{id} fall back to snapshots mirrored by
// other processes for tasks this server is not tracking.
func (s *Server) SetMirror(m TaskLoader) {
	s.mirror = m
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	mux := s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         listenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go s.sweepLoop()

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server. Migrations that are
// still running are left to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// sweepLoop drops finished tasks nobody acknowledged.
func (s *Server) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if n := s.manager.Progress().Sweep(staleTaskAge); n > 0 {
				s.logger.Debug("swept finished tasks", "count", n)
			}
		}
	}
}

// setupRoutes registers all HTTP routes on a new ServeMux.
// Uses Go 1.22+ enhanced routing with method prefixes and path variables.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Migrations
	mux.HandleFunc("POST /api/migrations", s.handleStartMigration)
	mux.HandleFunc("GET /api/migrations", s.handleListMigrations)
	mux.HandleFunc("GET /api/migrations/{id}", s.handleGetMigration)
	mux.HandleFunc("GET /api/migrations/{id}/events", s.handleMigrationEvents)
	mux.HandleFunc("DELETE /api/migrations/{id}", s.handleAcknowledgeMigration)

	// Run history
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{task}", s.handleGetRun)

	return mux
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

// jsonError writes a JSON error response.
func jsonError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
