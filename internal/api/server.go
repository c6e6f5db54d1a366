// Package api serves the daemon's HTTP surface: token auth, per-user file
// listing, and read-only views of jobs, runs, and supervised programs.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"dailyd/internal/auth"
	"dailyd/internal/scheduler"
	"dailyd/internal/store"
	"dailyd/internal/supervise"
	"dailyd/pkg/logx"
)

// Config is the resolved API configuration.
type Config struct {
	Addr         string
	Secret       string
	TokenExpiry  time.Duration
	WorkspaceDir string
	AllowOrigin  string
}

// JobsView is the scheduler surface the API reads. *scheduler.Service
// satisfies it.
type JobsView interface {
	Snapshot() scheduler.Snapshot
}

// ProgramsView is the supervisor surface. *supervise.Manager satisfies it.
type ProgramsView interface {
	Statuses() []supervise.Status
}

// UserStore is the slice of *store.Store the auth endpoints need.
type UserStore interface {
	GetUser(ctx context.Context, username string) (store.User, error)
}

// RunsStore is the slice of *store.Store the run history endpoint needs.
type RunsStore interface {
	ListRuns(ctx context.Context, job string, limit int) ([]store.Run, error)
}

type Server struct {
	log    logx.Logger
	cfg    Config
	tokens *auth.Tokens

	jobs     JobsView
	programs ProgramsView
	users    UserStore
	runs     RunsStore

	listener net.Listener
	server   *http.Server
}

func New(cfg Config, jobs JobsView, programs ProgramsView, users UserStore, runs RunsStore, log logx.Logger) (*Server, error) {
	tokens, err := auth.NewTokens(cfg.Secret, cfg.TokenExpiry)
	if err != nil {
		return nil, err
	}
	s := &Server{
		log:      log,
		cfg:      cfg,
		tokens:   tokens,
		jobs:     jobs,
		programs: programs,
		users:    users,
		runs:     runs,
	}
	s.server = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Routes builds the full handler chain. Exposed for httptest.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /hello", s.handleHello)
	mux.HandleFunc("GET /hello/{$}", s.handleHello)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.HandleFunc("POST /auth/token", s.handleToken)
	mux.Handle("GET /auth/files", s.requireUser(s.handleFiles))

	mux.HandleFunc("GET /api/v1/jobs", s.handleJobs)
	mux.HandleFunc("GET /api/v1/runs", s.handleRuns)
	mux.HandleFunc("GET /api/v1/programs", s.handlePrograms)

	// Everything else answers JSON, never the stdlib HTML 404 page.
	mux.HandleFunc("/", s.handleNotFound)

	return s.withMiddleware(mux)
}

// Start begins serving and returns once the listener is bound, so callers
// can treat a bad address as a startup error rather than a background one.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server error", logx.Err(err))
		}
	}()

	s.log.Info("api listening", logx.String("addr", listener.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	if s.server != nil {
		_ = s.server.Shutdown(ctx)
	}
}
