// Package api exposes the host agent's control HTTP surface: instance
// lifecycle endpoints, state queries, and host-level stats, all gated behind
// a single shared-secret HTTP Basic credential.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/kswings/hostagent/internal/hostagent/apierr"
	"github.com/kswings/hostagent/internal/hostagent/deploy"
	"github.com/kswings/hostagent/internal/hostagent/log"
	hostruntime "github.com/kswings/hostagent/internal/hostagent/runtime"
	"github.com/kswings/hostagent/internal/hostagent/state"
)

// defaultAuthUsername is the fixed username the shared-secret Basic
// credential is checked against; only the password half varies.
const defaultAuthUsername = "kswings"

// Server exposes the control HTTP API, built the same way the teacher's
// HealthServer is: a ServeMux wired up front, ServeHTTP delegating to it so
// the server is testable without a live listener, and explicit Start/Stop
// around an *http.Server for graceful shutdown.
type Server struct {
	addr      string
	secret    string
	runtime   hostruntime.Client
	state     *state.Store
	deploy    *deploy.Pipeline
	volumeDir string
	startedAt time.Time
	sessions  sessionDropper

	server *http.Server
	mux    *http.ServeMux
}

// sessionDropper tears down a container's log-follow stream. Satisfied by
// *session.Server; kept as a narrow interface so api never imports session.
type sessionDropper interface {
	Drop(containerID string)
}

// Config controls New.
type Config struct {
	Addr      string
	Secret    string
	Runtime   hostruntime.Client
	State     *state.Store
	Deploy    *deploy.Pipeline
	VolumeDir string
	Sessions  sessionDropper
}

// New builds a Server and registers its routes (does not start listening).
func New(cfg Config) *Server {
	s := &Server{
		addr:      cfg.Addr,
		secret:    cfg.Secret,
		runtime:   cfg.Runtime,
		state:     cfg.State,
		deploy:    cfg.Deploy,
		volumeDir: cfg.VolumeDir,
		sessions:  cfg.Sessions,
		startedAt: time.Now(),
		mux:       http.NewServeMux(),
	}
	s.routes()
	return s
}

// dropSession tears down containerID's log-follow stream, if a session
// server was wired in.
func (s *Server) dropSession(containerID string) {
	if s.sessions != nil && containerID != "" {
		s.sessions.Drop(containerID)
	}
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /instances/create", s.withAuth(s.handleCreate))
	s.mux.HandleFunc("DELETE /instances/{id}", s.withAuth(s.handleDelete))
	s.mux.HandleFunc("POST /instances/redeploy/{id}/{containerId}", s.withAuth(s.handleRedeploy))
	s.mux.HandleFunc("POST /instances/reinstall/{id}/{containerId}", s.withAuth(s.handleReinstall))
	s.mux.HandleFunc("PUT /instances/edit/{id}", s.withAuth(s.handleEdit))
	s.mux.HandleFunc("GET /state/{volume_id}", s.withAuth(s.handleState))
	s.mux.HandleFunc("GET /stats", s.withAuth(s.handleStats))
}

// ServeHTTP implements http.Handler, letting tests exercise routes with
// httptest without a live network listener.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Mux exposes the underlying ServeMux so the session multiplexer can
// register its own routes onto it, letting both servers share one listener
// and one listening port per spec §4.6.
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// Start begins listening in the background. It blocks until the listener is
// established, mirroring the teacher's health server contract.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("api server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logger := log.WithComponent("api")
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("control api listening")
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("control api stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("control api shutdown error")
		}
	}()

	return nil
}

// Stop shuts the server down synchronously.
func (s *Server) Stop() {
	if s.server == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("control api shutdown error")
	}
}

// withAuth enforces the single shared-secret Basic credential ahead of every
// route. The username is fixed; only the password (the shared secret)
// varies per deployment.
func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != defaultAuthUsername || pass != s.secret {
			w.Header().Set("WWW-Authenticate", `Basic realm="hostagent"`)
			writeError(w, http.StatusUnauthorized, &apierr.AuthFailed{})
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Warn().Err(err).Msg("failed to encode JSON response")
	}
}

type errorBody struct {
	Message string `json:"message"`
}

// writeError writes err as a {message} body with the given HTTP status;
// callers pick the status themselves, often via statusFor.
func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Message: err.Error()})
}

// statusFor maps the apierr taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case as[*apierr.BadRequest](err):
		return http.StatusBadRequest
	case as[*apierr.AuthFailed](err):
		return http.StatusUnauthorized
	case as[*apierr.NotFound](err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func as[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}

// volumePath returns the on-disk path of instanceID's volume.
func (s *Server) volumePath(instanceID string) string {
	return filepath.Join(s.volumeDir, "volumes", instanceID)
}

// removeVolume deletes an instance's volume directory, tolerating its
// absence.
func removeVolume(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove volume %s: %w", path, err)
	}
	return nil
}
