package server

import (
	"context"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	gosync "sync"
	"time"

	"github.com/wesm/wizardsync/internal/config"
	"github.com/wesm/wizardsync/internal/db"
	"github.com/wesm/wizardsync/internal/wizard"
)

// VersionInfo holds build-time version metadata.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the reference progress authority. It owns the
// users and their wizard progress and serves the REST API that
// remote.Client speaks.
type Server struct {
	mu      gosync.RWMutex
	cfg     config.Config
	db      *db.DB
	def     *wizard.Definition
	mux     *http.ServeMux
	httpSrv *http.Server
	version VersionInfo
	metrics *metrics
	hub     *hub

	heartbeat time.Duration

	// handlerDelay is injected before each timeout-wrapped
	// handler, used only by tests to guarantee handlers
	// exceed a short timeout. Zero in production.
	handlerDelay time.Duration
}

// New creates a new Server.
func New(
	cfg config.Config, database *db.DB, def *wizard.Definition,
	opts ...Option,
) *Server {
	s := &Server{
		cfg:       cfg,
		db:        database,
		def:       def,
		mux:       http.NewServeMux(),
		metrics:   newMetrics(),
		hub:       newHub(),
		heartbeat: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the build-time version metadata.
func WithVersion(v VersionInfo) Option {
	return func(s *Server) { s.version = v }
}

// WithHeartbeat sets the keepalive interval of progress
// streams. Non-positive values are ignored.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.heartbeat = d
		}
	}
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/v1/progress",
		s.withTimeout(s.withUser(s.handleGetProgress)))
	s.mux.Handle("POST /api/v1/progress/steps",
		s.withTimeout(s.withUser(s.handleCompleteStep)))
	// SSE: Do not use timeout, as this is a long-lived connection.
	s.mux.HandleFunc("GET /api/v1/progress/watch",
		s.withUser(s.handleWatchProgress))
	s.mux.Handle("GET /api/v1/wizard", s.withTimeout(s.handleGetWizard))
	s.mux.Handle("GET /api/v1/version", s.withTimeout(s.handleGetVersion))

	s.mux.Handle("POST /api/v1/admin/users",
		s.withTimeout(s.withAdmin(s.handleAdminCreateUser)))
	s.mux.Handle("POST /api/v1/admin/users/{id}/steps/{step}",
		s.withTimeout(s.withAdmin(s.handleAdminCompleteStep)))
	s.mux.Handle("DELETE /api/v1/admin/users/{id}/progress",
		s.withTimeout(s.withAdmin(s.handleAdminResetProgress)))

	s.mux.Handle("GET /metrics", s.metrics.handler())
}

func (s *Server) handleGetVersion(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, s.version)
}

func (s *Server) handleGetWizard(
	w http.ResponseWriter, _ *http.Request,
) {
	writeJSON(w, http.StatusOK, map[string]any{
		"steps": s.def.Steps(),
	})
}

// SetPort updates the listen port (for testing).
func (s *Server) SetPort(port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.Port = port
}

// adminToken returns the configured admin token (thread-safe).
func (s *Server) adminToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.AdminToken
}

// Handler returns the http.Handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return corsMiddleware(logMiddleware(s.metrics.instrument(s.mux)))
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.mu.RLock()
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.mu.RUnlock()
	srv := &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 120 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()
	log.Printf("Starting authority at http://%s", addr)
	return srv.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server and ends open
// progress streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.close()
	s.mu.RLock()
	srv := s.httpSrv
	s.mu.RUnlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// FindAvailablePort finds an available port starting from the
// given port, binding to the specified host.
func FindAvailablePort(host string, start int) int {
	for port := start; port < start+100; port++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			ln.Close()
			return port
		}
	}
	return start
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set(
				"Access-Control-Allow-Origin", "*",
			)
			w.Header().Set(
				"Access-Control-Allow-Methods",
				"GET, POST, DELETE, OPTIONS",
			)
			w.Header().Set(
				"Access-Control-Allow-Headers",
				"Authorization, Content-Type, X-Request-ID, X-Admin-Token",
			)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			if id := r.Header.Get("X-Request-ID"); id != "" {
				log.Printf("%s %s [%s]", r.Method, r.URL.Path, id)
			} else {
				log.Printf("%s %s", r.Method, r.URL.Path)
			}
		}
		next.ServeHTTP(w, r)
	})
}
