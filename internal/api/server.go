// Package api implements the API Server: authenticated task
// submission/status/cancel/list endpoints, admin operations, and static
// result file serving, fronting the Task Store and Worker Runtime the
// way the teacher's api-gateway fronts its downstream services.
package api

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/swarmguard/tianshu/internal/auth"
	"github.com/swarmguard/tianshu/internal/engine"
	"github.com/swarmguard/tianshu/internal/objectstore"
	"github.com/swarmguard/tianshu/internal/resilience"
	"github.com/swarmguard/tianshu/internal/store"
)

const serviceVersion = "1.0.0"

// Server wires the Task Store, engine registry (for the engines
// descriptor), object store, and auth verifier behind an http.Handler.
type Server struct {
	store     *store.Store
	registry  *engine.Registry
	verifier  *auth.Verifier
	objStore  objectstore.Store
	resultDir string
	log       *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*resilience.HybridRateLimiter
}

// Config bundles the Server's collaborators.
type Config struct {
	Store     *store.Store
	Registry  *engine.Registry
	Verifier  *auth.Verifier
	ObjStore  objectstore.Store
	ResultDir string
	Log       *slog.Logger
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		store:     cfg.Store,
		registry:  cfg.Registry,
		verifier:  cfg.Verifier,
		objStore:  cfg.ObjStore,
		resultDir: cfg.ResultDir,
		log:       cfg.Log,
		limiters:  make(map[string]*resilience.HybridRateLimiter),
	}
}

// Handler builds the full routed, middleware-wrapped http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /", s.handleRoot)
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)
	mux.HandleFunc("GET /api/v1/engines", s.handleEngines) // unauthenticated, per original

	authed := http.NewServeMux()
	authed.HandleFunc("POST /api/v1/tasks/submit", s.handleSubmit)
	authed.HandleFunc("GET /api/v1/tasks/{id}", s.handleGetStatus)
	authed.HandleFunc("DELETE /api/v1/tasks/{id}", s.handleCancel)
	authed.HandleFunc("GET /api/v1/queue/tasks", s.handleList)
	authed.HandleFunc("GET /api/v1/queue/stats", s.handleQueueStats)
	authed.HandleFunc("POST /api/v1/admin/cleanup", s.handleCleanup)
	authed.HandleFunc("POST /api/v1/admin/reset-stale", s.handleResetStale)
	authed.HandleFunc("GET /v1/files/output/", s.handleStaticFile)
	authed.HandleFunc("GET /api/v1/files/output/", s.handleStaticFile) // matches §4.4.1's rewritten URL prefix

	mux.Handle("/api/v1/tasks/", s.verifier.Middleware(authed))
	mux.Handle("/api/v1/queue/", s.verifier.Middleware(authed))
	mux.Handle("/api/v1/admin/", s.verifier.Middleware(authed))
	mux.Handle("/v1/files/", s.verifier.Middleware(authed))
	mux.Handle("/api/v1/files/", s.verifier.Middleware(authed))

	return s.logMiddleware(mux)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": "tianshu",
		"version": serviceVersion,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	stats, err := s.store.GetQueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"stats":  stats,
	})
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"engines": s.registry.Names()})
}

func (s *Server) limiterFor(userID string) *resilience.HybridRateLimiter {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()
	if l, ok := s.limiters[userID]; ok {
		return l
	}
	l := resilience.NewHybridRateLimiter(20, 5, 10, 50*time.Millisecond)
	s.limiters[userID] = l
	return l
}
