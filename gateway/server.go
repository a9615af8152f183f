// Package gateway provides a reusable gateway Server: the REST surface
// for session CRUD, the CDP relay endpoint, and the reaper.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browsergrid/browsergrid/internal/gateway/auth"
	"github.com/browsergrid/browsergrid/internal/gateway/config"
	"github.com/browsergrid/browsergrid/internal/gateway/db"
	"github.com/browsergrid/browsergrid/internal/gateway/relay"
	"github.com/browsergrid/browsergrid/internal/gateway/scheduler"
	"github.com/browsergrid/browsergrid/internal/gateway/session"
	"github.com/browsergrid/browsergrid/internal/gateway/workerapi"
	"github.com/browsergrid/browsergrid/internal/logging"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/registry"
)

// Server is a reusable gateway instance.
type Server struct {
	cfg    *config.Config
	pool   *sql.DB
	reg    *registry.Registry
	mgr    *session.Manager
	reaper *session.Reaper
	server *http.Server
}

// NewServer opens the relational and in-memory stores, runs
// migrations, and wires all routes. Call Serve() to start listening.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	pool, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(pool); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	store := db.NewStore(pool)

	reg, err := registry.Open(ctx, cfg.RedisURL)
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("open registry: %w", err)
	}

	provider, err := auth.NewProvider(cfg.AuthProvider, cfg.AuthJWTKey, cfg.AuthTenantClaim)
	if err != nil {
		_ = reg.Close()
		_ = pool.Close()
		return nil, fmt.Errorf("auth provider: %w", err)
	}

	sched := scheduler.New(reg, cfg.MaxSessionsPerWorker)
	workers := workerapi.NewClient(cfg.WorkerPort)
	mgr := session.NewManager(store, reg, sched, workers, cfg.PublicHost)
	reaper := session.NewReaper(mgr, reg, store, cfg.IdleTimeout, cfg.SessionTimeout)

	s := &Server{
		cfg:    cfg,
		pool:   pool,
		reg:    reg,
		mgr:    mgr,
		reaper: reaper,
	}

	r := chi.NewRouter()
	r.Use(logging.HTTPMiddleware)
	r.Use(metrics.HTTPMiddleware)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(provider))
		r.Post("/sessions", s.createSession)
		r.Get("/sessions", s.listSessions)
		r.Delete("/sessions/{id}", s.deleteSession)
	})

	r.Method(http.MethodGet, "/session/{id}", relay.NewHandler(mgr, cfg.WorkerPort))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthz)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Manager exposes the session manager (used by tests and embedding
// binaries).
func (s *Server) Manager() *session.Manager {
	return s.mgr
}

// Serve starts the gateway and the reaper. It blocks until ctx is
// cancelled, then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	reaperCtx, stopReaper := context.WithCancel(context.Background())
	go s.reaper.Run(reaperCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("gateway shutting down...")

		stopReaper()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("gateway listening", "addr", s.cfg.Addr, "public_host", s.cfg.PublicHost)
	err = s.server.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		s.close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	s.close()
	return nil
}

func (s *Server) close() {
	if err := s.reg.Close(); err != nil {
		slog.Warn("close registry", "error", err)
	}
	if err := s.pool.Close(); err != nil {
		slog.Warn("close database", "error", err)
	}
}

type createSessionRequest struct {
	// Record is accepted for wire compatibility; video recording is
	// handled outside the gateway core.
	Record bool `json:"record"`
}

type createSessionResponse struct {
	SessionID  string `json:"sessionId"`
	ConnectURL string `json:"connectUrl"`
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	var req createSessionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := s.mgr.Create(r.Context(), tenantID)
	switch {
	case errors.Is(err, session.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, "no available workers")
		return
	case errors.Is(err, session.ErrWorkerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return
	case err != nil:
		slog.Error("create session", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID:  res.SessionID.String(),
		ConnectURL: res.ConnectURL,
	})
}

type sessionInfo struct {
	SessionID    string     `json:"sessionId"`
	WorkerID     string     `json:"workerId"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastActiveAt time.Time  `json:"lastActiveAt"`
	EndedAt      *time.Time `json:"endedAt"`
	Status       string     `json:"status"`
}

type sessionListResponse struct {
	Sessions []sessionInfo `json:"sessions"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := auth.TenantFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid or missing credentials")
		return
	}

	sessions, err := s.mgr.List(r.Context(), tenantID)
	if err != nil {
		slog.Error("list sessions", "tenant_id", tenantID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	out := sessionListResponse{Sessions: make([]sessionInfo, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, sessionInfo{
			SessionID:    sess.SessionID.String(),
			WorkerID:     sess.WorkerID,
			CreatedAt:    sess.CreatedAt,
			LastActiveAt: sess.LastActiveAt,
			EndedAt:      sess.EndedAt,
			Status:       sess.Status,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}

	if _, err := s.mgr.Close(r.Context(), sessionID, "api_delete"); err != nil {
		slog.Error("delete session", "session_id", sessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unreachable")
		return
	}
	if err := s.pool.PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
