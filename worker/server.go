// Package worker provides a reusable worker Server: the browser
// create/delete RPC and the local CDP relay endpoint.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/browsergrid/browsergrid/internal/logging"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/worker/browser"
	"github.com/browsergrid/browsergrid/internal/worker/config"
	"github.com/browsergrid/browsergrid/internal/worker/relay"
)

// Server is a reusable worker instance.
type Server struct {
	cfg      *config.Config
	reg      *registry.Registry
	browsers *browser.Manager
	server   *http.Server
}

// NewServer connects to the registry and wires the worker routes. The
// worker is not visible to the scheduler until Serve registers it.
func NewServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	reg, err := registry.Open(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}

	s := &Server{
		cfg:      cfg,
		reg:      reg,
		browsers: browser.NewManager(cfg.BrowserPath, cfg.BrowserArgs),
	}

	r := chi.NewRouter()
	r.Use(logging.HTTPMiddleware)
	r.Use(metrics.HTTPMiddleware)

	r.Post("/browser", s.createBrowser)
	r.Delete("/browser/{id}", s.deleteBrowser)
	r.Method(http.MethodGet, "/proxy/{id}", relay.NewHandler(s.browsers))
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.healthz)

	s.server = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Browsers exposes the browser manager (used by tests).
func (s *Server) Browsers() *browser.Manager {
	return s.browsers
}

// Serve registers the worker in the load set and starts listening. It
// blocks until ctx is cancelled, then deregisters, kills the remaining
// browsers and shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		_ = s.reg.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	// Score 0 only when absent: a restarted worker keeps its score.
	if err := s.reg.RegisterWorker(ctx, s.cfg.WorkerHost); err != nil {
		_ = ln.Close()
		_ = s.reg.Close()
		return fmt.Errorf("register worker: %w", err)
	}
	slog.Info("worker registered", "host", s.cfg.WorkerHost)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("worker shutting down...")

		// Deregister first so the scheduler stops routing here.
		deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.reg.DeregisterWorker(deregCtx, s.cfg.WorkerHost); err != nil {
			slog.Warn("deregister worker", "error", err)
		}
		cancel()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = s.server.Shutdown(shutdownCtx)
		cancel()

		s.browsers.CloseAll()
		close(shutdownDone)
	}()

	slog.Info("worker listening", "addr", s.cfg.Addr)
	err = s.server.Serve(ln)
	if !errors.Is(err, http.ErrServerClosed) {
		_ = s.reg.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	if err := s.reg.Close(); err != nil {
		slog.Warn("close registry", "error", err)
	}
	return nil
}

type createBrowserRequest struct {
	SessionID string `json:"session_id"`
}

type createBrowserResponse struct {
	BrowserID string `json:"browserId"`
	Port      int    `json:"port"`
}

func (s *Server) createBrowser(w http.ResponseWriter, r *http.Request) {
	var req createBrowserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	port, guid, err := s.browsers.NewBrowser(r.Context(), req.SessionID)
	if err != nil {
		slog.Error("launch browser", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, createBrowserResponse{BrowserID: guid, Port: port})
}

func (s *Server) deleteBrowser(w http.ResponseWriter, r *http.Request) {
	s.browsers.CloseBrowser(chi.URLParam(r, "id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "closed"})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if err := s.reg.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "redis unreachable")
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
