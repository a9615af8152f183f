// Package session orchestrates the browser-session lifecycle across
// the scheduler, the worker RPC, the relational store and the registry.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/gateway/db"
	"github.com/browsergrid/browsergrid/internal/gateway/scheduler"
	"github.com/browsergrid/browsergrid/internal/id"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/registry"
)

// Sentinel errors surfaced to the HTTP layer.
var (
	// ErrNoCapacity means no worker is registered or all are at the cap.
	ErrNoCapacity = errors.New("no available workers")
	// ErrWorkerUnavailable means the assigned worker's RPC failed.
	ErrWorkerUnavailable = errors.New("worker unavailable")
	// ErrUnknownSession means the routing entry is absent.
	ErrUnknownSession = errors.New("unknown session")
)

// WorkerClient is the worker RPC surface the manager depends on.
type WorkerClient interface {
	CreateBrowser(ctx context.Context, host, sessionID string) (registry.Detail, error)
	DeleteBrowser(ctx context.Context, host, sessionID string) error
}

// Manager owns session creation, teardown and listing.
type Manager struct {
	store      db.Store
	reg        *registry.Registry
	sched      *scheduler.Scheduler
	workers    WorkerClient
	publicHost string
	log        *slog.Logger
}

// NewManager wires a Manager. publicHost (host, or host:port) is
// embedded in the connectUrl returned to clients.
func NewManager(store db.Store, reg *registry.Registry, sched *scheduler.Scheduler, workers WorkerClient, publicHost string) *Manager {
	return &Manager{
		store:      store,
		reg:        reg,
		sched:      sched,
		workers:    workers,
		publicHost: publicHost,
		log:        slog.With("component", "session"),
	}
}

// CreateResult is the client-visible outcome of Create.
type CreateResult struct {
	SessionID  uuid.UUID
	ConnectURL string
}

// Create allocates a browser session: pick the least-loaded worker,
// have it launch a browser, persist the relational row, then publish
// the volatile routing/detail/activity entries. The volatile entries
// are written last so any observer of the routing entry is guaranteed
// a matching active row.
func (m *Manager) Create(ctx context.Context, tenantID uuid.UUID) (CreateResult, error) {
	sessionID := id.NewSession()

	host, ok, err := m.sched.Pick(ctx)
	if err != nil {
		return CreateResult{}, fmt.Errorf("pick worker: %w", err)
	}
	if !ok {
		return CreateResult{}, ErrNoCapacity
	}

	detail, err := m.workers.CreateBrowser(ctx, host, sessionID.String())
	if err != nil {
		m.release(host)
		return CreateResult{}, fmt.Errorf("%w: %w", ErrWorkerUnavailable, err)
	}

	if err := m.store.CreateSession(ctx, sessionID, tenantID, host); err != nil {
		m.deleteBrowser(host, sessionID.String())
		m.release(host)
		return CreateResult{}, fmt.Errorf("persist session: %w", err)
	}

	if err := m.reg.PutSession(ctx, sessionID.String(), host, detail); err != nil {
		// The row exists but the session is unreachable without its
		// volatile entries; unwind fully rather than leak the browser.
		m.deleteBrowser(host, sessionID.String())
		m.release(host)
		if dbErr := m.store.CloseSession(context.WithoutCancel(ctx), sessionID); dbErr != nil {
			m.log.Error("close session row after registry failure", "session_id", sessionID, "error", dbErr)
		}
		return CreateResult{}, fmt.Errorf("publish session entries: %w", err)
	}

	metrics.SessionsCreatedTotal.Inc()
	metrics.SessionsActive.Inc()
	m.log.Info("session created", "session_id", sessionID, "tenant_id", tenantID, "worker", host)

	return CreateResult{
		SessionID:  sessionID,
		ConnectURL: fmt.Sprintf("ws://%s/session/%s", m.publicHost, sessionID),
	}, nil
}

// Close retires a session across all stores. It is idempotent and safe
// under concurrent invocation: the atomic take of the routing entry
// decides the single winner, and every later step is best-effort
// because a partially-closed session converges on the next reaper pass.
// closed reports whether this call won the take and performed the close.
func (m *Manager) Close(ctx context.Context, sessionID uuid.UUID, reason string) (closed bool, err error) {
	// Finalization must complete even when the caller (a dropped
	// websocket, a cancelled request) is already gone.
	ctx = context.WithoutCancel(ctx)

	host, ok, err := m.reg.TakeRouting(ctx, sessionID.String())
	if err != nil {
		return false, fmt.Errorf("take routing entry: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.deleteBrowser(host, sessionID.String())

	if err := m.reg.DecrementLoad(ctx, host); err != nil {
		m.log.Warn("decrement worker load", "worker", host, "error", err)
	}
	if err := m.reg.DeleteSession(ctx, sessionID.String()); err != nil {
		m.log.Warn("delete session entries", "session_id", sessionID, "error", err)
	}
	if err := m.store.CloseSession(ctx, sessionID); err != nil {
		m.log.Warn("close session row", "session_id", sessionID, "error", err)
	}

	metrics.SessionsActive.Dec()
	metrics.SessionsClosedTotal.WithLabelValues(reason).Inc()
	m.log.Info("session closed", "session_id", sessionID, "worker", host, "reason", reason)
	return true, nil
}

// List returns a tenant's sessions, newest first.
func (m *Manager) List(ctx context.Context, tenantID uuid.UUID) ([]db.Session, error) {
	return m.store.ListSessions(ctx, tenantID)
}

// Touch records session activity.
func (m *Manager) Touch(ctx context.Context, sessionID uuid.UUID) error {
	return m.reg.Touch(ctx, sessionID.String())
}

// Registry exposes the registry for the relay's routing lookups.
func (m *Manager) Registry() *registry.Registry {
	return m.reg
}

func (m *Manager) deleteBrowser(host, sessionID string) {
	if err := m.workers.DeleteBrowser(context.Background(), host, sessionID); err != nil {
		m.log.Warn("delete browser", "session_id", sessionID, "worker", host, "error", err)
	}
}

func (m *Manager) release(host string) {
	if err := m.sched.Release(context.Background(), host); err != nil {
		m.log.Error("compensating decrement", "worker", host, "error", err)
	}
}
