package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/browsergrid/browsergrid/internal/gateway/db"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/registry"
)

// reapInterval is the pause between reaper passes.
const reapInterval = 30 * time.Second

// Reaper enforces idle and absolute session timeouts. Idle age lives in
// the registry's activity set (high churn, O(log N) range scans);
// absolute age is checked against the relational store where
// created_at lives. The union is safe because Close is idempotent.
type Reaper struct {
	mgr      *Manager
	reg      *registry.Registry
	store    db.Store
	idle     time.Duration
	absolute time.Duration
	interval time.Duration
	log      *slog.Logger
}

// NewReaper creates a Reaper with the configured timeouts.
func NewReaper(mgr *Manager, reg *registry.Registry, store db.Store, idle, absolute time.Duration) *Reaper {
	return &Reaper{
		mgr:      mgr,
		reg:      reg,
		store:    store,
		idle:     idle,
		absolute: absolute,
		interval: reapInterval,
		log:      slog.With("component", "reaper"),
	}
}

// Run executes passes until ctx is cancelled. A failed pass is logged
// and retried on the next tick; the loop never terminates on error.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pass(ctx)
		}
	}
}

// pass closes every session that exceeded either timeout.
func (r *Reaper) pass(ctx context.Context) {
	expired := make(map[uuid.UUID]string) // sessionID -> reason

	idle, err := r.reg.IdleSessions(ctx, time.Now().Add(-r.idle))
	if err != nil {
		r.log.Error("scan idle sessions", "error", err)
	}
	for _, raw := range idle {
		sessionID, err := uuid.Parse(raw)
		if err != nil {
			r.log.Warn("malformed activity entry", "member", raw)
			continue
		}
		expired[sessionID] = "idle_timeout"
	}

	aged, err := r.store.ExpiredSessions(ctx, r.absolute)
	if err != nil {
		r.log.Error("query aged sessions", "error", err)
	}
	for _, sessionID := range aged {
		if _, ok := expired[sessionID]; !ok {
			expired[sessionID] = "session_timeout"
		}
	}

	for sessionID, reason := range expired {
		closed, err := r.mgr.Close(ctx, sessionID, reason)
		if err != nil {
			r.log.Error("reap session", "session_id", sessionID, "reason", reason, "error", err)
			continue
		}
		// A session that lost its routing entry mid-close (crash between
		// close steps) makes Close a no-op; sweep the leftovers directly
		// so the row and volatile entries still converge.
		if err := r.reg.DeleteSession(ctx, sessionID.String()); err != nil {
			r.log.Warn("sweep session entries", "session_id", sessionID, "error", err)
		}
		if err := r.store.CloseSession(ctx, sessionID); err != nil {
			r.log.Warn("sweep session row", "session_id", sessionID, "error", err)
		}
		if closed {
			metrics.ReaperClosuresTotal.WithLabelValues(reason).Inc()
		}
	}
}
