// Package relay is the gateway side of the two-hop CDP tunnel:
// client ↔ gateway ↔ worker ↔ browser.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/gateway/session"
	"github.com/browsergrid/browsergrid/internal/id"
	"github.com/browsergrid/browsergrid/internal/metrics"
)

// Application-level WebSocket close codes.
const (
	// CloseUnknownSession is sent when no routing entry exists.
	CloseUnknownSession websocket.StatusCode = 4404
	// touchInterval coalesces activity updates: lastActive may lag the
	// wall clock by at most one second while traffic is flowing.
	touchInterval = time.Second
	// dialTimeout bounds the outbound connect to the worker.
	dialTimeout = 10 * time.Second
)

// Handler proxies CDP WebSocket tunnels for active sessions.
type Handler struct {
	mgr        *session.Manager
	workerPort int
	log        *slog.Logger
}

// NewHandler creates the /session/{id} WebSocket handler.
func NewHandler(mgr *session.Manager, workerPort int) *Handler {
	return &Handler{
		mgr:        mgr,
		workerPort: workerPort,
		log:        slog.With("component", "relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(-1) // CDP frames (screencasts, snapshots) can be large

	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		_ = conn.Close(CloseUnknownSession, "unknown session")
		return
	}

	log := h.log.With("session_id", sessionID, "conn", id.ConnToken())
	reg := h.mgr.Registry()
	ctx := r.Context()

	host, ok, err := reg.WorkerFor(ctx, sessionID.String())
	if err != nil {
		log.Error("resolve routing entry", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "routing lookup failed")
		return
	}
	if !ok {
		_ = conn.Close(CloseUnknownSession, "unknown session")
		return
	}

	_, ok, err = reg.SessionDetail(ctx, sessionID.String())
	if err != nil || !ok {
		_ = conn.Close(websocket.StatusInternalError, "target missing")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	workerURL := fmt.Sprintf("ws://%s:%d/proxy/%s", host, h.workerPort, sessionID)
	remote, _, err := websocket.Dial(dialCtx, workerURL, nil)
	cancel()
	if err != nil {
		log.Warn("dial worker", "worker", host, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "cannot reach worker")
		return
	}
	defer func() { _ = remote.CloseNow() }()
	remote.SetReadLimit(-1)

	metrics.RelayConnectionsActive.Inc()
	defer metrics.RelayConnectionsActive.Dec()
	log.Info("tunnel open", "worker", host)

	t := &tunnel{
		mgr:       h.mgr,
		sessionID: sessionID,
		log:       log,
	}
	t.run(ctx, conn, remote)
}

// tunnel is one relay instance: two directional pumps plus a one-shot
// close coordinator.
type tunnel struct {
	mgr       *session.Manager
	sessionID uuid.UUID
	lastTouch atomic.Int64 // unix nanos of the last activity update
	closeOnce sync.Once
	log       *slog.Logger
}

func (t *tunnel) run(ctx context.Context, client, remote *websocket.Conn) {
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return t.pump(ctx, client, remote, "client_to_worker")
	})
	eg.Go(func() error {
		return t.pump(ctx, remote, client, "worker_to_client")
	})

	// The first pump to exit cancels ctx, which unblocks the other
	// pump's pending Read. Errors are captured, not propagated.
	err := eg.Wait()

	_ = client.Close(websocket.StatusNormalClosure, "")
	_ = remote.Close(websocket.StatusNormalClosure, "")
	_ = client.CloseNow()
	_ = remote.CloseNow()

	t.closeOnce.Do(func() {
		if _, cerr := t.mgr.Close(ctx, t.sessionID, "client_disconnect"); cerr != nil {
			t.log.Warn("close session after tunnel end", "error", cerr)
		}
	})

	status := websocket.CloseStatus(err)
	if err == nil || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		t.log.Info("tunnel closed")
	} else {
		t.log.Info("tunnel closed", "error", err)
	}
}

// pump forwards frames from src to dst until either side closes,
// recording session activity as traffic flows.
func (t *tunnel) pump(ctx context.Context, src, dst *websocket.Conn, direction string) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
		metrics.RelayFramesTotal.WithLabelValues(direction).Inc()
		t.touch(ctx)
	}
}

// touch coalesces activity updates to at most one per second.
func (t *tunnel) touch(ctx context.Context) {
	now := time.Now().UnixNano()
	last := t.lastTouch.Load()
	if now-last < int64(touchInterval) {
		return
	}
	if !t.lastTouch.CompareAndSwap(last, now) {
		return // another pump just touched
	}
	if err := t.mgr.Touch(ctx, t.sessionID); err != nil {
		t.log.Debug("touch session", "error", err)
	}
}
