// Package relay is the worker side of the CDP tunnel: it bridges the
// gateway's connection to the local browser's DevTools endpoint.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/browsergrid/browsergrid/internal/id"
	"github.com/browsergrid/browsergrid/internal/metrics"
	"github.com/browsergrid/browsergrid/internal/worker/browser"
)

// CloseUnknownSession is sent when the session has no local browser.
const CloseUnknownSession websocket.StatusCode = 4404

const dialTimeout = 10 * time.Second

// SlotSource resolves sessions to local browser endpoints; implemented
// by browser.Manager.
type SlotSource interface {
	Get(sessionID string) (browser.Slot, bool)
	CloseBrowser(sessionID string)
}

// Handler proxies /proxy/{id} WebSocket connections to the session's
// local browser.
type Handler struct {
	browsers SlotSource
	log      *slog.Logger
}

// NewHandler creates the worker-side relay handler.
func NewHandler(browsers SlotSource) *Handler {
	return &Handler{
		browsers: browsers,
		log:      slog.With("component", "relay"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(-1)

	sessionID := chi.URLParam(r, "id")
	log := h.log.With("session_id", sessionID, "conn", id.ConnToken())

	slot, ok := h.browsers.Get(sessionID)
	if !ok {
		_ = conn.Close(CloseUnknownSession, "unknown session")
		return
	}

	ctx := r.Context()
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	browserURL := fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/%s", slot.Port, slot.GUID)
	remote, _, err := websocket.Dial(dialCtx, browserURL, nil)
	cancel()
	if err != nil {
		log.Warn("dial browser", "port", slot.Port, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "cannot connect to browser")
		return
	}
	defer func() { _ = remote.CloseNow() }()
	remote.SetReadLimit(-1)

	metrics.RelayConnectionsActive.Inc()
	defer metrics.RelayConnectionsActive.Dec()
	log.Info("tunnel open", "port", slot.Port)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return pump(ctx, conn, remote, "gateway_to_browser") })
	eg.Go(func() error { return pump(ctx, remote, conn, "browser_to_gateway") })

	err = eg.Wait()

	_ = conn.Close(websocket.StatusNormalClosure, "")
	_ = remote.Close(websocket.StatusNormalClosure, "")

	// Safety net against orphaned processes: the gateway also deletes
	// the browser on close, and CloseBrowser tolerates the double call.
	h.browsers.CloseBrowser(sessionID)

	status := websocket.CloseStatus(err)
	if err == nil || status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		log.Info("tunnel closed")
	} else {
		log.Info("tunnel closed", "error", err)
	}
}

func pump(ctx context.Context, src, dst *websocket.Conn, direction string) error {
	for {
		typ, data, err := src.Read(ctx)
		if err != nil {
			return err
		}
		if err := dst.Write(ctx, typ, data); err != nil {
			return err
		}
		metrics.RelayFramesTotal.WithLabelValues(direction).Inc()
	}
}
