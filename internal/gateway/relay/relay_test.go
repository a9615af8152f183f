package relay_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/gateway/db"
	"github.com/browsergrid/browsergrid/internal/gateway/db/dbtest"
	"github.com/browsergrid/browsergrid/internal/gateway/relay"
	"github.com/browsergrid/browsergrid/internal/gateway/scheduler"
	"github.com/browsergrid/browsergrid/internal/gateway/session"
	"github.com/browsergrid/browsergrid/internal/gateway/workerapi"
	"github.com/browsergrid/browsergrid/internal/registry"
	"github.com/browsergrid/browsergrid/internal/util/testutil"
)

// fakeWorkerNode serves the worker RPC plus an echoing /proxy websocket
// that answers every CDP request with a result carrying the same id.
func fakeWorkerNode(t *testing.T) (srv *httptest.Server, port int) {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/browser", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"browserId":"guid-1","port":9222}`))
	})
	r.Delete("/browser/{id}", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"closed"}`))
	})
	r.Get("/proxy/{id}", func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.CloseNow() }()
		ctx := req.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg struct {
				ID int `json:"id"`
			}
			if err := json.Unmarshal(data, &msg); err != nil {
				return
			}
			reply, _ := json.Marshal(map[string]any{"id": msg.ID, "result": map[string]any{}})
			if err := conn.Write(ctx, websocket.MessageText, reply); err != nil {
				return
			}
		}
	})

	srv = httptest.NewServer(r)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return srv, port
}

type relayEnv struct {
	reg   *registry.Registry
	store *dbtest.MemStore
	mgr   *session.Manager
	gwURL string // ws:// base of the gateway relay
}

func newRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, workerPort := fakeWorkerNode(t)

	reg := registry.New(rdb)
	store := dbtest.NewMemStore()
	sched := scheduler.New(reg, 0)
	mgr := session.NewManager(store, reg, sched, workerapi.NewClient(workerPort), "gateway.example")
	require.NoError(t, reg.RegisterWorker(context.Background(), "127.0.0.1"))

	r := chi.NewRouter()
	r.Method(http.MethodGet, "/session/{id}", relay.NewHandler(mgr, workerPort))
	gw := httptest.NewServer(r)
	t.Cleanup(gw.Close)

	return &relayEnv{
		reg:   reg,
		store: store,
		mgr:   mgr,
		gwURL: "ws" + strings.TrimPrefix(gw.URL, "http"),
	}
}

func TestTunnelRoundTrip(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := env.mgr.Create(ctx, uuid.New())
	require.NoError(t, err)

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/"+res.SessionID.String(), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	req := []byte(`{"id":7,"method":"Target.getTargets"}`)
	require.NoError(t, conn.Write(ctx, websocket.MessageText, req))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var reply struct {
		ID int `json:"id"`
	}
	require.NoError(t, json.Unmarshal(data, &reply))
	assert.Equal(t, 7, reply.ID)

	// Dropping the client finalizes the session.
	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	testutil.AssertEventually(t, func() bool {
		_, ok, err := env.reg.WorkerFor(context.Background(), res.SessionID.String())
		return err == nil && !ok
	})
	testutil.AssertEventually(t, func() bool {
		return env.store.Status(res.SessionID) == db.StatusClosed
	})
	testutil.AssertEventually(t, func() bool {
		load, err := env.reg.WorkerLoad(context.Background(), "127.0.0.1")
		return err == nil && load == 0
	})
}

func TestTunnelTouchesActivity(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := env.mgr.Create(ctx, uuid.New())
	require.NoError(t, err)

	before, ok, err := env.reg.LastActive(ctx, res.SessionID.String())
	require.NoError(t, err)
	require.True(t, ok)

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/"+res.SessionID.String(), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"id":1}`)))
	_, _, err = conn.Read(ctx)
	require.NoError(t, err)

	after, ok, err := env.reg.LastActive(ctx, res.SessionID.String())
	require.NoError(t, err)
	require.True(t, ok)
	assert.GreaterOrEqual(t, after, before)
}

func TestUnknownSessionCloseCode(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/"+uuid.NewString(), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, relay.CloseUnknownSession, websocket.CloseStatus(err))
}

func TestMalformedSessionIDCloseCode(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/not-a-uuid", nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, relay.CloseUnknownSession, websocket.CloseStatus(err))
}

func TestTargetMissingCloseCode(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := env.mgr.Create(ctx, uuid.New())
	require.NoError(t, err)

	// Drop the detail entry but keep the routing entry, as a crash
	// between the close protocol's pipeline steps would.
	require.NoError(t, env.reg.DeleteSession(ctx, res.SessionID.String()))
	_, ok, err := env.reg.WorkerFor(ctx, res.SessionID.String())
	require.NoError(t, err)
	require.True(t, ok)

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/"+res.SessionID.String(), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, websocket.StatusInternalError, websocket.CloseStatus(err))
}

func TestClosedSessionRejected(t *testing.T) {
	env := newRelayEnv(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res, err := env.mgr.Create(ctx, uuid.New())
	require.NoError(t, err)
	closed, err := env.mgr.Close(ctx, res.SessionID, "api_delete")
	require.NoError(t, err)
	require.True(t, closed)

	conn, _, err := websocket.Dial(ctx, env.gwURL+"/session/"+res.SessionID.String(), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	_, _, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, relay.CloseUnknownSession, websocket.CloseStatus(err))
}
