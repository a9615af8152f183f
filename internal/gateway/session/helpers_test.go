package session

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/browsergrid/browsergrid/internal/gateway/db/dbtest"
	"github.com/browsergrid/browsergrid/internal/gateway/scheduler"
	"github.com/browsergrid/browsergrid/internal/gateway/workerapi"
	"github.com/browsergrid/browsergrid/internal/registry"
)

// fakeWorker stands in for a worker node's browser RPC.
type fakeWorker struct {
	srv  *httptest.Server
	port int

	mu         sync.Mutex
	creates    int
	deletes    int
	failCreate bool
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()
	fw := &fakeWorker{}

	r := chi.NewRouter()
	r.Post("/browser", func(w http.ResponseWriter, req *http.Request) {
		fw.mu.Lock()
		fail := fw.failCreate
		if !fail {
			fw.creates++
		}
		n := fw.creates
		fw.mu.Unlock()

		if fail {
			http.Error(w, `{"error":"launch failed"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"browserId": fmt.Sprintf("guid-%d", n),
			"port":      9222,
		})
	})
	r.Delete("/browser/{id}", func(w http.ResponseWriter, req *http.Request) {
		fw.mu.Lock()
		fw.deletes++
		fw.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"closed"}`))
	})

	fw.srv = httptest.NewServer(r)
	t.Cleanup(fw.srv.Close)

	u, err := url.Parse(fw.srv.URL)
	require.NoError(t, err)
	fw.port, err = strconv.Atoi(u.Port())
	require.NoError(t, err)
	return fw
}

func (fw *fakeWorker) deleteCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.deletes
}

// testEnv wires a Manager against miniredis, an in-memory store and a
// fake worker registered as 127.0.0.1.
type testEnv struct {
	mr     *miniredis.Miniredis
	reg    *registry.Registry
	store  *dbtest.MemStore
	worker *fakeWorker
	mgr    *Manager
}

func newTestEnv(t *testing.T, maxLoad int) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	reg := registry.New(rdb)
	store := dbtest.NewMemStore()
	fw := newFakeWorker(t)
	sched := scheduler.New(reg, maxLoad)
	mgr := NewManager(store, reg, sched, workerapi.NewClient(fw.port), "gateway.example")

	require.NoError(t, reg.RegisterWorker(context.Background(), "127.0.0.1"))
	return &testEnv{mr: mr, reg: reg, store: store, worker: fw, mgr: mgr}
}

func (e *testEnv) workerLoad(t *testing.T) float64 {
	t.Helper()
	load, err := e.reg.WorkerLoad(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	return load
}
