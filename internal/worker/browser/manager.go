// Package browser owns the worker's local browser processes: one
// headless browser per session, each on its own remote-debugging port.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/browsergrid/browsergrid/internal/metrics"
)

const (
	// launchAttempts bounds retries when the allocated port is lost to
	// the bind-and-close race or the process dies before it is ready.
	launchAttempts = 3
	// readyTimeout bounds the /json/version poll per attempt.
	readyTimeout = 5 * time.Second
)

// Slot describes one running browser process.
type Slot struct {
	Port int
	GUID string
	cmd  *exec.Cmd
}

// reserved marks a session whose launch is still in flight. Only the
// launching goroutine replaces or removes a reservation, so concurrent
// creates for the same session fail instead of overwriting each other.
var reserved = &Slot{}

// Manager tracks the local sessionID → browser table, serialized by a
// mutex. Critical sections only mutate the table; process I/O happens
// outside them.
type Manager struct {
	mu    sync.Mutex
	slots map[string]*Slot

	path  string
	args  []string
	ready time.Duration
	log   *slog.Logger

	// launch starts the browser process for a port; replaced in tests.
	launch func(port int) (*exec.Cmd, error)
}

// NewManager creates a Manager that launches browsers with the given
// command and extra arguments.
func NewManager(path string, extraArgs []string) *Manager {
	m := &Manager{
		slots: make(map[string]*Slot),
		path:  path,
		args:  extraArgs,
		ready: readyTimeout,
		log:   slog.With("component", "browser"),
	}
	m.launch = m.spawn
	return m
}

// NewBrowser launches a dedicated browser process for the session and
// returns its remote-debugging port and browser guid. The guid is the
// last path segment of the webSocketDebuggerUrl reported by the
// browser's /json/version endpoint.
func (m *Manager) NewBrowser(ctx context.Context, sessionID string) (port int, guid string, err error) {
	m.mu.Lock()
	if _, exists := m.slots[sessionID]; exists {
		m.mu.Unlock()
		return 0, "", fmt.Errorf("browser already exists for session %s", sessionID)
	}
	m.slots[sessionID] = reserved
	m.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= launchAttempts; attempt++ {
		port, guid, lastErr = m.tryLaunch(ctx, sessionID)
		if lastErr == nil {
			metrics.BrowserLaunchesTotal.WithLabelValues("ok").Inc()
			metrics.BrowsersActive.Inc()
			m.log.Info("browser started", "session_id", sessionID, "port", port, "guid", guid)
			return port, guid, nil
		}
		m.log.Warn("browser launch failed",
			"session_id", sessionID,
			"attempt", attempt,
			"error", lastErr,
		)
	}

	m.mu.Lock()
	if m.slots[sessionID] == reserved {
		delete(m.slots, sessionID)
	}
	m.mu.Unlock()

	metrics.BrowserLaunchesTotal.WithLabelValues("error").Inc()
	return 0, "", fmt.Errorf("launch browser for %s: %w", sessionID, lastErr)
}

func (m *Manager) tryLaunch(ctx context.Context, sessionID string) (int, string, error) {
	port, err := freePort()
	if err != nil {
		return 0, "", err
	}

	cmd, err := m.launch(port)
	if err != nil {
		return 0, "", fmt.Errorf("spawn browser: %w", err)
	}

	guid, err := m.awaitReady(ctx, port)
	if err != nil {
		kill(cmd)
		return 0, "", err
	}

	m.mu.Lock()
	m.slots[sessionID] = &Slot{Port: port, GUID: guid, cmd: cmd}
	m.mu.Unlock()

	return port, guid, nil
}

// spawn starts the browser with remote debugging on the given port,
// bound to all interfaces so the gateway's relay can reach it.
func (m *Manager) spawn(port int) (*exec.Cmd, error) {
	args := []string{
		"--headless",
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--remote-debugging-address=0.0.0.0",
		"--no-sandbox",
		"--disable-dev-shm-usage",
	}
	args = append(args, m.args...)

	cmd := exec.Command(m.path, args...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

type versionInfo struct {
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// awaitReady polls /json/version until the browser answers, then
// extracts the browser guid from the debugger URL.
func (m *Manager) awaitReady(ctx context.Context, port int) (string, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond

	url := fmt.Sprintf("http://127.0.0.1:%d/json/version", port)
	info, err := backoff.Retry(ctx, func() (*versionInfo, error) {
		return fetchVersion(ctx, url)
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(m.ready))
	if err != nil {
		return "", fmt.Errorf("browser not ready on port %d: %w", port, err)
	}

	guid := info.WebSocketDebuggerURL[strings.LastIndex(info.WebSocketDebuggerURL, "/")+1:]
	if guid == "" {
		return "", fmt.Errorf("no browser guid in debugger url %q", info.WebSocketDebuggerURL)
	}
	return guid, nil
}

func fetchVersion(ctx context.Context, url string) (*versionInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version probe: status %d", resp.StatusCode)
	}
	var info versionInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, err
	}
	if info.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("version probe: empty webSocketDebuggerUrl")
	}
	return &info, nil
}

// Get returns the slot for a session, if any. Sessions whose launch is
// still in flight are reported as absent.
func (m *Manager) Get(sessionID string) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[sessionID]
	if !ok || s == reserved {
		return Slot{}, false
	}
	return *s, true
}

// CloseBrowser terminates the session's browser process and removes it
// from the table. Idempotent on absence.
func (m *Manager) CloseBrowser(sessionID string) {
	m.mu.Lock()
	s, ok := m.slots[sessionID]
	if ok && s != reserved {
		delete(m.slots, sessionID)
	}
	m.mu.Unlock()

	if !ok || s == reserved {
		return
	}
	kill(s.cmd)
	metrics.BrowsersActive.Dec()
	m.log.Info("browser closed", "session_id", sessionID, "port", s.Port)
}

// CloseAll terminates every browser process. Called at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	slots := m.slots
	m.slots = make(map[string]*Slot)
	m.mu.Unlock()

	for sessionID, s := range slots {
		if s == reserved {
			continue
		}
		kill(s.cmd)
		metrics.BrowsersActive.Dec()
		m.log.Info("browser closed", "session_id", sessionID, "port", s.Port)
	}
}

// Count returns the number of running browsers.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.slots {
		if s != reserved {
			n++
		}
	}
	return n
}

func kill(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	// Reap asynchronously; the exit status is irrelevant.
	go func() { _ = cmd.Wait() }()
}
